// Command blelink-replay runs a scenario file against simulated head units
// and prints the assertion results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"github.com/user/blelink/logger"
	"github.com/user/blelink/scenario"
	"github.com/user/blelink/sim"
	"github.com/user/blelink/util"
)

func main() {
	scenarioPath := pflag.StringP("scenario", "s", "", "path to scenario JSON file")
	reportDir := pflag.String("report-dir", "", "write a Markdown report into this directory (default: data dir)")
	realistic := pflag.Bool("realistic", false, "use phone-like radio timing instead of instant delivery")
	logLevel := pflag.String("log-level", "warn", "trace, debug, info, warn or error")
	pflag.Parse()

	logger.SetLevel(logger.ParseLevel(*logLevel))
	defer logger.Sync()

	if *scenarioPath == "" {
		fmt.Println("Usage: blelink-replay --scenario <path-to-scenario.json>")
		os.Exit(1)
	}

	s, err := scenario.Load(*scenarioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scenario: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Running Scenario: %s ===\n", s.Name)
	fmt.Printf("Description: %s\n", s.Description)
	fmt.Printf("Peripherals: %d, events: %d, duration: %v\n\n", len(s.Peripherals), len(s.Timeline), s.Duration())

	if problems := s.Validate(); len(problems) > 0 {
		fmt.Println("Scenario validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := scenario.NewRunner(s)
	if *realistic {
		runner.WithRadio(sim.DefaultConfig())
	}
	res, err := runner.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to run scenario: %v\n", err)
		os.Exit(1)
	}

	for _, a := range res.Assertions {
		mark := "PASS"
		if !a.Passed {
			mark = "FAIL"
		}
		fmt.Printf("  [%s] %s\n", mark, a.Message)
	}

	dir := *reportDir
	if dir == "" {
		dir = util.GetDataDir()
	}
	if path, err := res.WriteReport(s, dir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write report: %v\n", err)
	} else {
		fmt.Printf("\nReport written to: %s\n", path)
	}

	if !res.Passed() {
		os.Exit(1)
	}
}
