package scenario

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/blelink/central"
	"github.com/user/blelink/config"
	"github.com/user/blelink/event"
	"github.com/user/blelink/frame"
	"github.com/user/blelink/logger"
	"github.com/user/blelink/sim"
	"github.com/user/blelink/transfer"
)

const prefix = "Scenario"

// EventLogEntry is one thing that happened during a run
type EventLogEntry struct {
	TimeMs  int    `json:"time_ms"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AssertionResult is the outcome of one assertion
type AssertionResult struct {
	Assertion Assertion `json:"assertion"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message"`
}

// Result of a run
type Result struct {
	Events     []EventLogEntry   `json:"events"`
	Assertions []AssertionResult `json:"assertions"`
}

// Passed reports whether every assertion held
func (r *Result) Passed() bool {
	return allPassed(r.Assertions)
}

// Runner executes a scenario
type Runner struct {
	scenario *Scenario
	cfg      config.Config
	simCfg   *sim.Config

	mu         sync.Mutex
	start      time.Time
	log        []EventLogEntry
	linkReady  int
	disconnect int
	sent       [][]byte
	echoes     int
	received   map[string]int
}

// NewRunner prepares a run with instant radio timing
func NewRunner(s *Scenario) *Runner {
	return &Runner{
		scenario: s,
		cfg:      config.Default(),
		simCfg:   sim.InstantConfig(),
		received: make(map[string]int),
	}
}

// WithRadio replaces the simulated radio timing
func (r *Runner) WithRadio(cfg *sim.Config) *Runner {
	r.simCfg = cfg
	return r
}

func (r *Runner) record(kind, format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := EventLogEntry{
		TimeMs:  int(time.Since(r.start) / time.Millisecond),
		Type:    kind,
		Message: fmt.Sprintf(format, args...),
	}
	r.log = append(r.log, entry)
	logger.Debug(prefix, "[%5dms] %s %s", entry.TimeMs, kind, entry.Message)
}

// Run executes the timeline, then waits up to the settle time for every
// assertion to hold.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if problems := r.scenario.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("scenario %q invalid: %v", r.scenario.Name, problems)
	}

	s := sim.NewCentral(r.simCfg)
	defer s.Close()

	addresses := make(map[string]string)
	for _, pc := range r.scenario.Peripherals {
		id := pc.ID
		addresses[id] = pc.Address
		s.AddPeripheral(sim.Peripheral{
			Name:       pc.Name,
			Address:    pc.Address,
			Service:    r.cfg.ServiceUUID,
			NotifyChar: r.cfg.NotificationCharUUID,
			WriteChar:  r.cfg.ResponseCharUUID,
			MaxMTU:     pc.MaxMTU,
			RejectMTU:  pc.RejectMTU,
			Echo:       pc.Echo,
			OnMessage: func(m []byte) {
				r.mu.Lock()
				r.received[id]++
				r.mu.Unlock()
				r.record("peripheral_received", "%s got %d bytes", id, len(m))
			},
		})
	}

	bus := event.NewBus()
	events, unsub := bus.Subscribe()
	defer unsub()

	ctrl := central.NewController(s, bus, central.Config{
		ServiceUUID:          r.cfg.ServiceUUID,
		NotificationCharUUID: r.cfg.NotificationCharUUID,
		WriteCharUUID:        r.cfg.ResponseCharUUID,
		PreferredMTU:         r.cfg.PreferredMTU,
		Transfer:             transfer.DefaultOptions(),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctrl.Run(runCtx, s.Events())

	r.start = time.Now()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.observe(events)
	}()

	for _, e := range r.scenario.Timeline {
		at := r.start.Add(time.Duration(e.TimeMs) * time.Millisecond)
		select {
		case <-time.After(time.Until(at)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.execute(ctrl, s, addresses, e)
	}

	deadline := time.Now().Add(r.scenario.settle())
	var results []AssertionResult
	for {
		results = r.evaluate(ctrl)
		if allPassed(results) || time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctrl.Disconnect()
	unsub()
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Result{Events: append([]EventLogEntry(nil), r.log...), Assertions: results}, nil
}

func (r *Runner) observe(events <-chan event.Event) {
	for e := range events {
		switch e.Kind {
		case event.LinkReady:
			r.mu.Lock()
			r.linkReady++
			r.mu.Unlock()
			r.record("link_ready", "%s", e.Address)
		case event.DeviceConnected:
			r.record("connected", "%q %s", e.Name, e.Address)
		case event.DeviceDisconnected:
			r.mu.Lock()
			r.disconnect++
			r.mu.Unlock()
			r.record("disconnected", "%s", e.Address)
		case event.MessageReceived:
			r.mu.Lock()
			for _, m := range r.sent {
				if bytes.Equal(m, e.Payload) {
					r.echoes++
					break
				}
			}
			r.mu.Unlock()
			r.record("message_received", "%d bytes", len(e.Payload))
		}
	}
}

func (r *Runner) execute(ctrl *central.Controller, s *sim.Central, addresses map[string]string, e TimelineEvent) {
	switch e.Action {
	case ActionScan:
		if err := ctrl.Scan(); err != nil {
			r.record("scan_failed", "%v", err)
			return
		}
		r.record("scan", "started")

	case ActionSend:
		msg := payload(e.Data)
		if err := ctrl.Send(msg); err != nil {
			r.record("send_failed", "%d bytes: %v", len(msg), err)
			return
		}
		r.mu.Lock()
		r.sent = append(r.sent, msg)
		r.mu.Unlock()
		r.record("send", "%d bytes", len(msg))

	case ActionDrop:
		if err := s.Drop(addresses[e.Peripheral]); err != nil {
			r.record("drop_failed", "%s: %v", e.Peripheral, err)
			return
		}
		r.record("drop", "%s", e.Peripheral)

	case ActionDisconnect:
		ctrl.Disconnect()
		r.record("disconnect", "requested")
	}
}

// payload builds the message of a send action from data["text"] or a
// patterned message of data["size"] bytes.
func payload(data map[string]interface{}) []byte {
	if text, ok := data["text"].(string); ok {
		return []byte(text)
	}
	size, _ := intData(data, "size")
	msg := make([]byte, size)
	for i := range msg {
		msg[i] = byte(i % 251)
	}
	return msg
}

func (r *Runner) evaluate(ctrl *central.Controller) []AssertionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	results := make([]AssertionResult, 0, len(r.scenario.Assertions))
	for _, a := range r.scenario.Assertions {
		want, hasCount := intData(a.Data, "count")
		if !hasCount {
			want = 1
		}
		var got int
		switch a.Type {
		case AssertionLinkReady:
			got = r.linkReady
		case AssertionDisconnected:
			got = r.disconnect
		case AssertionEchoReceived:
			got = r.echoes
		case AssertionPeripheralReceived:
			got = r.received[a.Peripheral]
		case AssertionMTU:
			wantMTU, _ := intData(a.Data, "mtu")
			mtu := frame.DefaultMTU
			if s := ctrl.Session(); s != nil {
				mtu = s.Writer.MTU()
			}
			results = append(results, AssertionResult{
				Assertion: a,
				Passed:    mtu == wantMTU,
				Message:   fmt.Sprintf("mtu %d, want %d", mtu, wantMTU),
			})
			continue
		}
		results = append(results, AssertionResult{
			Assertion: a,
			Passed:    got >= want,
			Message:   fmt.Sprintf("%s: %d, want at least %d", a.Type, got, want),
		})
	}
	return results
}

func allPassed(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
