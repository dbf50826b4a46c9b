// Package scenario replays scripted link sessions against simulated head
// units and checks the outcome: a timeline of actions (scan, send, drop)
// followed by assertions on what the relay observed.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Scenario is one scripted session
type Scenario struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Peripherals []PeripheralConfig `json:"peripherals"`
	Timeline    []TimelineEvent    `json:"timeline"`
	Assertions  []Assertion        `json:"assertions"`
	// SettleMs bounds how long assertions may take to hold after the
	// timeline ends. Default: 2000.
	SettleMs int `json:"settle_ms,omitempty"`
}

// PeripheralConfig describes one simulated head unit
type PeripheralConfig struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	MaxMTU    int    `json:"max_mtu,omitempty"`
	RejectMTU bool   `json:"reject_mtu,omitempty"`
	Echo      bool   `json:"echo,omitempty"`
}

// TimelineEvent is an action at an offset from the scenario start
type TimelineEvent struct {
	TimeMs     int                    `json:"time_ms"`
	Action     string                 `json:"action"`
	Peripheral string                 `json:"peripheral,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Comment    string                 `json:"comment,omitempty"`
}

// Action types
const (
	ActionScan       = "scan"
	ActionSend       = "send"       // data: text or size
	ActionDrop       = "drop"       // peripheral goes out of range
	ActionDisconnect = "disconnect" // relay side disconnect
)

// Assertion is an expected outcome. Count is read from Data["count"],
// MTU from Data["mtu"].
type Assertion struct {
	Type       string                 `json:"type"`
	Peripheral string                 `json:"peripheral,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Comment    string                 `json:"comment,omitempty"`
}

// Assertion types
const (
	AssertionLinkReady          = "link_ready"
	AssertionDisconnected       = "disconnected"
	AssertionMTU                = "mtu"
	AssertionEchoReceived       = "echo_received"
	AssertionPeripheralReceived = "peripheral_received"
)

// Load reads a scenario from a JSON file
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the scenario as indented JSON
func (s *Scenario) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Duration is the offset of the last timeline event
func (s *Scenario) Duration() time.Duration {
	maxTime := 0
	for _, e := range s.Timeline {
		if e.TimeMs > maxTime {
			maxTime = e.TimeMs
		}
	}
	return time.Duration(maxTime) * time.Millisecond
}

func (s *Scenario) settle() time.Duration {
	if s.SettleMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(s.SettleMs) * time.Millisecond
}

// Validate lists every problem found in the scenario
func (s *Scenario) Validate() []string {
	var problems []string

	ids := make(map[string]bool)
	for _, p := range s.Peripherals {
		if p.ID == "" || p.Address == "" {
			problems = append(problems, "peripheral needs an id and an address")
		}
		ids[p.ID] = true
	}

	last := 0
	for _, e := range s.Timeline {
		if e.TimeMs < last {
			problems = append(problems, fmt.Sprintf("timeline not ordered at %dms", e.TimeMs))
		}
		last = e.TimeMs
		switch e.Action {
		case ActionScan, ActionSend, ActionDisconnect:
		case ActionDrop:
			if !ids[e.Peripheral] {
				problems = append(problems, "drop references unknown peripheral: "+e.Peripheral)
			}
		default:
			problems = append(problems, "unknown action: "+e.Action)
		}
	}

	for _, a := range s.Assertions {
		switch a.Type {
		case AssertionLinkReady, AssertionDisconnected, AssertionMTU, AssertionEchoReceived:
		case AssertionPeripheralReceived:
			if !ids[a.Peripheral] {
				problems = append(problems, "assertion references unknown peripheral: "+a.Peripheral)
			}
		default:
			problems = append(problems, "unknown assertion: "+a.Type)
		}
	}
	return problems
}

// intData reads a JSON number from data
func intData(data map[string]interface{}, key string) (int, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
