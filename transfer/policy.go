package transfer

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what the Writer does when a frame write fails
type FailurePolicy int

const (
	// Stall keeps the failed frame in flight; the queue stops until Reset.
	Stall FailurePolicy = iota
	// Retry rewrites the same frame up to MaxRetries times, then drops the message.
	Retry
	// DropMessage discards the rest of the failed message and moves on.
	DropMessage
)

func (p FailurePolicy) String() string {
	switch p {
	case Stall:
		return "stall"
	case Retry:
		return "retry"
	case DropMessage:
		return "drop"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParsePolicy converts a config string to a FailurePolicy
func ParsePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stall":
		return Stall, nil
	case "retry":
		return Retry, nil
	case "drop", "dropmessage":
		return DropMessage, nil
	default:
		return Stall, fmt.Errorf("transfer: unknown failure policy %q", s)
	}
}
