package domain

import "fmt"

// PollingStatus is the dispatch state of a job request row
type PollingStatus string

// Polling status constants
const (
	// PollingStatusInit marks a request that no dispatcher has picked up yet
	PollingStatusInit PollingStatus = "INIT"
	// PollingStatusPolled marks a request claimed by a dispatcher whose job is being started
	PollingStatusPolled PollingStatus = "POLLED"
	// PollingStatusExecuted marks a request whose job start has been attempted
	PollingStatusExecuted PollingStatus = "EXECUTED"
)

// ParsePollingStatus converts a stored value into a PollingStatus
func ParsePollingStatus(s string) (PollingStatus, error) {
	status := PollingStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown polling status %q", s)
	}
	return status, nil
}

// IsValid reports whether s is one of the known statuses
func (s PollingStatus) IsValid() bool {
	switch s {
	case PollingStatusInit, PollingStatusPolled, PollingStatusExecuted:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal step.
// Statuses only move forward one step at a time.
func (s PollingStatus) CanTransitionTo(next PollingStatus) bool {
	switch s {
	case PollingStatusInit:
		return next == PollingStatusPolled
	case PollingStatusPolled:
		return next == PollingStatusExecuted
	}
	return false
}

func (s PollingStatus) String() string {
	return string(s)
}
