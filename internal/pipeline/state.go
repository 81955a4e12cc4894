package pipeline

import (
	"fmt"

	"github.com/paul/grapevine/internal/policy"
)

// State is a step of the per-event state machine.
type State int

const (
	Received State = iota
	Skipped
	Verifying
	PolicyChecking
	Persisting
	StatsUpdating
	Notifying
	Done
	Dropped
)

var stateNames = [...]string{
	Received:       "received",
	Skipped:        "skipped",
	Verifying:      "verifying",
	PolicyChecking: "policy",
	Persisting:     "persisting",
	StatsUpdating:  "stats",
	Notifying:      "notifying",
	Done:           "done",
	Dropped:        "dropped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Skipped || s == Done || s == Dropped
}

// Source identifies the entry point an event arrived through.
type Source int

const (
	// SourceDirect is a client submission that waits for the outcome.
	SourceDirect Source = iota
	// SourceFirehose is an event read from the upstream subscription.
	SourceFirehose
	// SourceNotify is an event another writer inserted and announced.
	SourceNotify
)

func (s Source) String() string {
	switch s {
	case SourceDirect:
		return "direct"
	case SourceFirehose:
		return "firehose"
	case SourceNotify:
		return "notify"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Rejection is the category and message pair returned to a direct
// submitter. Its string form is the NIP-01 OK message.
type Rejection struct {
	Category policy.Category
	Message  string
}

func (r *Rejection) Error() string { return r.String() }

func (r *Rejection) String() string {
	return string(r.Category) + ": " + r.Message
}

func reject(category policy.Category, format string, args ...any) *Rejection {
	return &Rejection{Category: category, Message: fmt.Sprintf(format, args...)}
}

// StageError wraps the failure of one external call.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Outcome is the terminal result of one Process call.
type Outcome struct {
	State     State
	Rejection *Rejection
	// Duplicate is set when the id was already known, either from the
	// encounter cache or from the store.
	Duplicate bool
	// Pending is set on a Skipped duplicate whose first run has not
	// finished, so it may still be dropped.
	Pending bool
	// Err is the stage failure behind an error-category drop.
	Err error
}

// Accepted reports whether the submitter should see success.
func (o Outcome) Accepted() bool {
	return o.State == Done || (o.State == Skipped && !o.Pending)
}

// Message is the OK message for a direct submitter.
func (o Outcome) Message() string {
	switch {
	case o.Rejection != nil:
		return o.Rejection.String()
	case o.Pending:
		return string(policy.CategoryDuplicate) + ": event is still being processed"
	case o.Duplicate:
		return string(policy.CategoryDuplicate) + ": already have this event"
	}
	return ""
}
