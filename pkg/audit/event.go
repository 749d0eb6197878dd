// Package audit provides audit logging for management verbs.
package audit

import (
	"fmt"
	"time"
)

// Event represents one auditable management operation
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Verb      string        `json:"verb"`
	Interface string        `json:"interface,omitempty"`
	Device    string        `json:"device,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	ClientUID int           `json:"client_uid,omitempty"`
}

// NewEvent creates an audit event for a management verb
func NewEvent(verb string) *Event {
	return &Event{
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
		Timestamp: time.Now(),
		Verb:      verb,
	}
}

// WithInterface records the target interface
func (e *Event) WithInterface(name string) *Event {
	e.Interface = name
	return e
}

// WithDevice records the target device
func (e *Event) WithDevice(name string) *Event {
	e.Device = name
	return e
}

// WithSuccess marks the event successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration records how long the operation took
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// Filter defines criteria for querying audit events
type Filter struct {
	Verb      string
	Interface string
	Device    string
	StartTime time.Time
	EndTime   time.Time

	SuccessOnly bool
	FailureOnly bool

	Offset int
	Limit  int
}
