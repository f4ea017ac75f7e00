package broker

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

var (
	// ErrExecutorUnavailable is returned by Submit when no executor is connected.
	ErrExecutorUnavailable = errors.New("executor not connected")
	// ErrUnknownOperation is returned by Submit for names outside the catalog.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrUnknownTask is returned by Deliver when no call is waiting on the task id.
	// A second delivery for the same task id also gets this error.
	ErrUnknownTask = errors.New("task not found")
	// ErrCallTimeout is returned by Wait when the call deadline passes first.
	ErrCallTimeout = errors.New("call timed out waiting for executor")
	// ErrTooManyPending is returned by Submit when the pending limit is reached.
	ErrTooManyPending = errors.New("too many pending calls")
)

// ExecutorError carries a failure reported by the executor for one task.
type ExecutorError struct {
	Message string
}

func (e *ExecutorError) Error() string {
	return e.Message
}

// CallStatus is the lifecycle state of a dispatched call.
type CallStatus string

const (
	StatusPending   CallStatus = "pending"
	StatusDelivered CallStatus = "delivered"
	StatusFailed    CallStatus = "failed"
	StatusTimedOut  CallStatus = "timed_out"
	StatusAbandoned CallStatus = "abandoned"
)

// ExecutorInfo is what an executor reports when it registers.
type ExecutorInfo struct {
	ID      string
	Version string
}

// QueuedTask is the executor-visible view of a dispatched call.
type QueuedTask struct {
	TaskID     string
	Operation  string
	Arguments  json.RawMessage
	Envelope   protocol.Envelope
	EnqueuedAt time.Time
	// PulledAt is set the first time an executor pull returns the task.
	PulledAt *time.Time
}

// Result is what the executor pushes back for a task.
// A non-empty Error marks the task as failed.
type Result struct {
	Payload json.RawMessage
	Error   string
}

// Outcome is what a waiting caller receives.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Pending is the caller's handle on a submitted call.
type Pending struct {
	TaskID    string
	Operation string
	Envelope  protocol.Envelope
	Deadline  time.Time
	sink      <-chan Outcome
}

// DispatchRecord is the journal entry written when a call is accepted.
type DispatchRecord struct {
	TaskID    string
	RequestID json.RawMessage
	Operation string
	Arguments json.RawMessage
	CreatedAt time.Time
	Deadline  time.Time
}

// Status is a read-only snapshot of broker state.
type Status struct {
	Connected        bool
	Executor         ExecutorInfo
	LastSeenAt       *time.Time
	PendingTaskCount int
	InFlightCount    int
	StartedAt        time.Time
	Uptime           time.Duration
}
