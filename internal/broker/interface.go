package broker

import (
	"context"

	"github.com/goccy/go-json"
)

//go:generate mockgen -destination=mocks/mock_journal.go -package=mocks github.com/mattjoyce/canvas-bridge/internal/broker Journal

// Journal records the history of dispatched calls.
type Journal interface {
	RecordDispatch(ctx context.Context, rec DispatchRecord) error
	RecordOutcome(ctx context.Context, taskID string, status CallStatus, result json.RawMessage, detail string) error
}

// Publisher receives broker lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}
