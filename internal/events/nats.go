package events

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no subject prefix is configured.
const DefaultSubjectPrefix = "canvas.bridge"

// NATSMirror republishes hub events to NATS subjects named after the event type.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to url and returns a mirror publishing under prefix.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSMirror, error) {
	conn, err := nats.Connect(url,
		nats.Name("canvas-bridge"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATSMirror(conn, prefix, logger), nil
}

// NewNATSMirror wraps an existing connection.
func NewNATSMirror(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSMirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSMirror{conn: conn, prefix: prefix, logger: logger.With("component", "nats-mirror")}
}

func (m *NATSMirror) Forward(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to encode event for nats", "type", ev.Type, "error", err)
		return
	}
	if err := m.conn.Publish(SubjectFor(m.prefix, ev.Type), b); err != nil {
		m.logger.Warn("Failed to mirror event to nats", "type", ev.Type, "error", err)
	}
}

// Close flushes pending messages and closes the connection.
func (m *NATSMirror) Close() error {
	return m.conn.Drain()
}

// SubjectFor maps an event type onto a NATS subject under prefix.
// Wildcard and whitespace characters are replaced so the subject stays literal.
func SubjectFor(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, eventType)
	clean = strings.Trim(clean, ".")
	if clean == "" {
		clean = "unknown"
	}
	return strings.TrimSuffix(prefix, ".") + "." + clean
}
