// Package inspect renders a single journaled call for operators.
package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
)

// Lookup fetches one journaled call by task id. Both the local journal and
// the HTTP client satisfy it through a method value.
type Lookup func(ctx context.Context, taskID string) (*journal.Call, error)

// Report is the structured JSON representation of a call report.
type Report struct {
	TaskID      string          `json:"task_id"`
	RequestID   json.RawMessage `json:"request_id,omitempty"`
	Operation   string          `json:"operation"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DeadlineAt  *time.Time      `json:"deadline_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Arguments   json.RawMessage `json:"arguments"`
	Result      json.RawMessage `json:"result,omitempty"`
	Detail      string          `json:"detail,omitempty"`
}

// BuildReport renders a terminal-friendly report for one call.
func BuildReport(ctx context.Context, lookup Lookup, taskID string) (string, error) {
	report, err := gatherReportData(ctx, lookup, taskID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Call Report\n")
	fmt.Fprintf(&out, "Task ID     : %s\n", report.TaskID)
	fmt.Fprintf(&out, "Request ID  : %s\n", renderUnset(string(report.RequestID), "<none>"))
	fmt.Fprintf(&out, "Operation   : %s\n", report.Operation)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Deadline    : %s\n", renderTime(report.DeadlineAt))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(report.CompletedAt))
	if report.DurationMs != nil {
		fmt.Fprintf(&out, "Duration    : %dms\n", *report.DurationMs)
	}
	fmt.Fprintf(&out, "\n")

	writeBlock(&out, "arguments", prettyJSON(report.Arguments))
	switch {
	case len(report.Result) > 0:
		writeBlock(&out, "result", prettyJSON(report.Result))
	case report.Detail != "":
		writeBlock(&out, "detail", report.Detail)
	case report.Status == string(broker.StatusPending):
		writeBlock(&out, "outcome", "<waiting for executor>")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, lookup Lookup, taskID string) (string, error) {
	report, err := gatherReportData(ctx, lookup, taskID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, lookup Lookup, taskID string) (*Report, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}

	call, err := lookup(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lookup call %q: %w", taskID, err)
	}

	report := &Report{
		TaskID:      call.TaskID,
		RequestID:   call.RequestID,
		Operation:   call.Operation,
		Status:      string(call.Status),
		CreatedAt:   call.CreatedAt,
		DeadlineAt:  call.DeadlineAt,
		CompletedAt: call.CompletedAt,
		Arguments:   call.Arguments,
		Result:      call.Result,
		Detail:      call.Detail,
	}
	if call.CompletedAt != nil {
		ms := call.CompletedAt.Sub(call.CreatedAt).Milliseconds()
		report.DurationMs = &ms
	}
	return report, nil
}

func writeBlock(out *strings.Builder, label, body string) {
	fmt.Fprintf(out, "%s:\n", label)
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
	fmt.Fprintf(out, "\n")
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<none>"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
