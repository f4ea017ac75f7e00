package inspect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
	"github.com/mattjoyce/canvas-bridge/internal/journal"
	"github.com/mattjoyce/canvas-bridge/internal/storage"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), storage.MemoryPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return journal.New(db)
}

func dispatch(t *testing.T, j *journal.Journal, taskID, op, args string, at time.Time) {
	t.Helper()
	err := j.RecordDispatch(context.Background(), broker.DispatchRecord{
		TaskID:    taskID,
		RequestID: json.RawMessage(`7`),
		Operation: op,
		Arguments: json.RawMessage(args),
		CreatedAt: at,
		Deadline:  at.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordDispatch(%s): %v", taskID, err)
	}
}

func TestBuildReportRendersDeliveredCall(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()
	dispatch(t, j, "task-1", "create_frame", `{"name":"Hero","width":320}`, time.Now().Add(-time.Second))
	if err := j.RecordOutcome(ctx, "task-1", broker.StatusDelivered, json.RawMessage(`{"id":"1:2","type":"FRAME"}`), ""); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	out, err := BuildReport(ctx, j.Get, "task-1")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Call Report",
		"Task ID     : task-1",
		"Request ID  : 7",
		"Operation   : create_frame",
		"Status      : delivered",
		"Duration    : ",
		"arguments:\n",
		`  "name": "Hero"`,
		"result:\n",
		`  "type": "FRAME"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "detail:") {
		t.Fatalf("delivered call should not render detail:\n%s", out)
	}
}

func TestBuildReportShowsFailureDetailAndPending(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()
	dispatch(t, j, "failed", "get_node_properties", `{"nodeId":"9:9"}`, now)
	dispatch(t, j, "waiting", "get_pages", `{}`, now)
	if err := j.RecordOutcome(ctx, "failed", broker.StatusFailed, nil, "Node not found"); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	out, err := BuildReport(ctx, j.Get, "failed")
	if err != nil {
		t.Fatalf("BuildReport(failed): %v", err)
	}
	if !strings.Contains(out, "detail:\n  Node not found") {
		t.Fatalf("failure detail missing:\n%s", out)
	}

	out, err = BuildReport(ctx, j.Get, "waiting")
	if err != nil {
		t.Fatalf("BuildReport(waiting): %v", err)
	}
	if !strings.Contains(out, "Completed   : <none>") || !strings.Contains(out, "<waiting for executor>") {
		t.Fatalf("pending call not rendered as waiting:\n%s", out)
	}
	if strings.Contains(out, "Duration") {
		t.Fatalf("pending call has no duration:\n%s", out)
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	ctx := context.Background()
	dispatch(t, j, "task-json", "get_pages", `{}`, time.Now().Add(-50*time.Millisecond))
	if err := j.RecordOutcome(ctx, "task-json", broker.StatusDelivered, json.RawMessage(`[]`), ""); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	out, err := BuildJSONReport(ctx, j.Get, "task-json")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("report is not JSON: %v\n%s", err, out)
	}
	if report.TaskID != "task-json" || report.Status != "delivered" || report.Operation != "get_pages" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.DurationMs == nil || *report.DurationMs < 0 {
		t.Fatalf("duration missing: %+v", report)
	}
}

func TestBuildReportErrors(t *testing.T) {
	t.Parallel()

	j := openJournal(t)
	if _, err := BuildReport(context.Background(), j.Get, "  "); err == nil {
		t.Fatal("expected error for empty task id")
	}

	_, err := BuildReport(context.Background(), j.Get, "missing")
	if !errors.Is(err, journal.ErrCallNotFound) {
		t.Fatalf("BuildReport(missing) error = %v, want ErrCallNotFound", err)
	}
}
