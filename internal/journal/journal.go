package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/mattjoyce/canvas-bridge/internal/broker"
)

// ErrCallNotFound is returned when no journal row exists for a task id.
var ErrCallNotFound = errors.New("call not found")

// Call is one row of the call log.
type Call struct {
	TaskID      string            `json:"taskId"`
	RequestID   json.RawMessage   `json:"requestId,omitempty"`
	Operation   string            `json:"operation"`
	Arguments   json.RawMessage   `json:"arguments,omitempty"`
	Status      broker.CallStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	DeadlineAt  *time.Time        `json:"deadlineAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Journal persists dispatched calls and their outcomes in SQLite.
type Journal struct {
	db *sql.DB
}

var _ broker.Journal = (*Journal)(nil)

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// RecordDispatch stores a newly accepted call. An outcome recorded first
// for the same task keeps its status.
func (j *Journal) RecordDispatch(ctx context.Context, rec broker.DispatchRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("task id is empty")
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO call_log(task_id, request_id, operation, arguments, status, created_at, deadline_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  request_id = excluded.request_id,
  operation = excluded.operation,
  arguments = excluded.arguments,
  created_at = excluded.created_at,
  deadline_at = excluded.deadline_at;
`, rec.TaskID, nullableJSON(rec.RequestID), rec.Operation, nullableJSON(rec.Arguments), string(broker.StatusPending),
		formatTime(rec.CreatedAt), formatTime(rec.Deadline))
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// RecordOutcome stores how a call ended.
func (j *Journal) RecordOutcome(ctx context.Context, taskID string, status broker.CallStatus, result json.RawMessage, detail string) error {
	now := formatTime(time.Now())
	_, err := j.db.ExecContext(ctx, `
INSERT INTO call_log(task_id, operation, status, result, detail, created_at, completed_at)
VALUES(?, '', ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  status = excluded.status,
  result = excluded.result,
  detail = excluded.detail,
  completed_at = excluded.completed_at;
`, taskID, string(status), nullableJSON(result), nullableString(detail), now, now)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Get returns one call by task id.
func (j *Journal) Get(ctx context.Context, taskID string) (*Call, error) {
	row := j.db.QueryRowContext(ctx, selectCalls+` WHERE task_id = ?;`, taskID)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// Recent returns up to limit calls, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Call, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, selectCalls+` ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes finished calls older than retention and returns how many it removed.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := j.db.ExecContext(ctx, `
DELETE FROM call_log
WHERE status != ? AND created_at < ?;
`, string(broker.StatusPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune call log: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner prunes on every tick until ctx is done.
func (j *Journal) RunPruner(ctx context.Context, interval, retention time.Duration, onError func(error)) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Prune(ctx, retention); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

const selectCalls = `
SELECT task_id, request_id, operation, arguments, status, result, detail, created_at, deadline_at, completed_at
FROM call_log`

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*Call, error) {
	var (
		c            Call
		requestID    sql.NullString
		arguments    sql.NullString
		status       string
		result       sql.NullString
		detail       sql.NullString
		createdAtS   string
		deadlineAtS  sql.NullString
		completedAtS sql.NullString
	)
	if err := s.Scan(&c.TaskID, &requestID, &c.Operation, &arguments, &status, &result, &detail,
		&createdAtS, &deadlineAtS, &completedAtS); err != nil {
		return nil, err
	}

	c.Status = broker.CallStatus(status)
	if requestID.Valid {
		c.RequestID = json.RawMessage(requestID.String)
	}
	if arguments.Valid {
		c.Arguments = json.RawMessage(arguments.String)
	}
	if result.Valid {
		c.Result = json.RawMessage(result.String)
	}
	if detail.Valid {
		c.Detail = detail.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		c.CreatedAt = t
	}
	c.DeadlineAt = parseNullTime(deadlineAtS)
	c.CompletedAt = parseNullTime(completedAtS)
	return &c, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
