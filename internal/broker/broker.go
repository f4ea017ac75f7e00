package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/mattjoyce/canvas-bridge/internal/protocol"
)

const (
	defaultCallTimeout = 60 * time.Second
	journalTimeout     = 5 * time.Second
)

// Options configures a Broker.
type Options struct {
	Catalog     *protocol.Catalog
	CallTimeout time.Duration
	ExecutorTTL time.Duration
	// MaxPending caps outstanding calls. Zero means unlimited.
	MaxPending int
	Journal    Journal
	Events     Publisher
	Logger     *slog.Logger
}

type entry struct {
	taskID    string
	envelope  protocol.Envelope
	operation string
	sink      chan Outcome
	createdAt time.Time
	deadline  time.Time
}

// Broker parks callers until the polling executor reports a result.
// Correlation entries, the work queue and the monitor share one mutex.
type Broker struct {
	catalog     *protocol.Catalog
	callTimeout time.Duration
	maxPending  int
	journal     Journal
	events      Publisher
	logger      *slog.Logger
	startedAt   time.Time

	mu      sync.Mutex
	entries map[string]*entry
	queue   *orderedmap.OrderedMap[string, *QueuedTask]
	monitor *Monitor
}

// New creates a Broker.
func New(opts Options) *Broker {
	if opts.Catalog == nil {
		opts.Catalog = protocol.NewCatalog(nil)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broker{
		catalog:     opts.Catalog,
		callTimeout: opts.CallTimeout,
		maxPending:  opts.MaxPending,
		journal:     opts.Journal,
		events:      opts.Events,
		logger:      opts.Logger.With("component", "broker"),
		startedAt:   time.Now(),
		entries:     make(map[string]*entry),
		queue:       orderedmap.New[string, *QueuedTask](),
		monitor:     NewMonitor(opts.ExecutorTTL),
	}
}

// Catalog returns the operations this broker dispatches.
func (b *Broker) Catalog() *protocol.Catalog {
	return b.catalog
}

// CallTimeout returns the deadline applied to each dispatched call.
func (b *Broker) CallTimeout() time.Duration {
	return b.callTimeout
}

// Register marks an executor as connected.
func (b *Broker) Register(info ExecutorInfo) {
	now := time.Now()
	b.mu.Lock()
	b.monitor.Register(info, now)
	_, changed := b.monitor.transition(now)
	b.mu.Unlock()

	b.logger.Info("Executor registered", "executor_id", info.ID, "version", info.Version)
	if changed {
		b.publish("executor.connected", map[string]any{
			"executorId": info.ID,
			"version":    info.Version,
			"timestamp":  now.UTC(),
		})
	}
}

// Connected reports whether dispatch is currently accepted.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.monitor.Connected(time.Now())
}

// Submit accepts a tools/call and queues it for the executor.
// On error nothing is stored.
func (b *Broker) Submit(env *protocol.Envelope, call *protocol.ToolCall) (*Pending, error) {
	if !b.catalog.Has(call.Name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, call.Name)
	}

	now := time.Now()
	e := &entry{
		taskID:    uuid.NewString(),
		envelope:  *env,
		operation: call.Name,
		sink:      make(chan Outcome, 1),
		createdAt: now,
		deadline:  now.Add(b.callTimeout),
	}
	task := &QueuedTask{
		TaskID:     e.taskID,
		Operation:  call.Name,
		Arguments:  call.Arguments,
		Envelope:   *env,
		EnqueuedAt: now,
	}

	b.mu.Lock()
	if !b.monitor.Connected(now) {
		b.mu.Unlock()
		return nil, ErrExecutorUnavailable
	}
	if b.maxPending > 0 && len(b.entries) >= b.maxPending {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyPending, b.maxPending)
	}
	b.entries[e.taskID] = e
	b.queue.Set(e.taskID, task)
	b.mu.Unlock()

	b.logger.Debug("Call dispatched", "task_id", e.taskID, "operation", call.Name)
	b.recordDispatch(DispatchRecord{
		TaskID:    e.taskID,
		RequestID: env.ID,
		Operation: call.Name,
		Arguments: call.Arguments,
		CreatedAt: now,
		Deadline:  e.deadline,
	})
	b.publish("call.dispatched", map[string]any{
		"taskId":    e.taskID,
		"operation": call.Name,
	})

	return &Pending{
		TaskID:    e.taskID,
		Operation: call.Name,
		Envelope:  *env,
		Deadline:  e.deadline,
		sink:      e.sink,
	}, nil
}

// Wait blocks until the call is resolved, its deadline passes or ctx is done.
// A cancelled ctx abandons the call and removes it from the queue.
func (b *Broker) Wait(ctx context.Context, p *Pending) (json.RawMessage, error) {
	timer := time.NewTimer(time.Until(p.Deadline))
	defer timer.Stop()

	select {
	case out := <-p.sink:
		return out.Payload, out.Err
	case <-ctx.Done():
		if b.evict(p.TaskID, StatusAbandoned, ctx.Err()) {
			return nil, ctx.Err()
		}
	case <-timer.C:
		if b.evict(p.TaskID, StatusTimedOut, ErrCallTimeout) {
			return nil, ErrCallTimeout
		}
	}
	// Someone else resolved the entry first; its outcome is already buffered.
	out := <-p.sink
	return out.Payload, out.Err
}

// Call submits and waits in one step.
func (b *Broker) Call(ctx context.Context, env *protocol.Envelope, call *protocol.ToolCall) (json.RawMessage, error) {
	p, err := b.Submit(env, call)
	if err != nil {
		return nil, err
	}
	return b.Wait(ctx, p)
}

// Pull returns a copy of every queued task in dispatch order.
// Tasks stay queued until a result is delivered for them.
func (b *Broker) Pull() []QueuedTask {
	now := time.Now()
	b.mu.Lock()
	b.monitor.Touch(now)
	connected, changed := b.monitor.transition(now)
	info := b.monitor.info
	tasks := make([]QueuedTask, 0, b.queue.Len())
	for pair := b.queue.Oldest(); pair != nil; pair = pair.Next() {
		task := pair.Value
		if task.PulledAt == nil {
			pulled := now
			task.PulledAt = &pulled
		}
		cp := *task
		pulledAt := *task.PulledAt
		cp.PulledAt = &pulledAt
		tasks = append(tasks, cp)
	}
	b.mu.Unlock()

	if changed {
		b.announce(connected, info, now)
	}
	return tasks
}

// Deliver resolves the caller waiting on taskID.
// It returns ErrUnknownTask if no call is waiting, including after a prior delivery.
func (b *Broker) Deliver(taskID string, res Result) error {
	now := time.Now()
	b.mu.Lock()
	e, ok := b.entries[taskID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	delete(b.entries, taskID)
	b.queue.Delete(taskID)
	b.monitor.Touch(now)
	connected, changed := b.monitor.transition(now)
	info := b.monitor.info

	out := Outcome{Payload: res.Payload}
	status := StatusDelivered
	if res.Error != "" {
		out = Outcome{Err: &ExecutorError{Message: res.Error}}
		status = StatusFailed
	}
	e.sink <- out
	b.mu.Unlock()

	if changed {
		b.announce(connected, info, now)
	}

	elapsed := now.Sub(e.createdAt)
	b.logger.Debug("Call resolved", "task_id", taskID, "operation", e.operation, "status", status, "elapsed", elapsed)
	b.recordOutcome(taskID, status, res.Payload, res.Error)

	eventType := "call.delivered"
	if status == StatusFailed {
		eventType = "call.failed"
	}
	b.publish(eventType, map[string]any{
		"taskId":     taskID,
		"operation":  e.operation,
		"durationMs": elapsed.Milliseconds(),
	})
	return nil
}

// Sweep expires every call whose deadline is before now and returns how many it removed.
func (b *Broker) Sweep(now time.Time) int {
	b.mu.Lock()
	var expired []*entry
	for id, e := range b.entries {
		if now.Before(e.deadline) {
			continue
		}
		delete(b.entries, id)
		b.queue.Delete(id)
		e.sink <- Outcome{Err: ErrCallTimeout}
		expired = append(expired, e)
	}
	connected, changed := b.monitor.transition(now)
	info := b.monitor.info
	b.mu.Unlock()

	for _, e := range expired {
		b.logger.Warn("Call expired before executor responded", "task_id", e.taskID, "operation", e.operation)
		b.recordOutcome(e.taskID, StatusTimedOut, nil, ErrCallTimeout.Error())
		b.publish("call.timed_out", map[string]any{"taskId": e.taskID, "operation": e.operation})
	}
	if changed {
		b.announce(connected, info, now)
	}
	return len(expired)
}

// announce publishes a connection change noticed through executor
// activity or its absence, rather than through registration.
func (b *Broker) announce(connected bool, info ExecutorInfo, now time.Time) {
	if !connected {
		b.logger.Warn("Executor stopped polling, marking disconnected")
		b.publish("executor.disconnected", map[string]any{"timestamp": now.UTC()})
		return
	}
	b.logger.Info("Executor resumed polling", "executor_id", info.ID)
	b.publish("executor.connected", map[string]any{
		"executorId": info.ID,
		"version":    info.Version,
		"timestamp":  now.UTC(),
	})
}

// Run sweeps expired calls on every tick until ctx is done.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.Sweep(now)
		}
	}
}

// Status returns a snapshot of broker state.
func (b *Broker) Status() Status {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	inFlight := 0
	for pair := b.queue.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.PulledAt != nil {
			inFlight++
		}
	}
	return Status{
		Connected:        b.monitor.Connected(now),
		Executor:         b.monitor.info,
		LastSeenAt:       b.monitor.LastSeen(),
		PendingTaskCount: b.queue.Len(),
		InFlightCount:    inFlight,
		StartedAt:        b.startedAt,
		Uptime:           now.Sub(b.startedAt),
	}
}

// evict removes a call that its caller gave up on. It reports false if the
// call was already resolved by someone else.
func (b *Broker) evict(taskID string, status CallStatus, cause error) bool {
	b.mu.Lock()
	e, ok := b.entries[taskID]
	if ok {
		delete(b.entries, taskID)
		b.queue.Delete(taskID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.logger.Info("Call evicted", "task_id", taskID, "operation", e.operation, "status", status, "reason", cause)
	b.recordOutcome(taskID, status, nil, cause.Error())
	eventType := "call.abandoned"
	if status == StatusTimedOut {
		eventType = "call.timed_out"
	}
	b.publish(eventType, map[string]any{"taskId": taskID, "operation": e.operation})
	return true
}

func (b *Broker) recordDispatch(rec DispatchRecord) {
	if b.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := b.journal.RecordDispatch(ctx, rec); err != nil {
		b.logger.Error("Failed to record dispatch", "task_id", rec.TaskID, "error", err)
	}
}

func (b *Broker) recordOutcome(taskID string, status CallStatus, result json.RawMessage, detail string) {
	if b.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := b.journal.RecordOutcome(ctx, taskID, status, result, detail); err != nil {
		b.logger.Error("Failed to record call outcome", "task_id", taskID, "error", err)
	}
}

func (b *Broker) publish(eventType string, data any) {
	if b.events == nil {
		return
	}
	b.events.Publish(eventType, data)
}
