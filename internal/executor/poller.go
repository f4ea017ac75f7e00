package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Handler runs one canvas operation.
type Handler interface {
	Handle(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, operation string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, operation, args)
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	ID           string
	Version      string
	PollInterval time.Duration
	Concurrency  int
	Logger       *slog.Logger
}

// Poller registers with the bridge, pulls queued tasks and pushes results.
type Poller struct {
	client   *Client
	handler  Handler
	id       string
	version  string
	interval time.Duration
	sem      chan struct{}
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	// finished holds tasks already pushed that a stale pull may still list.
	finished map[string]struct{}
	// unpushed holds results whose push failed; the next poll retries the push.
	unpushed   map[string]outcome
	registered bool
	wg         sync.WaitGroup
}

type outcome struct {
	payload json.RawMessage
	errMsg  string
}

// NewPoller creates a Poller.
func NewPoller(client *Client, handler Handler, opts PollerOptions) *Poller {
	if opts.ID == "" {
		opts.ID = "canvas-bridge-executor"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Poller{
		client:   client,
		handler:  handler,
		id:       opts.ID,
		version:  opts.Version,
		interval: opts.PollInterval,
		sem:      make(chan struct{}, opts.Concurrency),
		logger:   opts.Logger.With("component", "executor", "executor_id", opts.ID),
		inFlight: make(map[string]struct{}),
		finished: make(map[string]struct{}),
		unpushed: make(map[string]outcome),
	}
}

// Start polls until ctx is cancelled, then waits for running tasks to finish.
// This is a blocking call.
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("executor poll loop started", "interval", p.interval)
	defer p.logger.Info("executor poll loop stopped")
	defer p.wg.Wait()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			// Bridge might be down; keep polling.
			p.logger.Debug("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce registers if needed, pulls once and starts every task that is
// not already running and fits in the concurrency limit.
func (p *Poller) PollOnce(ctx context.Context) error {
	if err := p.ensureRegistered(ctx); err != nil {
		return err
	}

	tasks, err := p.client.Pull(ctx)
	if err != nil {
		// The bridge may have restarted and forgotten us.
		p.setRegistered(false)
		return err
	}

	p.forgetFinished(tasks)

	for _, task := range tasks {
		if !p.claim(task.ID) {
			continue
		}
		select {
		case p.sem <- struct{}{}:
		default:
			p.release(task.ID, false)
			return nil
		}
		p.wg.Add(1)
		go func(t Task) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.release(t.ID, p.run(ctx, t))
		}(task)
	}
	return nil
}

// Wait blocks until every started task has pushed its result.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// run executes task and pushes its result. It reports whether the task is
// settled at the bridge, either delivered or no longer awaited.
func (p *Poller) run(ctx context.Context, task Task) bool {
	logger := p.logger.With("task_id", task.ID, "operation", task.Operation)

	start := time.Now()
	out, retry := p.takeUnpushed(task.ID)
	if retry {
		logger.Info("retrying result push")
	} else {
		logger.Info("processing task")
		payload, err := p.handler.Handle(ctx, task.Operation, task.Arguments)
		out = outcome{payload: payload}
		if err != nil {
			out.errMsg = err.Error()
			logger.Warn("operation failed", "error", err)
		}
	}

	// Push even if ctx is done so the caller is not left to time out.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.client.Push(pushCtx, task.ID, out.payload, out.errMsg); err != nil {
		if errors.Is(err, ErrTaskGone) {
			logger.Warn("caller no longer waiting, result dropped")
			return true
		}
		logger.Error("failed to push result", "error", err)
		p.mu.Lock()
		p.unpushed[task.ID] = out
		p.mu.Unlock()
		return false
	}
	logger.Info("result pushed", "duration_ms", time.Since(start).Milliseconds())
	return true
}

func (p *Poller) takeUnpushed(taskID string) (outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.unpushed[taskID]
	delete(p.unpushed, taskID)
	return out, ok
}

func (p *Poller) ensureRegistered(ctx context.Context) error {
	p.mu.Lock()
	registered := p.registered
	p.mu.Unlock()
	if registered {
		return nil
	}
	if err := p.client.Register(ctx, p.id, p.version); err != nil {
		return err
	}
	p.setRegistered(true)
	p.logger.Info("registered with bridge")
	return nil
}

func (p *Poller) setRegistered(v bool) {
	p.mu.Lock()
	p.registered = v
	p.mu.Unlock()
}

func (p *Poller) claim(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[taskID]; ok {
		return false
	}
	if _, ok := p.finished[taskID]; ok {
		return false
	}
	p.inFlight[taskID] = struct{}{}
	return true
}

func (p *Poller) release(taskID string, done bool) {
	p.mu.Lock()
	delete(p.inFlight, taskID)
	if done {
		p.finished[taskID] = struct{}{}
	}
	p.mu.Unlock()
}

// forgetFinished drops finished ids and unpushed results the bridge no
// longer lists.
func (p *Poller) forgetFinished(tasks []Task) {
	listed := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		listed[t.ID] = struct{}{}
	}
	p.mu.Lock()
	for id := range p.finished {
		if _, ok := listed[id]; !ok {
			delete(p.finished, id)
		}
	}
	for id := range p.unpushed {
		if _, ok := listed[id]; !ok {
			delete(p.unpushed, id)
		}
	}
	p.mu.Unlock()
}
