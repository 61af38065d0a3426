// Package task implements the Task Manager (spec.md §4.6): a durable-ish
// asynchronous job queue layered on the Dispatcher, with FIFO-per-bot_id
// worker loops and exponential-backoff retry.
package task

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/L4DK/unified-bot-protocol/dispatch"
	"github.com/L4DK/unified-bot-protocol/statestore"
	"github.com/L4DK/unified-bot-protocol/telemetry"
)

// State is a Task's position in Pending -> Running -> {Completed|Failed|
// Cancelled}. Terminal states are permanent (spec.md §4.6 invariant).
type State string

const (
	Pending   State = "PENDING"
	Running   State = "RUNNING"
	Completed State = "COMPLETED"
	Failed    State = "FAILED"
	Cancelled State = "CANCELLED"
)

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// ErrNotFound is returned by Get/Cancel for an unknown task_id.
var ErrNotFound = statestore.ErrNotFound

// ErrNotCancellable is returned by Cancel for a task already in a terminal
// state.
var ErrNotCancellable = errors.New("task: not cancellable from terminal state")

// Task is the in-process view of an async job. See statestore.TaskRecord
// for the persisted form.
type Task struct {
	TaskID           string
	BotID            string
	CommandName      string
	Arguments        []byte
	State            State
	Result           []byte
	Error            string
	TraceID          string
	SubmittedAt      time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	RetriesRemaining int
}

// BackoffConfig is the exponential-backoff-with-jitter policy spec.md §4.6
// pins to base 1s, factor 2, cap 30s, jitter ±25%.
type BackoffConfig struct {
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction, e.g. 0.25 for ±25%
	MaxRetries        int
}

// DefaultBackoffConfig matches spec.md §4.6's documented values.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.25,
		MaxRetries:        5,
	}
}

func (c BackoffConfig) backoffFor(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffMultiplier
	}
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		d += d * c.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not security-sensitive
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Manager runs the Task Manager worker loops over a Dispatcher, persisting
// task records through a statestore.Store.
type Manager struct {
	disp    *dispatch.Dispatcher
	backing statestore.Store
	backoff BackoffConfig
	deadline time.Duration
	log     telemetry.Logger
	metrics telemetry.Metrics

	mu    sync.Mutex
	tasks map[string]*Task

	queuesMu sync.Mutex
	queues   map[string]chan string // bot_id -> FIFO channel of task_id

	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

func WithBackoffConfig(cfg BackoffConfig) Option { return func(m *Manager) { m.backoff = cfg } }
func WithDispatchDeadline(d time.Duration) Option { return func(m *Manager) { m.deadline = d } }
func WithLogger(l telemetry.Logger) Option        { return func(m *Manager) { m.log = l } }
func WithMetrics(mt telemetry.Metrics) Option     { return func(m *Manager) { m.metrics = mt } }

// New creates a Task Manager dispatching through disp and persisting
// through backing.
func New(disp *dispatch.Dispatcher, backing statestore.Store, opts ...Option) *Manager {
	m := &Manager{
		disp:     disp,
		backing:  backing,
		backoff:  DefaultBackoffConfig(),
		deadline: 30 * time.Second,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tasks:    make(map[string]*Task),
		queues:   make(map[string]chan string),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit persists a new task in Pending and returns its task_id
// immediately; the worker loop for bot_id picks it up in FIFO order. An
// empty traceID generates a fresh one, so every task is traceable from
// submission through its terminal log record (spec.md §8 Invariant 6).
func (m *Manager) Submit(ctx context.Context, traceID, botID, commandName string, args []byte) (string, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}
	taskID := ulid.Make().String()
	now := time.Now()
	t := &Task{
		TaskID:           taskID,
		BotID:            botID,
		CommandName:      commandName,
		Arguments:        args,
		State:            Pending,
		TraceID:          traceID,
		SubmittedAt:      now,
		RetriesRemaining: m.backoff.MaxRetries,
	}

	if err := m.save(ctx, t); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.tasks[taskID] = t
	m.mu.Unlock()

	m.enqueue(botID, taskID)
	m.mu.Lock()
	depth := 0
	for _, queued := range m.tasks {
		if queued.State == Pending {
			depth++
		}
	}
	m.mu.Unlock()
	m.metrics.RecordGauge(telemetry.MetricTaskQueueDepth, float64(depth))
	return taskID, nil
}

// Get returns a snapshot of the task's current state.
func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if ok {
		return *t, nil
	}
	rec, err := m.backing.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	return fromRecord(rec), nil
}

// Cancel transitions a Pending or Running task to Cancelled. Pending
// cancellation is purely local; Running cancellation is best-effort (no
// executing-instance cancel command is modeled at this layer, since the
// Dispatcher's Dispatch call already owns the only outstanding waiter and
// simply abandoning it is sufficient for the task to resolve Cancelled).
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.State.Terminal() {
		return ErrNotCancellable
	}
	t.State = Cancelled
	t.CompletedAt = time.Now()
	return m.save(ctx, t)
}

// Recover reloads every Pending task for each of botIDs from the backing
// store and re-enqueues it, in the persisted FIFO submission order. Callers
// run this once at startup, before accepting new connections, so tasks that
// were Pending when the process last exited are not silently abandoned
// (spec.md §3's durability boundary covers Task records precisely so this
// is possible).
func (m *Manager) Recover(ctx context.Context, botIDs []string) error {
	for _, botID := range botIDs {
		recs, err := m.backing.ListPendingTasksByBot(ctx, botID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			t := fromRecord(rec)
			m.mu.Lock()
			if _, exists := m.tasks[t.TaskID]; !exists {
				m.tasks[t.TaskID] = &t
			}
			m.mu.Unlock()
			m.enqueue(botID, t.TaskID)
		}
	}
	return nil
}

func (m *Manager) enqueue(botID, taskID string) {
	m.queuesMu.Lock()
	q, ok := m.queues[botID]
	if !ok {
		q = make(chan string, 4096)
		m.queues[botID] = q
		m.wg.Add(1)
		go m.workerLoop(botID, q)
	}
	m.queuesMu.Unlock()
	q <- taskID
}

// workerLoop is the FIFO-per-bot_id worker (spec.md §4.6): it pops the next
// Pending task for botID, dispatches it, and re-queues on retryable
// failure with backoff.
func (m *Manager) workerLoop(botID string, q chan string) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case taskID, ok := <-q:
			if !ok {
				return
			}
			m.runOne(botID, taskID)
		}
	}
}

func (m *Manager) runOne(botID, taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok || t.State.Terminal() {
		return
	}

	m.mu.Lock()
	t.State = Running
	t.StartedAt = time.Now()
	m.mu.Unlock()
	_ = m.save(context.Background(), t)

	ctx, cancel := context.WithTimeout(context.Background(), m.deadline)
	// The capability required to service a command is its own name (spec.md
	// §8 S1: command "t.exec" is gated by capability "t.exec").
	resp, err := m.disp.Dispatch(ctx, t.TraceID, t.BotID, t.CommandName, t.CommandName, t.Arguments, m.deadline)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.State == Cancelled {
		return
	}

	if err == nil {
		t.State = Completed
		t.Result = resp.Result
		t.CompletedAt = time.Now()
		m.metrics.IncCounter(telemetry.MetricEnvelopesProcessed, 1, "kind", "task", "outcome", "completed")
		_ = m.save(context.Background(), t)
		return
	}

	var de *dispatch.Error
	if errors.As(err, &de) && (de.Code == "NoCapableInstance" || de.Code == "InstanceGone") && t.RetriesRemaining > 0 {
		t.RetriesRemaining--
		backoff := m.backoff.backoffFor(m.backoff.MaxRetries - t.RetriesRemaining - 1)
		t.State = Pending
		_ = m.save(context.Background(), t)
		m.log.Warn(context.Background(), "task retrying",
			telemetry.FieldBotID, t.BotID, "task_id", t.TaskID, "backoff", backoff.String(),
			telemetry.FieldTraceID, t.TraceID)
		go func() {
			timer := time.NewTimer(backoff)
			defer timer.Stop()
			select {
			case <-timer.C:
				m.enqueue(botID, taskID)
			case <-m.stopCh:
			}
		}()
		return
	}

	t.State = Failed
	t.Error = err.Error()
	t.CompletedAt = time.Now()
	m.metrics.IncCounter(telemetry.MetricEnvelopesProcessed, 1, "kind", "task", "outcome", "failed")
	_ = m.save(context.Background(), t)
}

func (m *Manager) save(ctx context.Context, t *Task) error {
	return m.backing.SaveTask(ctx, toRecord(*t))
}

// Stop signals all worker loops to exit and waits for them to drain.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func toRecord(t Task) statestore.TaskRecord {
	return statestore.TaskRecord{
		TaskID:           t.TaskID,
		BotID:            t.BotID,
		CommandName:      t.CommandName,
		Arguments:        t.Arguments,
		State:            string(t.State),
		Result:           t.Result,
		Error:            t.Error,
		TraceID:          t.TraceID,
		SubmittedAt:      t.SubmittedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		RetriesRemaining: t.RetriesRemaining,
	}
}

func fromRecord(rec statestore.TaskRecord) Task {
	return Task{
		TaskID:           rec.TaskID,
		BotID:            rec.BotID,
		CommandName:      rec.CommandName,
		Arguments:        rec.Arguments,
		State:            State(rec.State),
		Result:           rec.Result,
		Error:            rec.Error,
		TraceID:          rec.TraceID,
		SubmittedAt:      rec.SubmittedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
		RetriesRemaining: rec.RetriesRemaining,
	}
}
