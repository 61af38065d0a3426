// Package dispatch implements the Dispatcher (spec.md §4.5): send a
// CommandRequest to a capability-eligible instance and suspend until a
// matching CommandResponse arrives, the deadline elapses, the instance
// leaves Active, or the caller cancels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/L4DK/unified-bot-protocol/registry"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/wire"
)

// Error is the typed DispatchError result named in spec.md §4.5/§7.
type Error struct {
	Code string // NoCapableInstance | Timeout | InstanceGone | Cancelled | ExecutionError | InvalidArgument
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("dispatch: %s: %s", e.Code, e.Msg) }

var (
	// ErrNoCapableInstance is returned when no Active instance advertises
	// the requested capability.
	ErrNoCapableInstance = &Error{Code: "NoCapableInstance", Msg: "no active instance with required capability"}
)

func timeoutErr() *Error     { return &Error{Code: "Timeout", Msg: "deadline exceeded"} }
func instanceGoneErr() *Error { return &Error{Code: "InstanceGone", Msg: "instance left Active"} }
func cancelledErr() *Error   { return &Error{Code: "Cancelled", Msg: "caller cancelled"} }

// waiter is the one-shot promise installed in an instance's pending table.
type waiter struct {
	done chan struct{}
	resp wire.CommandResponse
	err  error
	once sync.Once
}

func (w *waiter) complete(resp wire.CommandResponse, err error) {
	w.once.Do(func() {
		w.resp, w.err = resp, err
		close(w.done)
	})
}

// instancePending is the per-instance pending-correlation table (spec.md
// §4.5: "Per-instance data: a pending map from command_id to waiter
// handle"), guarded by its own lock so instances never contend with one
// another.
type instancePending struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// Dispatcher serves the "send and wait for the matching response"
// abstraction on top of the Instance Registry.
type Dispatcher struct {
	reg     *registry.Registry
	log     telemetry.Logger
	metrics telemetry.Metrics

	mu     sync.Mutex
	tables map[string]*instancePending // instance_id -> pending table
}

// New creates a Dispatcher over reg.
func New(reg *registry.Registry, log telemetry.Logger, metrics telemetry.Metrics) *Dispatcher {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{reg: reg, log: log, metrics: metrics, tables: make(map[string]*instancePending)}
}

func (d *Dispatcher) tableFor(instanceID string) *instancePending {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[instanceID]
	if !ok {
		t = &instancePending{waiters: make(map[string]*waiter)}
		d.tables[instanceID] = t
	}
	return t
}

// Dispatch selects an Active instance of botID advertising capability,
// enqueues a fresh CommandRequest, and suspends until a response arrives,
// the deadline elapses, the instance leaves Active, or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, traceID, botID, capability, commandName string, args []byte, deadline time.Duration) (wire.CommandResponse, error) {
	if traceID == "" {
		traceID = uuid.NewString()
	}

	start := time.Now()
	defer func() {
		d.metrics.RecordTimer(telemetry.MetricCommandLatency, time.Since(start), "command_name", commandName)
	}()

	sess, ok := d.reg.SelectByBotCapability(botID, capability)
	if !ok {
		return wire.CommandResponse{}, ErrNoCapableInstance
	}
	instanceID := sess.InstanceID()

	commandID := uuid.NewString()
	w := &waiter{done: make(chan struct{})}

	table := d.tableFor(instanceID)
	table.mu.Lock()
	table.waiters[commandID] = w
	table.mu.Unlock()

	removeWaiter := func() {
		table.mu.Lock()
		delete(table.waiters, commandID)
		table.mu.Unlock()
	}

	env := wire.Envelope{
		MessageID:   uuid.NewString(),
		TraceID:     traceID,
		PayloadType: wire.PayloadCommandRequest,
		Payload:     wire.CommandRequest{CommandID: commandID, CommandName: commandName, Arguments: args},
	}
	if err := sess.Enqueue(env); err != nil {
		removeWaiter()
		return wire.CommandResponse{}, instanceGoneErr()
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-w.done:
		removeWaiter()
		if w.err != nil {
			return wire.CommandResponse{}, w.err
		}
		return w.resp, nil
	case <-timer.C:
		removeWaiter()
		return wire.CommandResponse{}, timeoutErr()
	case <-ctx.Done():
		removeWaiter()
		return wire.CommandResponse{}, cancelledErr()
	}
}

// DeliverResponse completes the waiter matching resp.CommandID on
// instanceID, exactly once. A late or duplicate response (no matching
// waiter) is discarded with a logged warning.
func (d *Dispatcher) DeliverResponse(instanceID string, resp wire.CommandResponse) {
	table := d.tableFor(instanceID)
	table.mu.Lock()
	w, ok := table.waiters[resp.CommandID]
	if ok {
		delete(table.waiters, resp.CommandID)
	}
	table.mu.Unlock()

	if !ok {
		d.log.Warn(context.Background(), "late or duplicate command response",
			telemetry.FieldInstanceID, instanceID, telemetry.FieldCommandID, resp.CommandID)
		return
	}

	if resp.Status == wire.CommandExecutionError {
		w.complete(resp, &Error{Code: "ExecutionError", Msg: resp.Error})
		return
	}
	if resp.Status == wire.CommandInvalidArguments {
		w.complete(resp, &Error{Code: "InvalidArgument", Msg: resp.Error})
		return
	}
	w.complete(resp, nil)
}

// FailAll fails every outstanding waiter for instanceID with InstanceGone
// and drops its pending table. Called when a session leaves Active (spec.md
// §4.3 invariant: no waiter survives session close).
func (d *Dispatcher) FailAll(instanceID string) {
	d.mu.Lock()
	table, ok := d.tables[instanceID]
	delete(d.tables, instanceID)
	d.mu.Unlock()
	if !ok {
		return
	}

	table.mu.Lock()
	waiters := make([]*waiter, 0, len(table.waiters))
	for _, w := range table.waiters {
		waiters = append(waiters, w)
	}
	table.waiters = make(map[string]*waiter)
	table.mu.Unlock()

	for _, w := range waiters {
		w.complete(wire.CommandResponse{}, instanceGoneErr())
	}
}

// Errors returned by Dispatch that higher layers (Task Manager) match on by
// Code to decide retry eligibility (spec.md §4.6).
var (
	ErrIsRetryable = func(err error) bool {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		return de.Code == "NoCapableInstance" || de.Code == "InstanceGone"
	}
)
