// Package core wires C1-C9 together per spec.md §2's fixed dependency flow:
// wire -> statestore -> credential -> conn -> registry -> dispatch -> task ->
// contextstore -> transport/admin. Nothing here imports a concrete main;
// cmd/unified-bot-protocol owns process lifecycle and signal handling.
package core

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/L4DK/unified-bot-protocol/admin"
	"github.com/L4DK/unified-bot-protocol/config"
	"github.com/L4DK/unified-bot-protocol/conn"
	"github.com/L4DK/unified-bot-protocol/contextstore"
	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/dispatch"
	"github.com/L4DK/unified-bot-protocol/registry"
	"github.com/L4DK/unified-bot-protocol/statestore"
	"github.com/L4DK/unified-bot-protocol/statestore/memory"
	ssredis "github.com/L4DK/unified-bot-protocol/statestore/redis"
	"github.com/L4DK/unified-bot-protocol/task"
	"github.com/L4DK/unified-bot-protocol/telemetry"
	"github.com/L4DK/unified-bot-protocol/transport"
	"github.com/L4DK/unified-bot-protocol/wire"
)

const reaperInterval = 5 * time.Second
const contextSweepInterval = 30 * time.Second

// Core holds every constructed component plus the two network-facing
// handlers (the data-plane Listener and the Admin API Server) that
// cmd/unified-bot-protocol mounts onto its HTTP servers.
type Core struct {
	Credentials  *credential.Store
	Registry     *registry.Registry
	Dispatcher   *dispatch.Dispatcher
	Tasks        *task.Manager
	ContextStore *contextstore.Store
	Transport    *transport.Listener
	Admin        *admin.Server

	connCfg conn.Config
	log     telemetry.Logger
	metrics telemetry.Metrics

	stopReaper func()
}

// New builds a fully wired Core from cfg. The returned Core's Transport and
// Admin fields are ready to mount as http.Handlers. The context store's
// sweeper starts here; Start launches the heartbeat reaper, and Stop halts
// the background goroutines that do not belong to either HTTP server's own
// lifecycle.
func New(cfg config.Config, log telemetry.Logger, metrics telemetry.Metrics) (*Core, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	backing, err := newStateStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: state store: %w", err)
	}

	reg := registry.New(log, metrics)

	creds := credential.New(backing,
		credential.WithLogger(log),
		credential.WithDeletedHook(func(botID string) {
			for _, sess := range reg.ListByBot(botID) {
				sess.Close(conn.ReasonAdminClose)
			}
		}),
	)

	disp := dispatch.New(reg, log, metrics)
	backoff := task.DefaultBackoffConfig()
	backoff.InitialBackoff = time.Duration(cfg.TaskRetryBaseMillis) * time.Millisecond
	backoff.BackoffMultiplier = cfg.TaskRetryFactor
	backoff.MaxBackoff = time.Duration(cfg.TaskRetryCapSec) * time.Second
	backoff.Jitter = cfg.TaskRetryJitterPct
	tasks := task.New(disp, backing,
		task.WithDispatchDeadline(cfg.DispatchDefaultDeadline()),
		task.WithLogger(log),
		task.WithMetrics(metrics),
		task.WithBackoffConfig(backoff),
	)
	if err := recoverPendingTasks(context.Background(), backing, tasks); err != nil {
		return nil, fmt.Errorf("core: recover pending tasks: %w", err)
	}

	ctxdocs := contextstore.New(contextSweepInterval)

	connCfg := conn.Config{
		HandshakeTimeout:  cfg.HandshakeTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatGrace:    cfg.HeartbeatGraceFactor,
		Metrics:           metrics,
	}

	c := &Core{
		Credentials:  creds,
		Registry:     reg,
		Dispatcher:   disp,
		Tasks:        tasks,
		ContextStore: ctxdocs,
		connCfg:      connCfg,
		log:          log,
		metrics:      metrics,
	}

	c.Transport = transport.New(c.newSession, log, metrics)
	c.Admin = admin.New(creds, reg, tasks, ctxdocs, cfg.AdminToken,
		admin.WithDispatchDeadline(cfg.DispatchDefaultDeadline()),
		admin.WithLogger(log),
	)

	return c, nil
}

// newSession is the transport.SessionFactory: every accepted connection gets
// a fresh conn.Session whose Hooks close the loop back into the Registry and
// Dispatcher without either of those packages depending on conn.
func (c *Core) newSession() *conn.Session {
	hooks := conn.Hooks{
		OnActivated: func(s *conn.Session) {
			c.Registry.Insert(s)
			c.metrics.RecordGauge(telemetry.MetricActiveInstances, float64(c.Registry.Count()))
		},
		OnTerminal: func(s *conn.Session, reason conn.CloseReason) {
			c.Dispatcher.FailAll(s.InstanceID())
			c.Registry.Remove(s.InstanceID())
			c.metrics.RecordGauge(telemetry.MetricActiveInstances, float64(c.Registry.Count()))
			c.log.Info(context.Background(), "instance closed",
				telemetry.FieldBotID, s.BotID(), telemetry.FieldInstanceID, s.InstanceID(),
				"reason", string(reason), telemetry.FieldTraceID, s.TraceID())
		},
		OnCommandResponse: func(instanceID string, resp wire.CommandResponse) {
			c.Dispatcher.DeliverResponse(instanceID, resp)
		},
		OnEvent: func(instanceID, traceID string, ev wire.Event) {
			c.log.Info(context.Background(), "event received",
				telemetry.FieldInstanceID, instanceID, "event_name", ev.Name,
				telemetry.FieldTraceID, traceID)
		},
	}
	return conn.New(c.Credentials, c.connCfg, c.log, hooks)
}

// Start launches the Instance Registry's heartbeat reaper. Call once, after
// New and before accepting traffic.
func (c *Core) Start() {
	c.stopReaper = c.Registry.StartReaper(reaperInterval)
}

// Stop halts background goroutines not owned by the HTTP servers (the
// reaper, the context store sweeper). The caller is responsible for
// separately shutting down Transport and the http.Server hosting Admin.
func (c *Core) Stop() {
	if c.stopReaper != nil {
		c.stopReaper()
	}
	c.Tasks.Stop()
	c.ContextStore.Close()
}

// recoverPendingTasks re-enqueues every Pending task left behind by a prior
// process exit, across every known bot (spec.md §3's durability boundary
// covers Task records so they must not be silently abandoned on restart).
func recoverPendingTasks(ctx context.Context, backing statestore.Store, tasks *task.Manager) error {
	defs, err := backing.ListBotDefinitions(ctx)
	if err != nil {
		return err
	}
	botIDs := make([]string, 0, len(defs))
	for _, d := range defs {
		botIDs = append(botIDs, d.BotID)
	}
	return tasks.Recover(ctx, botIDs)
}

// newStateStore selects the durable backend per spec.md §3: in-memory by
// default, or Redis when STATE_STORE_URL is set, following the teacher's
// cmd/registry connectivity-check-before-serving idiom.
func newStateStore(cfg config.Config) (statestore.Store, error) {
	if cfg.StateStoreURL == "" {
		return memory.New(), nil
	}
	opt, err := goredis.ParseURL(cfg.StateStoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse STATE_STORE_URL: %w", err)
	}
	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return ssredis.New(client), nil
}
