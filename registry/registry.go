// Package registry implements the Instance Registry (spec.md §4.4): an
// indexed, concurrent-safe lookup over live Instances, with three mutually
// consistent indexes (by instance_id, by bot_id, by capability) and
// round-robin capability-based selection.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/L4DK/unified-bot-protocol/conn"
	"github.com/L4DK/unified-bot-protocol/telemetry"
)

// Registry holds the three indexes described in spec.md §4.4. All writes
// (Insert/Remove) take a single critical section spanning all three indexes,
// per spec.md §5's discipline table.
type Registry struct {
	log     telemetry.Logger
	metrics telemetry.Metrics

	mu           sync.RWMutex
	byInstance   map[string]*conn.Session        // instance_id -> session
	byBot        map[string]map[string]struct{} // bot_id -> set of instance_id
	byCapability map[string]map[string]struct{} // capability -> set of instance_id
	rrCounter    map[string]uint64               // capability -> round-robin cursor
}

// New creates an empty Registry.
func New(log telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		log:          log,
		metrics:      metrics,
		byInstance:   make(map[string]*conn.Session),
		byBot:        make(map[string]map[string]struct{}),
		byCapability: make(map[string]map[string]struct{}),
		rrCounter:    make(map[string]uint64),
	}
}

// Insert registers an Active session under its (bot_id, instance_id). If an
// instance with the same instance_id is already registered, the existing one
// is displaced: it is closed with ReasonSuperseded before the new one takes
// its place (spec.md §3's Instance invariant: at most one Instance per
// instance_id at any instant).
func (r *Registry) Insert(s *conn.Session) {
	instanceID := s.InstanceID()
	botID := s.BotID()

	r.mu.Lock()
	if existing, ok := r.byInstance[instanceID]; ok && existing != s {
		r.removeLocked(instanceID)
		r.mu.Unlock()
		existing.Close(conn.ReasonSuperseded)
		r.mu.Lock()
	}

	r.byInstance[instanceID] = s
	if r.byBot[botID] == nil {
		r.byBot[botID] = make(map[string]struct{})
	}
	r.byBot[botID][instanceID] = struct{}{}
	for _, capability := range s.Capabilities() {
		if r.byCapability[capability] == nil {
			r.byCapability[capability] = make(map[string]struct{})
		}
		r.byCapability[capability][instanceID] = struct{}{}
	}
	r.mu.Unlock()
}

// Remove removes instanceID from all three indexes. Safe to call even if
// instanceID is unknown.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	r.removeLocked(instanceID)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(instanceID string) {
	s, ok := r.byInstance[instanceID]
	if !ok {
		return
	}
	delete(r.byInstance, instanceID)
	if set := r.byBot[s.BotID()]; set != nil {
		delete(set, instanceID)
		if len(set) == 0 {
			delete(r.byBot, s.BotID())
		}
	}
	for _, capability := range s.Capabilities() {
		if set := r.byCapability[capability]; set != nil {
			delete(set, instanceID)
			if len(set) == 0 {
				delete(r.byCapability, capability)
			}
		}
	}
}

// Get returns the session registered under instanceID, if any.
func (r *Registry) Get(instanceID string) (*conn.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byInstance[instanceID]
	return s, ok
}

// ListByBot returns the sessions currently registered under botID, in
// deterministic instance_id order.
func (r *Registry) ListByBot(botID string) []*conn.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byBot[botID]))
	for id := range r.byBot[botID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*conn.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byInstance[id])
	}
	return out
}

// SelectByCapability returns the next Active instance with the given
// capability in round-robin order, skipping Draining/Closed entries. Returns
// false if no Active instance currently has the capability. Tie-breaking is
// deterministic for a given registry snapshot: eligible instance_ids are
// sorted, and a monotonic per-capability counter picks the next one modulo
// the eligible-set size.
func (r *Registry) SelectByCapability(capability string) (*conn.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.byCapability[capability]))
	for id := range r.byCapability[capability] {
		if s := r.byInstance[id]; s != nil && s.Status() == conn.Active {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Strings(ids)

	idx := r.rrCounter[capability] % uint64(len(ids))
	r.rrCounter[capability]++

	return r.byInstance[ids[idx]], true
}

// SelectByBotCapability is SelectByCapability narrowed to one bot_id's
// instances -- the Dispatcher (spec.md §4.5) selects among a specific bot's
// fleet, round-robinning only over that subset so the per-capability cursor
// used by the unscoped SelectByCapability is kept separate from per-bot
// selection (a distinct round-robin key of "botID\x00capability").
func (r *Registry) SelectByBotCapability(botID, capability string) (*conn.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	botSet := r.byBot[botID]
	capSet := r.byCapability[capability]
	ids := make([]string, 0, len(botSet))
	for id := range botSet {
		if _, ok := capSet[id]; !ok {
			continue
		}
		if s := r.byInstance[id]; s != nil && s.Status() == conn.Active {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Strings(ids)

	key := botID + "\x00" + capability
	idx := r.rrCounter[key] % uint64(len(ids))
	r.rrCounter[key]++

	return r.byInstance[ids[idx]], true
}

// Count returns the number of currently registered instances (for the
// core_active_instances gauge, spec.md §4.9).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byInstance)
}

// Sessions returns a snapshot of every currently registered session, in no
// particular order.
func (r *Registry) Sessions() []*conn.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn.Session, 0, len(r.byInstance))
	for _, s := range r.byInstance {
		out = append(out, s)
	}
	return out
}

// StartReaper launches a background ticker that closes any registered
// session whose heartbeat has gone stale (spec.md §4.3: Active -> Draining
// on missed heartbeat, staleness window = HeartbeatGrace * heartbeat_interval).
// It returns a stop function; calling it terminates the reaper goroutine.
func (r *Registry) StartReaper(interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				r.reapStale()
			}
		}
	}()
	return func() {
		close(stopCh)
		<-done
	}
}

func (r *Registry) reapStale() {
	now := time.Now()
	for _, s := range r.Sessions() {
		if s.Status() == conn.Active && s.IsHeartbeatStale(now) {
			r.metrics.IncCounter(telemetry.MetricHeartbeatMisses, 1)
			s.Close(conn.ReasonHeartbeatMiss)
		}
	}
}
