// Package contextstore implements the Context Store (spec.md §4.7):
// TTL-bounded key/value documents keyed by (session_id, namespace), with a
// background sweeper so memory does not grow unboundedly if callers stop
// reading.
package contextstore

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when a document is absent or expired at
// read time.
var ErrNotFound = errors.New("contextstore: not found")

type key struct {
	sessionID string
	namespace string
}

// document is the stored form of a ContextDocument (spec.md §3).
type document struct {
	payload   []byte
	expiresAt time.Time
}

func (d document) expired(now time.Time) bool { return !now.Before(d.expiresAt) }

// Store is a TTL-bounded K/V document store, safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	docs map[key]document

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New creates a Store and starts its background sweeper, which scans for
// and removes expired documents at sweepInterval.
func New(sweepInterval time.Duration) *Store {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	s := &Store{
		docs:          make(map[key]document),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runSweepLoop()
	return s
}

// Upsert replaces the entire document for (sessionID, namespace) -- no
// partial merge, per spec.md §4.7 -- and resets expires_at to
// now + ttlSeconds.
func (s *Store) Upsert(sessionID, namespace string, payload []byte, ttlSeconds int) {
	k := key{sessionID, namespace}
	doc := document{
		payload:   append([]byte(nil), payload...),
		expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	s.mu.Lock()
	s.docs[k] = doc
	s.mu.Unlock()
}

// Get returns the payload for (sessionID, namespace), or ErrNotFound if
// absent or expired at read time.
func (s *Store) Get(sessionID, namespace string) ([]byte, error) {
	k := key{sessionID, namespace}
	s.mu.RLock()
	doc, ok := s.docs[k]
	s.mu.RUnlock()
	if !ok || doc.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc.payload...), nil
}

// Delete removes the document for (sessionID, namespace), if any.
func (s *Store) Delete(sessionID, namespace string) {
	k := key{sessionID, namespace}
	s.mu.Lock()
	delete(s.docs, k)
	s.mu.Unlock()
}

// Close stops the background sweeper and waits for it to exit.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Store) runSweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, doc := range s.docs {
		if doc.expired(now) {
			delete(s.docs, k)
		}
	}
}
