// Package memory provides an in-memory implementation of statestore.Store.
//
// It is suitable for development, testing, and single-node deployments
// where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/L4DK/unified-bot-protocol/statestore"
)

// Store is an in-memory implementation of statestore.Store. Safe for
// concurrent use.
type Store struct {
	mu          sync.Mutex
	definitions map[string]statestore.BotDefinitionRecord
	credentials map[string]statestore.CredentialRecord
	tasks       map[string]statestore.TaskRecord
}

var _ statestore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		definitions: make(map[string]statestore.BotDefinitionRecord),
		credentials: make(map[string]statestore.CredentialRecord),
		tasks:       make(map[string]statestore.TaskRecord),
	}
}

func (s *Store) SaveBotDefinition(_ context.Context, rec statestore.BotDefinitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[rec.BotID] = rec
	return nil
}

func (s *Store) GetBotDefinition(_ context.Context, botID string) (statestore.BotDefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.definitions[botID]
	if !ok {
		return statestore.BotDefinitionRecord{}, statestore.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListBotDefinitions(_ context.Context) ([]statestore.BotDefinitionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statestore.BotDefinitionRecord, 0, len(s.definitions))
	for _, rec := range s.definitions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out, nil
}

func (s *Store) DeleteBotDefinition(_ context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[botID]; !ok {
		return statestore.ErrNotFound
	}
	delete(s.definitions, botID)
	delete(s.credentials, botID)
	return nil
}

func (s *Store) SaveCredential(_ context.Context, rec statestore.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[rec.BotID] = rec
	return nil
}

func (s *Store) GetCredential(_ context.Context, botID string) (statestore.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.credentials[botID]
	if !ok {
		return statestore.CredentialRecord{}, statestore.ErrNotFound
	}
	return rec, nil
}

// CompareAndSwapCredential performs the non-replayable swap under the
// store's single mutex, so exactly one concurrent caller observes success
// for any given expected/next pair.
func (s *Store) CompareAndSwapCredential(_ context.Context, botID string, expected, next statestore.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.credentials[botID]
	if !ok {
		current = statestore.CredentialRecord{BotID: botID}
	}
	if current != expected {
		return statestore.ErrConflict
	}
	s.credentials[botID] = next
	return nil
}

func (s *Store) SaveTask(_ context.Context, rec statestore.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.TaskID] = rec
	return nil
}

func (s *Store) GetTask(_ context.Context, taskID string) (statestore.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[taskID]
	if !ok {
		return statestore.TaskRecord{}, statestore.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListPendingTasksByBot(_ context.Context, botID string) ([]statestore.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statestore.TaskRecord, 0)
	for _, rec := range s.tasks {
		if rec.BotID == botID && rec.State == "PENDING" {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }
