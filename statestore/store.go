// Package statestore defines the durability boundary (spec.md §3):
// BotDefinitions, Credentials, and Tasks are the state classes whose loss is
// observable to clients, so they are pluggable behind this interface. An
// implementer may back it with an in-memory map (statestore/memory, the
// default) or a durable store (statestore/redis).
//
// Instances and Envelopes are intentionally excluded: they are in-memory
// only, owned directly by the registry and session packages.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("statestore: not found")

// ErrConflict is returned by CAS-style operations when the expected
// precondition does not hold (e.g. concurrent one-time-token consumption).
var ErrConflict = errors.New("statestore: conflict")

type (
	// BotDefinitionRecord is the persisted form of a BotDefinition (spec.md
	// §3). Declared/advisory capabilities and configuration are stored
	// opaquely; the core does not interpret configuration's contents.
	BotDefinitionRecord struct {
		BotID                string
		Name                 string
		Description          string
		AdapterType          string
		DeclaredCapabilities []string
		Configuration        map[string]string
		CreatedAt            time.Time
	}

	// CredentialRecord is the persisted form of a BotDefinition's
	// credentials. Invariant (enforced by the credential package, not this
	// store): exactly one of {OneTimeToken unconsumed, LongLivedKey
	// present} exists per live definition.
	CredentialRecord struct {
		BotID string

		OneTimeToken         string
		OneTimeTokenConsumed bool
		HasOneTimeToken      bool

		LongLivedKey    string
		HasLongLivedKey bool
	}

	// TaskRecord is the persisted form of a Task (spec.md §3).
	TaskRecord struct {
		TaskID           string
		BotID            string
		CommandName      string
		Arguments        []byte
		State            string
		Result           []byte
		Error            string
		TraceID          string
		SubmittedAt      time.Time
		StartedAt        time.Time
		CompletedAt      time.Time
		RetriesRemaining int
	}

	// Store is the pluggable persistence interface for the durability
	// boundary. All methods are context-aware so callers can bound calls to
	// a backing store that may be remote (e.g. Redis).
	Store interface {
		// SaveBotDefinition inserts or replaces a bot definition.
		SaveBotDefinition(ctx context.Context, rec BotDefinitionRecord) error
		// GetBotDefinition returns ErrNotFound if bot_id is unknown.
		GetBotDefinition(ctx context.Context, botID string) (BotDefinitionRecord, error)
		// ListBotDefinitions returns all known bot definitions.
		ListBotDefinitions(ctx context.Context) ([]BotDefinitionRecord, error)
		// DeleteBotDefinition removes a bot definition and its credentials.
		// Returns ErrNotFound if bot_id is unknown.
		DeleteBotDefinition(ctx context.Context, botID string) error

		// SaveCredential inserts or replaces a bot's credential record.
		SaveCredential(ctx context.Context, rec CredentialRecord) error
		// GetCredential returns ErrNotFound if bot_id has no credential record.
		GetCredential(ctx context.Context, botID string) (CredentialRecord, error)
		// CompareAndSwapCredential atomically replaces the credential record
		// for botID with next, but only if the record currently in the store
		// equals expected (compared field-by-field). Returns ErrConflict if
		// the current record does not match expected -- this is the
		// non-replayable primitive the one-time-token swap is built on.
		CompareAndSwapCredential(ctx context.Context, botID string, expected, next CredentialRecord) error

		// SaveTask inserts or replaces a task record.
		SaveTask(ctx context.Context, rec TaskRecord) error
		// GetTask returns ErrNotFound if task_id is unknown.
		GetTask(ctx context.Context, taskID string) (TaskRecord, error)
		// ListPendingTasksByBot returns Pending tasks for botID in FIFO
		// submission order.
		ListPendingTasksByBot(ctx context.Context, botID string) ([]TaskRecord, error)

		// Close releases resources held by the store (connections, etc).
		Close() error
	}
)
