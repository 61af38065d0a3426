// Package credential implements the Credential Store (spec.md §4.2): bot
// definition lifecycle and the security-critical atomic swap from one-time
// token to long-lived key.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/L4DK/unified-bot-protocol/statestore"
	"github.com/L4DK/unified-bot-protocol/telemetry"
)

// ErrAuthFailed is returned by ConsumeOneTime and wraps the AuthError variants
// named in spec.md §4.2: unknown bot_id, no unconsumed token, or a
// non-matching candidate token.
var ErrAuthFailed = errors.New("credential: auth failed")

// ErrNotFound is returned when an operation targets an unknown bot_id.
var ErrNotFound = statestore.ErrNotFound

// Spec is the caller-supplied shape of a new bot definition.
type Spec struct {
	Name                 string
	Description          string
	AdapterType          string
	DeclaredCapabilities []string
	Configuration        map[string]string
}

// DeletedFunc is invoked by DeleteDefinition after a definition and its credentials
// have been removed, so the Session Manager can close matching instances
// (spec.md §4.2's "raises an event" requirement). Store, C2 does not depend
// on C3 so this process-local hook -- not a pub/sub bus or C3 import -- keeps
// the dependency flow in spec.md §2 intact.
type DeletedFunc func(botID string)

// Store is the Credential Store. Safe for concurrent use; its atomicity
// guarantees are delegated to the backing statestore.Store.
type Store struct {
	backing statestore.Store
	log     telemetry.Logger

	onDeleted DeletedFunc
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithDeletedHook registers a callback invoked after DeleteDefinition
// succeeds.
func WithDeletedHook(fn DeletedFunc) Option {
	return func(s *Store) { s.onDeleted = fn }
}

// New creates a Credential Store backed by backing.
func New(backing statestore.Store, opts ...Option) *Store {
	s := &Store{backing: backing, log: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDefinition generates a fresh bot_id and a 128-bit cryptographically
// random one-time token, persists the definition and credential record, and
// returns both. The one-time token is not retrievable afterward through any
// read API; the bot_id is part of the stored definition.
func (s *Store) CreateDefinition(ctx context.Context, spec Spec) (botID, oneTimeToken string, err error) {
	botID = "B-" + uuid.NewString()
	oneTimeToken, err = randomToken(16)
	if err != nil {
		return "", "", fmt.Errorf("credential: generate one-time token: %w", err)
	}

	def := statestore.BotDefinitionRecord{
		BotID:                botID,
		Name:                 spec.Name,
		Description:          spec.Description,
		AdapterType:          spec.AdapterType,
		DeclaredCapabilities: spec.DeclaredCapabilities,
		Configuration:        spec.Configuration,
		CreatedAt:            time.Now(),
	}
	if err := s.backing.SaveBotDefinition(ctx, def); err != nil {
		return "", "", fmt.Errorf("credential: save definition: %w", err)
	}

	cred := statestore.CredentialRecord{
		BotID:           botID,
		OneTimeToken:    oneTimeToken,
		HasOneTimeToken: true,
	}
	if err := s.backing.SaveCredential(ctx, cred); err != nil {
		return "", "", fmt.Errorf("credential: save credential: %w", err)
	}

	s.log.Info(ctx, "bot definition created", telemetry.FieldBotID, botID)
	return botID, oneTimeToken, nil
}

// ConsumeOneTime performs the atomic one-time-token-to-long-lived-key swap.
// It is non-replayable: concurrent callers racing the same token see exactly
// one success, because the swap is built on the backing store's
// CompareAndSwapCredential primitive.
func (s *Store) ConsumeOneTime(ctx context.Context, botID, candidateToken string) (longLivedKey string, err error) {
	current, err := s.backing.GetCredential(ctx, botID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown bot_id", ErrAuthFailed)
		}
		return "", err
	}

	if !current.HasOneTimeToken || current.OneTimeTokenConsumed {
		return "", fmt.Errorf("%w: no unconsumed one-time token", ErrAuthFailed)
	}
	if subtle.ConstantTimeCompare([]byte(current.OneTimeToken), []byte(candidateToken)) != 1 {
		return "", fmt.Errorf("%w: token mismatch", ErrAuthFailed)
	}

	key, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("credential: generate long-lived key: %w", err)
	}

	next := statestore.CredentialRecord{
		BotID:           botID,
		LongLivedKey:    key,
		HasLongLivedKey: true,
	}
	if err := s.backing.CompareAndSwapCredential(ctx, botID, current, next); err != nil {
		if errors.Is(err, statestore.ErrConflict) {
			// Another caller won the race on the same one-time token, or
			// consumed/rotated it between our read and our swap.
			return "", fmt.Errorf("%w: token already consumed", ErrAuthFailed)
		}
		return "", err
	}

	s.log.Info(ctx, "one-time token consumed", telemetry.FieldBotID, botID)
	return key, nil
}

// VerifyLongLived performs a constant-time comparison against the bot's
// stored long-lived key. Returns false (never an error) for unknown bot_id
// or missing/mismatched key, so callers cannot distinguish "no such bot"
// from "wrong key" by timing or error shape.
func (s *Store) VerifyLongLived(ctx context.Context, botID, candidateKey string) bool {
	cred, err := s.backing.GetCredential(ctx, botID)
	if err != nil || !cred.HasLongLivedKey {
		// Still run a constant-time compare against a fixed-size buffer so
		// the absence of a record does not shortcut the timing profile of
		// the comparison below.
		var decoy [32]byte
		subtle.ConstantTimeCompare(decoy[:], decoy[:])
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cred.LongLivedKey), []byte(candidateKey)) == 1
}

// DeleteDefinition removes a bot definition and both its credentials, then
// invokes the registered DeletedFunc so the Session Manager can close
// matching instances.
func (s *Store) DeleteDefinition(ctx context.Context, botID string) error {
	if err := s.backing.DeleteBotDefinition(ctx, botID); err != nil {
		return err
	}
	s.log.Info(ctx, "bot definition deleted", telemetry.FieldBotID, botID)
	if s.onDeleted != nil {
		s.onDeleted(botID)
	}
	return nil
}

// UpdateDefinition replaces the mutable fields of an existing bot
// definition (name, description, adapter type, declared capabilities,
// configuration).
// bot_id and created_at are preserved. Returns statestore.ErrNotFound if
// botID is unknown.
func (s *Store) UpdateDefinition(ctx context.Context, botID string, spec Spec) (statestore.BotDefinitionRecord, error) {
	existing, err := s.backing.GetBotDefinition(ctx, botID)
	if err != nil {
		return statestore.BotDefinitionRecord{}, err
	}
	existing.Name = spec.Name
	existing.Description = spec.Description
	existing.AdapterType = spec.AdapterType
	existing.DeclaredCapabilities = spec.DeclaredCapabilities
	existing.Configuration = spec.Configuration
	if err := s.backing.SaveBotDefinition(ctx, existing); err != nil {
		return statestore.BotDefinitionRecord{}, fmt.Errorf("credential: update definition: %w", err)
	}
	s.log.Info(ctx, "bot definition updated", telemetry.FieldBotID, botID)
	return existing, nil
}

// GetDefinition returns the bot definition for botID.
func (s *Store) GetDefinition(ctx context.Context, botID string) (statestore.BotDefinitionRecord, error) {
	return s.backing.GetBotDefinition(ctx, botID)
}

// ListDefinitions returns all known bot definitions.
func (s *Store) ListDefinitions(ctx context.Context) ([]statestore.BotDefinitionRecord, error) {
	return s.backing.ListBotDefinitions(ctx)
}

func randomToken(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
