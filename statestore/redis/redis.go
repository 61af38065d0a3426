// Package redis provides a durable statestore.Store implementation backed by
// Redis, for deployments that need bot definitions, credentials, and tasks
// to survive a process restart. Records are JSON-encoded and addressed by
// simple key prefixes; CompareAndSwapCredential is implemented with a Lua
// script so the compare-and-replace is atomic server-side.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/L4DK/unified-bot-protocol/statestore"
)

const (
	keyDefinition     = "ubp:def:"
	keyDefinitionSet  = "ubp:def:ids"
	keyCredential     = "ubp:cred:"
	keyTask           = "ubp:task:"
	keyTaskByBotSet   = "ubp:task:bybot:"
)

// Store is a Redis-backed statestore.Store.
type Store struct {
	rdb *redis.Client
}

var _ statestore.Store = (*Store)(nil)

// New wraps an already-connected *redis.Client. Callers are expected to have
// verified connectivity with rdb.Ping beforehand, following the teacher's
// cmd/registry startup-check idiom.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial opens a Redis client from addr/password and verifies connectivity.
func Dial(ctx context.Context, addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return New(rdb), nil
}

func (s *Store) SaveBotDefinition(ctx context.Context, rec statestore.BotDefinitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyDefinition+rec.BotID, data, 0)
	pipe.SAdd(ctx, keyDefinitionSet, rec.BotID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetBotDefinition(ctx context.Context, botID string) (statestore.BotDefinitionRecord, error) {
	var rec statestore.BotDefinitionRecord
	data, err := s.rdb.Get(ctx, keyDefinition+botID).Bytes()
	if err == redis.Nil {
		return rec, statestore.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) ListBotDefinitions(ctx context.Context) ([]statestore.BotDefinitionRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyDefinitionSet).Result()
	if err != nil {
		return nil, err
	}
	out := make([]statestore.BotDefinitionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetBotDefinition(ctx, id)
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) DeleteBotDefinition(ctx context.Context, botID string) error {
	n, err := s.rdb.Exists(ctx, keyDefinition+botID).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return statestore.ErrNotFound
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keyDefinition+botID)
	pipe.Del(ctx, keyCredential+botID)
	pipe.SRem(ctx, keyDefinitionSet, botID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) SaveCredential(ctx context.Context, rec statestore.CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyCredential+rec.BotID, data, 0).Err()
}

func (s *Store) GetCredential(ctx context.Context, botID string) (statestore.CredentialRecord, error) {
	var rec statestore.CredentialRecord
	data, err := s.rdb.Get(ctx, keyCredential+botID).Bytes()
	if err == redis.Nil {
		return rec, statestore.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// casScript compares the JSON-encoded value currently stored at KEYS[1]
// against ARGV[1] (the expected record) and, only if equal, replaces it with
// ARGV[2]. Comparing the encoded bytes is sufficient because json.Marshal on
// these record types is deterministic (fixed field order, no maps other than
// Configuration which this path never touches).
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	current = ARGV[3]
end
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

func (s *Store) CompareAndSwapCredential(ctx context.Context, botID string, expected, next statestore.CredentialRecord) error {
	expectedData, err := json.Marshal(expected)
	if err != nil {
		return err
	}
	nextData, err := json.Marshal(next)
	if err != nil {
		return err
	}
	zeroData, err := json.Marshal(statestore.CredentialRecord{BotID: botID})
	if err != nil {
		return err
	}
	res, err := casScript.Run(ctx, s.rdb, []string{keyCredential + botID}, string(expectedData), string(nextData), string(zeroData)).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return statestore.ErrConflict
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, rec statestore.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyTask+rec.TaskID, data, 0)
	if rec.State == "PENDING" {
		pipe.ZAdd(ctx, keyTaskByBotSet+rec.BotID, redis.Z{
			Score:  float64(rec.SubmittedAt.UnixNano()),
			Member: rec.TaskID,
		})
	} else {
		pipe.ZRem(ctx, keyTaskByBotSet+rec.BotID, rec.TaskID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (statestore.TaskRecord, error) {
	var rec statestore.TaskRecord
	data, err := s.rdb.Get(ctx, keyTask+taskID).Bytes()
	if err == redis.Nil {
		return rec, statestore.ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) ListPendingTasksByBot(ctx context.Context, botID string) ([]statestore.TaskRecord, error) {
	ids, err := s.rdb.ZRange(ctx, keyTaskByBotSet+botID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]statestore.TaskRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetTask(ctx, id)
		if err == statestore.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
