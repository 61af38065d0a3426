package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/L4DK/unified-bot-protocol/statestore"
)

func TestBotDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	rec := statestore.BotDefinitionRecord{BotID: "B1", Name: "b1", CreatedAt: time.Now()}
	require.NoError(t, s.SaveBotDefinition(ctx, rec))

	got, err := s.GetBotDefinition(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.Name)

	_, err = s.GetBotDefinition(ctx, "missing")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	list, err := s.ListBotDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteBotDefinition(ctx, "B1"))
	_, err = s.GetBotDefinition(ctx, "B1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	err = s.DeleteBotDefinition(ctx, "B1")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestCompareAndSwapCredentialNonReplayable(t *testing.T) {
	ctx := context.Background()
	s := New()

	expected := statestore.CredentialRecord{BotID: "B1", OneTimeToken: "OT1", HasOneTimeToken: true}
	require.NoError(t, s.SaveCredential(ctx, expected))

	next := statestore.CredentialRecord{BotID: "B1", LongLivedKey: "K1", HasLongLivedKey: true}

	const attempts = 16
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			results <- s.CompareAndSwapCredential(ctx, "B1", expected, next)
		}()
	}

	successes := 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, statestore.ErrConflict)
		}
	}
	assert.Equal(t, 1, successes)

	got, err := s.GetCredential(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestListPendingTasksByBotFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Now()
	tasks := []statestore.TaskRecord{
		{TaskID: "t2", BotID: "B1", State: "PENDING", SubmittedAt: base.Add(2 * time.Second)},
		{TaskID: "t1", BotID: "B1", State: "PENDING", SubmittedAt: base.Add(1 * time.Second)},
		{TaskID: "t3", BotID: "B1", State: "RUNNING", SubmittedAt: base.Add(3 * time.Second)},
		{TaskID: "t4", BotID: "B2", State: "PENDING", SubmittedAt: base.Add(4 * time.Second)},
	}
	for _, task := range tasks {
		require.NoError(t, s.SaveTask(ctx, task))
	}

	pending, err := s.ListPendingTasksByBot(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t1", pending[0].TaskID)
	assert.Equal(t, "t2", pending[1].TaskID)
}
