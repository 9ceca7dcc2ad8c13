package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binauthz/ballotbox/internal/model"
)

func TestTransactReadsAreSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutBlockable(ctx, &model.Blockable{ID: "aaa", Score: 1}))

	err := s.Transact(ctx, func(ctx context.Context, tx Txn) error {
		b, err := tx.GetBlockable(ctx, "aaa")
		require.NoError(t, err)
		b.Score = 2
		require.NoError(t, tx.PutBlockable(ctx, b))

		// Buffered writes are invisible to reads in the same transaction.
		again, err := tx.GetBlockable(ctx, "aaa")
		require.NoError(t, err)
		assert.Equal(t, int64(1), again.Score)
		return nil
	})
	require.NoError(t, err)

	b, err := s.GetBlockable(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Score)
}

func TestTransactErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	err := s.Transact(ctx, func(ctx context.Context, tx Txn) error {
		require.NoError(t, tx.PutBlockable(ctx, &model.Blockable{ID: "aaa"}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = s.GetBlockable(ctx, "aaa")
	assert.ErrorIs(t, err, ErrNoSuchEntity)
}

func TestOnCommitRunsAfterCommitOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	var ran bool
	err := s.Transact(ctx, func(ctx context.Context, tx Txn) error {
		tx.OnCommit(func() {
			// The committed state must already be visible to the hook.
			b, err := s.GetBlockable(ctx, "aaa")
			require.NoError(t, err)
			assert.Equal(t, int64(5), b.Score)
			ran = true
		})
		return tx.PutBlockable(ctx, &model.Blockable{ID: "aaa", Score: 5})
	})
	require.NoError(t, err)
	assert.True(t, ran)

	ran = false
	err = s.Transact(ctx, func(ctx context.Context, tx Txn) error {
		tx.OnCommit(func() { ran = true })
		return assert.AnError
	})
	require.Error(t, err)
	assert.False(t, ran, "hooks of a failed transaction never run")
}

func TestVotesByBlockableInEffectOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()
	require.NoError(t, s.PutVotes(ctx, []*model.Vote{
		{BlockableID: "aaa", UserEmail: "a@example.com", VoteID: model.InEffectVoteID, Weight: 1, RecordedDt: now},
		{BlockableID: "aaa", UserEmail: "b@example.com", VoteID: model.InEffectVoteID, Weight: 2, RecordedDt: now.Add(time.Second)},
		{BlockableID: "aaa", UserEmail: "b@example.com", VoteID: "archived-1", Weight: 9, RecordedDt: now.Add(2 * time.Second)},
		{BlockableID: "bbb", UserEmail: "a@example.com", VoteID: model.InEffectVoteID, Weight: 3, RecordedDt: now},
	}))

	votes, err := s.VotesByBlockable(ctx, "aaa")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "a@example.com", votes[0].UserEmail)
	assert.Equal(t, "b@example.com", votes[1].UserEmail)

	all, err := s.AllVotesByBlockable(ctx, "aaa")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestVoteKeysAreCaseInsensitiveOnEmail(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutVote(ctx, &model.Vote{
		BlockableID: "aaa", UserEmail: "User@Example.com", VoteID: model.InEffectVoteID, Weight: 1,
	}))

	v, err := s.GetVote(ctx, "aaa", "user@example.com", model.InEffectVoteID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Weight)
}

func TestChangeSetsByBlockableOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutChangeSet(ctx, &model.ChangeSet{
		BlockableID: "aaa", ChangeID: "c2", RecordedDt: base.Add(time.Minute),
	}))
	require.NoError(t, s.PutChangeSet(ctx, &model.ChangeSet{
		BlockableID: "aaa", ChangeID: "c1", RecordedDt: base,
	}))
	// Same timestamp as c1: insertion order breaks the tie.
	require.NoError(t, s.PutChangeSet(ctx, &model.ChangeSet{
		BlockableID: "aaa", ChangeID: "c1b", RecordedDt: base,
	}))

	changes, err := s.ChangeSetsByBlockable(ctx, "aaa", 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "c1", changes[0].ChangeID)
	assert.Equal(t, "c1b", changes[1].ChangeID)

	all, err := s.ChangeSetsByBlockable(ctx, "aaa", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.DeleteChangeSet(ctx, "aaa", "c1"))
	changes, err = s.ChangeSetsByBlockable(ctx, "aaa", 10)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "c1b", changes[0].ChangeID)
}

func TestRulesByIDsMissingRule(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutRule(ctx, &model.Rule{BlockableID: "aaa", RuleID: "r1"}))

	rules, err := s.RulesByIDs(ctx, "aaa", []string{"r1"})
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	_, err = s.RulesByIDs(ctx, "aaa", []string{"r1", "r2"})
	assert.ErrorIs(t, err, ErrNoSuchEntity)
}

func TestHostQueriesMatchCaseInsensitively(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutHost(ctx, &model.Host{
		ID: "h1", Platform: model.PlatformMacOS, PrimaryUser: "Alice",
	}))
	require.NoError(t, s.PutHost(ctx, &model.Host{
		ID: "h2", Platform: model.PlatformWindows, Users: []string{"alice", "bob"},
	}))
	require.NoError(t, s.PutHost(ctx, &model.Host{
		ID: "h3", Platform: model.PlatformWindows, Users: []string{"carol"},
	}))

	primary, err := s.HostsByPrimaryUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, primary, 1)
	assert.Equal(t, "h1", primary[0].ID)

	windows, err := s.HostsByUser(ctx, "ALICE")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "h2", windows[0].ID)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.PutBlockable(ctx, &model.Blockable{
		ID: "aaa", Binary: &model.BinaryInfo{FileCatalogID: "cat1"},
	}))

	b, err := s.GetBlockable(ctx, "aaa")
	require.NoError(t, err)
	b.Binary.FileCatalogID = "mutated"

	again, err := s.GetBlockable(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, "cat1", again.Binary.FileCatalogID, "caller mutations must not leak into the store")
}
