package installer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
)

type fixture struct {
	svc   *Service
	store *store.MemStore
	sink  *analytics.MemSink
	tasks *taskqueue.InlineDeferrer
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store: store.NewMemStore(),
		sink:  analytics.NewMemSink(),
		tasks: taskqueue.NewInlineDeferrer(),
	}
	f.svc = New(f.store, f.sink, f.tasks)
	f.svc.Clock = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func seedBinary(t *testing.T, s *store.MemStore, platform model.Platform) *model.Blockable {
	b := &model.Blockable{
		ID:       "bbb",
		IDType:   model.IDTypeSHA256,
		Platform: platform,
		Kind:     model.RuleTypeBinary,
		Binary:   &model.BinaryInfo{FileCatalogID: "cat1"},
	}
	require.NoError(t, s.PutBlockable(context.Background(), b))
	return b
}

func TestSetInstallerPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBinary(t, f.store, model.PlatformWindows)

	state, err := f.svc.SetInstallerPolicy(ctx, "bbb", true)
	require.NoError(t, err)
	assert.True(t, state)

	b, err := f.store.GetBlockable(ctx, "bbb")
	require.NoError(t, err)
	assert.True(t, b.Binary.IsInstaller)

	rules, err := f.store.RulesByBlockable(ctx, "bbb", true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyForceInstaller, rules[0].Policy)

	changes, err := f.store.ChangeSetsByBlockable(ctx, "bbb", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.PolicyForceInstaller, changes[0].ChangeType)
	assert.Equal(t, rules[0].RuleID, changes[0].RuleIDs[0])

	pending := f.tasks.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, taskqueue.QueueCommitChange, pending[0].Queue)

	// The policy change is journaled as a comment on the binary.
	assert.Equal(t, 1, f.sink.CountAction(analytics.TableBinary, analytics.ActionComment))
}

func TestSetInstallerPolicySamePolicyIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBinary(t, f.store, model.PlatformWindows)

	_, err := f.svc.SetInstallerPolicy(ctx, "bbb", true)
	require.NoError(t, err)

	state, err := f.svc.SetInstallerPolicy(ctx, "bbb", true)
	require.NoError(t, err)
	assert.True(t, state)

	changes, err := f.store.ChangeSetsByBlockable(ctx, "bbb", 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1, "repeat of the effective policy stages nothing")
	assert.Len(t, f.tasks.Pending(), 1)
	assert.Equal(t, 1, f.sink.CountAction(analytics.TableBinary, analytics.ActionComment),
		"a noop must not add a comment row")
}

func TestSetInstallerPolicyToggleDisablesOldRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBinary(t, f.store, model.PlatformWindows)

	_, err := f.svc.SetInstallerPolicy(ctx, "bbb", true)
	require.NoError(t, err)
	state, err := f.svc.SetInstallerPolicy(ctx, "bbb", false)
	require.NoError(t, err)
	assert.False(t, state)

	inEffect, err := f.store.RulesByBlockable(ctx, "bbb", true)
	require.NoError(t, err)
	require.Len(t, inEffect, 1)
	assert.Equal(t, model.PolicyForceNotInstaller, inEffect[0].Policy)

	all, err := f.store.RulesByBlockable(ctx, "bbb", false)
	require.NoError(t, err)
	assert.Len(t, all, 2, "superseded rule is disabled, not deleted")

	b, err := f.store.GetBlockable(ctx, "bbb")
	require.NoError(t, err)
	assert.False(t, b.Binary.IsInstaller)
	assert.Equal(t, 2, f.sink.CountAction(analytics.TableBinary, analytics.ActionComment))
}

func TestSetInstallerPolicyErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown blockable", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.SetInstallerPolicy(ctx, "nope", true)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("macOS blockable", func(t *testing.T) {
		f := newFixture(t)
		seedBinary(t, f.store, model.PlatformMacOS)
		_, err := f.svc.SetInstallerPolicy(ctx, "bbb", true)
		assert.ErrorIs(t, err, ErrBadPlatform)
	})

	t.Run("certificate", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.PutBlockable(ctx, &model.Blockable{
			ID:       "thumb-1",
			IDType:   model.IDTypeCertFingerprint,
			Platform: model.PlatformWindows,
			Kind:     model.RuleTypeCertificate,
		}))
		_, err := f.svc.SetInstallerPolicy(ctx, "thumb-1", true)
		assert.ErrorIs(t, err, ErrNotBinary)
	})
}

func TestCalculateInstallerState(t *testing.T) {
	now := time.Now()
	b := &model.Blockable{
		Kind:   model.RuleTypeBinary,
		Binary: &model.BinaryInfo{DetectedInstaller: true},
	}

	assert.True(t, CalculateInstallerState(b, nil), "falls back to agent detection")

	force := &model.Rule{
		Policy: model.PolicyForceNotInstaller, InEffect: true, UpdatedDt: now,
	}
	assert.False(t, CalculateInstallerState(b, []*model.Rule{force}))

	// The newest installer rule wins over an older one.
	newer := &model.Rule{
		Policy: model.PolicyForceInstaller, InEffect: true, UpdatedDt: now.Add(time.Minute),
	}
	assert.True(t, CalculateInstallerState(b, []*model.Rule{force, newer}))

	// Disabled and non-installer rules are ignored.
	disabled := &model.Rule{
		Policy: model.PolicyForceNotInstaller, InEffect: false, UpdatedDt: now.Add(time.Hour),
	}
	allow := &model.Rule{
		Policy: model.PolicyAllow, InEffect: true, UpdatedDt: now.Add(time.Hour),
	}
	assert.True(t, CalculateInstallerState(b, []*model.Rule{force, newer, disabled, allow}))
}
