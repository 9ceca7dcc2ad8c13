package voting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

func TestEnsureCriticalRules(t *testing.T) {
	ResetBootstrapLatchForTest()
	ctx := context.Background()
	s := store.NewMemStore()
	sink := analytics.NewMemSink()
	rules := []CriticalRule{
		{SHA256: "agent-sha", Platform: model.PlatformMacOS},
		{SHA256: "svc-sha", Platform: model.PlatformWindows},
	}

	require.NoError(t, EnsureCriticalRules(ctx, s, sink, rules, nil))

	for _, cr := range rules {
		b, err := s.GetBlockable(ctx, cr.SHA256)
		require.NoError(t, err)
		assert.Equal(t, model.StateUntrusted, b.State)
		assert.Equal(t, cr.Platform, b.Platform)

		inEffect, err := s.RulesByBlockable(ctx, cr.SHA256, true)
		require.NoError(t, err)
		require.Len(t, inEffect, 1)
		assert.Equal(t, model.PolicyAllow, inEffect[0].Policy)
		assert.False(t, inEffect[0].Local())
	}
	assert.Equal(t, 2, sink.CountAction(analytics.TableBinary, analytics.ActionFirstSeen))
}

func TestEnsureCriticalRulesIsIdempotent(t *testing.T) {
	ResetBootstrapLatchForTest()
	ctx := context.Background()
	s := store.NewMemStore()
	sink := analytics.NewMemSink()
	rules := []CriticalRule{{SHA256: "agent-sha", Platform: model.PlatformMacOS}}

	require.NoError(t, EnsureCriticalRules(ctx, s, sink, rules, nil))

	// Once per process: a second call is a noop even with more rules.
	require.NoError(t, EnsureCriticalRules(ctx, s, sink, []CriticalRule{
		{SHA256: "other-sha", Platform: model.PlatformMacOS},
	}, nil))
	_, err := s.GetBlockable(ctx, "other-sha")
	assert.ErrorIs(t, err, store.ErrNoSuchEntity)

	// Rearmed, it still does not duplicate the existing rule.
	ResetBootstrapLatchForTest()
	require.NoError(t, EnsureCriticalRules(ctx, s, sink, rules, nil))
	inEffect, err := s.RulesByBlockable(ctx, "agent-sha", true)
	require.NoError(t, err)
	assert.Len(t, inEffect, 1)
}

func TestEnsureCriticalRulesRejectsUnknownPlatform(t *testing.T) {
	ResetBootstrapLatchForTest()
	err := EnsureCriticalRules(context.Background(), store.NewMemStore(), analytics.NewMemSink(),
		[]CriticalRule{{SHA256: "x", Platform: model.PlatformUnknown}}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}
