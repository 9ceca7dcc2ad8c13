package voting

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	box   *BallotBox
	store *store.MemStore
	sink  *analytics.MemSink
	tasks *taskqueue.InlineDeferrer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemStore(),
		sink:  analytics.NewMemSink(),
		tasks: taskqueue.NewInlineDeferrer(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.box = New(f.store, f.sink, f.tasks, DefaultThresholds())
	// Every clock read ticks one second so vote ordering is deterministic.
	f.box.Clock = func() time.Time {
		f.now = f.now.Add(time.Second)
		return f.now
	}
	return f
}

func (f *fixture) addUser(email string, weight int64, admin bool, perms ...model.Permission) *model.User {
	u := &model.User{Email: email, VoteWeight: weight, IsAdmin: admin, Permissions: perms}
	require.NoError(f.t, f.store.PutUser(f.ctx, u))
	return u
}

func (f *fixture) addBlockable(id string, platform model.Platform, kind model.RuleType) *model.Blockable {
	b := &model.Blockable{
		ID:          id,
		IDType:      model.IDTypeSHA256,
		Platform:    platform,
		Kind:        kind,
		State:       model.StateUntrusted,
		FirstSeenDt: f.now,
		UpdatedDt:   f.now,
	}
	switch kind {
	case model.RuleTypeBinary:
		b.Binary = &model.BinaryInfo{FileCatalogID: "cat-" + id}
	case model.RuleTypePackage:
		b.Bundle = &model.BundleInfo{}
	}
	require.NoError(f.t, f.store.PutBlockable(f.ctx, b))
	return b
}

func (f *fixture) addBinary(id string, platform model.Platform) *model.Blockable {
	return f.addBlockable(id, platform, model.RuleTypeBinary)
}

func (f *fixture) addHost(id string, platform model.Platform, primaryUser string, users ...string) {
	require.NoError(f.t, f.store.PutHost(f.ctx, &model.Host{
		ID:          id,
		Platform:    platform,
		PrimaryUser: primaryUser,
		Users:       users,
	}))
}

func (f *fixture) vote(blockableID, email string, yes bool) (*VoteResult, error) {
	return f.box.Vote(f.ctx, blockableID, email, yes, nil)
}

func (f *fixture) mustVote(blockableID, email string, yes bool) *VoteResult {
	res, err := f.vote(blockableID, email, yes)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) blockable(id string) *model.Blockable {
	b, err := f.store.GetBlockable(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) inEffectRules(id string) []*model.Rule {
	rules, err := f.store.RulesByBlockable(f.ctx, id, true)
	require.NoError(f.t, err)
	return rules
}

func TestVoteAccumulatesScore(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addUser("bob@example.com", 3, false)
	f.addBinary("aaa", model.PlatformMacOS)

	res := f.mustVote("aaa", "alice@example.com", true)
	assert.Equal(t, int64(5), res.Blockable.Score)
	assert.Equal(t, model.StateUntrusted, res.Blockable.State)

	f.mustVote("aaa", "bob@example.com", true)
	b := f.blockable("aaa")
	assert.Equal(t, int64(8), b.Score)

	rows := f.sink.RowsFor(analytics.TableVote)
	assert.Len(t, rows, 2)
	assert.Equal(t, 2, f.sink.CountAction(analytics.TableBinary, analytics.ActionScoreChange))
}

func TestDuplicateVoteRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true)
	_, err := f.vote("aaa", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrDuplicateVote)
	assert.Equal(t, int64(5), f.blockable("aaa").Score)
}

func TestVoteFlipArchivesPredecessor(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true)
	f.mustVote("aaa", "alice@example.com", false)

	b := f.blockable("aaa")
	assert.Equal(t, int64(-5), b.Score)
	assert.True(t, b.Flagged)

	all, err := f.store.AllVotesByBlockable(f.ctx, "aaa")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	inEffect := 0
	for _, v := range all {
		if v.InEffect() {
			inEffect++
			assert.False(t, v.WasYes)
		}
	}
	assert.Equal(t, 1, inEffect)
}

func TestNegativeWeightRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addBinary("aaa", model.PlatformMacOS)

	bad := int64(-1)
	_, err := f.box.Vote(f.ctx, "aaa", "alice@example.com", true, &bad)
	assert.ErrorIs(t, err, ErrInvalidWeight)
}

func TestUnknownVoterAndBlockable(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addBinary("aaa", model.PlatformMacOS)

	_, err := f.vote("aaa", "ghost@example.com", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.vote("zzz", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalAllowTransitionCreatesHostRules(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 10, false)
	f.addUser("bob@example.com", 10, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addHost("host-b", model.PlatformMacOS, "bob")
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true) // 10: below the tier
	assert.Empty(t, f.inEffectRules("aaa"))

	f.mustVote("aaa", "bob@example.com", true) // 20: crosses it
	b := f.blockable("aaa")
	assert.Equal(t, model.StateApprovedForLocalAllow, b.State)

	rules := f.inEffectRules("aaa")
	require.Len(t, rules, 2)
	hosts := map[string]string{}
	for _, r := range rules {
		assert.Equal(t, model.PolicyAllow, r.Policy)
		assert.True(t, r.Local())
		hosts[r.HostID] = r.UserEmail
	}
	assert.Equal(t, "alice@example.com", hosts["host-a"])
	assert.Equal(t, "bob@example.com", hosts["host-b"])
}

func TestLocalAllowIsIdempotentPerTarget(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 20, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true)
	require.Len(t, f.inEffectRules("aaa"), 1)

	require.NoError(t, f.box.LocallyAllow(f.ctx, "aaa", []string{"alice@example.com"}))
	assert.Len(t, f.inEffectRules("aaa"), 1)
}

func TestGlobalAllowTransition(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 30, false)
	f.addUser("bob@example.com", 30, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true) // 30: local tier, host rule created
	f.mustVote("aaa", "bob@example.com", true)   // 60: global

	b := f.blockable("aaa")
	assert.Equal(t, model.StateGloballyAllowed, b.State)
	assert.Equal(t, int64(60), b.Score)

	rules := f.inEffectRules("aaa")
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyAllow, rules[0].Policy)
	assert.False(t, rules[0].Local())

	// Voting on a globally allowed blockable is closed.
	_, err := f.vote("aaa", "alice@example.com", false)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)
}

func TestBanTransition(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 30, false)
	f.addUser("eve@example.com", 90, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true) // 30
	f.mustVote("aaa", "eve@example.com", false)  // -60

	b := f.blockable("aaa")
	assert.Equal(t, model.StateBanned, b.State)
	assert.True(t, b.Flagged)

	rules := f.inEffectRules("aaa")
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyDeny, rules[0].Policy)
	assert.False(t, rules[0].Local())

	_, err := f.vote("aaa", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)
}

func TestDownvoteFlagsAndPrivilegedUpvoteClears(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 1, false)
	f.addUser("mod@example.com", 5, false, model.PermUnflag)
	f.addUser("carol@example.com", 1, false)
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", false)
	assert.True(t, f.blockable("aaa").Flagged)

	// A plain upvote does not clear the flag: the walk still reaches the
	// downvote first.
	f.mustVote("aaa", "carol@example.com", true)
	assert.True(t, f.blockable("aaa").Flagged)

	f.mustVote("aaa", "mod@example.com", true)
	assert.False(t, f.blockable("aaa").Flagged)
}

func TestFlagClearsWhenDownvoteWithdrawn(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 1, false)
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", false)
	assert.True(t, f.blockable("aaa").Flagged)

	f.mustVote("aaa", "alice@example.com", true)
	assert.False(t, f.blockable("aaa").Flagged)
}

func TestMarkMalwareDownvoteSetsSuspect(t *testing.T) {
	f := newFixture(t)
	f.addUser("analyst@example.com", 5, true, model.PermMarkMalware)
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "analyst@example.com", false)
	b := f.blockable("aaa")
	assert.Equal(t, model.StateSuspect, b.State)
	assert.True(t, b.Flagged)
}

func TestSuspectIsAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 50, false)
	f.addUser("admin@example.com", 10, true)
	b := f.addBinary("aaa", model.PlatformMacOS)
	b.State = model.StateSuspect
	require.NoError(t, f.store.PutBlockable(f.ctx, b))

	_, err := f.vote("aaa", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)

	// An admin without MARK_MALWARE may vote, but cannot lift the verdict.
	f.mustVote("aaa", "admin@example.com", true)
	assert.Equal(t, model.StateSuspect, f.blockable("aaa").State)
}

func TestMarkMalwareUpvoteLiftsSuspect(t *testing.T) {
	f := newFixture(t)
	f.addUser("analyst@example.com", 20, true, model.PermMarkMalware, model.PermUnflag)
	b := f.addBinary("aaa", model.PlatformMacOS)
	b.State = model.StateSuspect
	b.Flagged = true
	require.NoError(t, f.store.PutBlockable(f.ctx, b))

	f.mustVote("aaa", "analyst@example.com", true)
	got := f.blockable("aaa")
	assert.Equal(t, model.StateApprovedForLocalAllow, got.State)
	assert.False(t, got.Flagged)
}

func TestCertificateVotesAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addUser("admin@example.com", 5, true)
	f.addBlockable("cert-1", model.PlatformMacOS, model.RuleTypeCertificate)

	_, err := f.vote("cert-1", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)

	f.mustVote("cert-1", "admin@example.com", true)
	assert.Equal(t, int64(5), f.blockable("cert-1").Score)
}

func TestBundleDownvoteRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	f.addBlockable("bundle-1", model.PlatformMacOS, model.RuleTypePackage)

	_, err := f.vote("bundle-1", "alice@example.com", false)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)
}

func TestBundleWithFlaggedMemberRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 5, false)
	member := f.addBinary("bbb", model.PlatformMacOS)
	member.Flagged = true
	require.NoError(t, f.store.PutBlockable(f.ctx, member))

	bundle := f.addBlockable("bundle-1", model.PlatformMacOS, model.RuleTypePackage)
	bundle.Bundle.MemberIDs = []string{"bbb"}
	require.NoError(t, f.store.PutBlockable(f.ctx, bundle))

	_, err := f.vote("bundle-1", "alice@example.com", true)
	assert.ErrorIs(t, err, ErrOperationNotAllowed)
}

func TestWindowsBanStagesChangeSet(t *testing.T) {
	f := newFixture(t)
	f.addUser("eve@example.com", 30, false)
	f.addBinary("win-1", model.PlatformWindows)

	f.mustVote("win-1", "eve@example.com", false)
	assert.Equal(t, model.StateBanned, f.blockable("win-1").State)

	changes, err := f.store.ChangeSetsByBlockable(f.ctx, "win-1", 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, model.PolicyDeny, changes[0].ChangeType)
	require.Len(t, changes[0].RuleIDs, 1)

	pending := f.tasks.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, taskqueue.QueueCommitChange, pending[0].Queue)
	assert.Equal(t, "win-1", pending[0].Key)
}

func TestMacOSVoteStagesNothing(t *testing.T) {
	f := newFixture(t)
	f.addUser("eve@example.com", 30, false)
	f.addBinary("mac-1", model.PlatformMacOS)

	f.mustVote("mac-1", "eve@example.com", false)

	changes, err := f.store.ChangeSetsByBlockable(f.ctx, "mac-1", 10)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Empty(t, f.tasks.Pending())
}

func TestRecountClearsDriftedFlag(t *testing.T) {
	f := newFixture(t)
	b := f.addBinary("aaa", model.PlatformMacOS)
	b.Flagged = true
	require.NoError(t, f.store.PutBlockable(f.ctx, b))

	changed, err := f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.blockable("aaa").Flagged)

	changed, err = f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRecountRestoresMissingGlobalRule(t *testing.T) {
	f := newFixture(t)
	b := f.addBinary("aaa", model.PlatformMacOS)
	b.State = model.StateGloballyAllowed
	b.Score = 60
	require.NoError(t, f.store.PutBlockable(f.ctx, b))

	_, err := f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)

	rules := f.inEffectRules("aaa")
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyAllow, rules[0].Policy)
	assert.False(t, rules[0].Local())
	require.Len(t, f.sink.RowsFor(analytics.TableRule), 1, "repaired rule gets a rule row")

	// A second recount must not mint a second rule.
	_, err = f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)
	assert.Len(t, f.inEffectRules("aaa"), 1)
	assert.Len(t, f.sink.RowsFor(analytics.TableRule), 1)
}

func TestRecountSuspectAudit(t *testing.T) {
	f := newFixture(t)
	f.addUser("analyst@example.com", 20, true, model.PermMarkMalware)
	b := f.addBinary("aaa", model.PlatformMacOS)
	b.State = model.StateSuspect
	b.Score = 20
	b.Flagged = true
	require.NoError(t, f.store.PutBlockable(f.ctx, b))

	downvote := &model.Vote{
		BlockableID: "aaa", UserEmail: "analyst@example.com", VoteID: model.InEffectVoteID,
		WasYes: false, Weight: 20, RecordedDt: f.now,
	}
	require.NoError(t, f.store.PutVote(f.ctx, downvote))

	// Newest authoritative vote is a downvote: SUSPECT stands.
	changed, err := f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.StateSuspect, f.blockable("aaa").State)

	// Replace it with an upvote: the audit re-evaluates the thresholds.
	upvote := *downvote
	upvote.WasYes = true
	upvote.RecordedDt = f.now.Add(time.Minute)
	require.NoError(t, f.store.PutVote(f.ctx, &upvote))

	changed, err = f.box.Recount(f.ctx, "aaa")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StateApprovedForLocalAllow, f.blockable("aaa").State)
}

func TestResetArchivesEverything(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 30, false)
	f.addUser("bob@example.com", 30, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addBinary("aaa", model.PlatformMacOS)

	f.mustVote("aaa", "alice@example.com", true)
	f.mustVote("aaa", "bob@example.com", true)
	require.Equal(t, model.StateGloballyAllowed, f.blockable("aaa").State)

	require.NoError(t, f.box.Reset(f.ctx, "aaa"))

	b := f.blockable("aaa")
	assert.Equal(t, model.StateUntrusted, b.State)
	assert.Equal(t, int64(0), b.Score)
	assert.False(t, b.Flagged)

	votes, err := f.store.VotesByBlockable(f.ctx, "aaa")
	require.NoError(t, err)
	assert.Empty(t, votes, "no vote should remain in effect")
	all, err := f.store.AllVotesByBlockable(f.ctx, "aaa")
	require.NoError(t, err)
	assert.Len(t, all, 2, "archived votes are retained")

	rules := f.inEffectRules("aaa")
	require.Len(t, rules, 1)
	assert.Equal(t, model.PolicyRemove, rules[0].Policy)
	assert.False(t, rules[0].Local())

	assert.Equal(t, 1, f.sink.CountAction(analytics.TableBinary, analytics.ActionReset))
}

func TestResetWindowsEmitsPerHostRemoves(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 20, false)
	f.addHost("host-w1", model.PlatformWindows, "", "alice")
	f.addHost("host-w2", model.PlatformWindows, "", "alice")
	f.addBinary("win-1", model.PlatformWindows)

	f.mustVote("win-1", "alice@example.com", true)
	require.Len(t, f.inEffectRules("win-1"), 2)

	require.NoError(t, f.box.Reset(f.ctx, "win-1"))

	var removes []*model.Rule
	for _, r := range f.inEffectRules("win-1") {
		if r.Policy == model.PolicyRemove {
			removes = append(removes, r)
		}
	}
	require.Len(t, removes, 2)
	seen := map[string]bool{}
	for _, r := range removes {
		seen[r.HostID] = true
	}
	assert.True(t, seen["host-w1"] && seen["host-w2"])

	changes, err := f.store.ChangeSetsByBlockable(f.ctx, "win-1", 10)
	require.NoError(t, err)
	var removeChanges int
	for _, cs := range changes {
		if cs.ChangeType == model.PolicyRemove {
			removeChanges++
		}
	}
	assert.Equal(t, 1, removeChanges)
}

func TestResetRejectsBundles(t *testing.T) {
	f := newFixture(t)
	f.addBlockable("bundle-1", model.PlatformMacOS, model.RuleTypePackage)

	err := f.box.Reset(f.ctx, "bundle-1")
	assert.ErrorIs(t, err, ErrOperationNotAllowed)
}

func TestStrongestVote(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 10, false)
	f.addUser("eve@example.com", 10, false)
	f.addBinary("aaa", model.PlatformMacOS)

	v, err := f.box.StrongestVote(f.ctx, "aaa")
	require.NoError(t, err)
	assert.Nil(t, v)

	f.mustVote("aaa", "alice@example.com", true)
	f.mustVote("aaa", "eve@example.com", false)

	v, err = f.box.StrongestVote(f.ctx, "aaa")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.False(t, v.WasYes, "downvote wins a weight tie")
}

func TestHandleLocalAllowTask(t *testing.T) {
	f := newFixture(t)
	f.addUser("alice@example.com", 20, false)
	f.addHost("host-a", model.PlatformMacOS, "alice")
	f.addBinary("aaa", model.PlatformMacOS)

	err := f.box.HandleLocalAllowTask(f.ctx, taskqueue.Task{
		Queue:   taskqueue.QueueLocalAllow,
		Payload: []byte(`{"blockable_id":"aaa","user_emails":["alice@example.com"]}`),
	})
	require.NoError(t, err)
	assert.Len(t, f.inEffectRules("aaa"), 1)

	err = f.box.HandleLocalAllowTask(f.ctx, taskqueue.Task{Payload: []byte("not json")})
	assert.ErrorIs(t, err, taskqueue.ErrPermanent)
}

// Random vote sequences must preserve the core invariants: the stored score
// matches a recount, each voter holds at most one in-effect vote, the state
// agrees with the thresholds, and the rule set is coherent with the state.
func TestVoteSequenceInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	weights := []int64{1, 5, 10, 26, 30}

	type voteOp struct {
		User int
		Yes  bool
	}
	genOp := gopter.CombineGens(gen.IntRange(0, len(weights)-1), gen.Bool()).Map(
		func(vals []interface{}) voteOp {
			return voteOp{User: vals[0].(int), Yes: vals[1].(bool)}
		})

	properties.Property("invariants hold", prop.ForAll(
		func(ops []voteOp) bool {
			f := newFixture(t)
			for i, w := range weights {
				f.addUser(fmt.Sprintf("user%d@example.com", i), w, false)
			}
			f.addBinary("aaa", model.PlatformMacOS)

			for _, op := range ops {
				_, err := f.vote("aaa", fmt.Sprintf("user%d@example.com", op.User), op.Yes)
				if err != nil && !errors.Is(err, ErrDuplicateVote) && !errors.Is(err, ErrOperationNotAllowed) {
					return false
				}
			}

			b := f.blockable("aaa")
			votes, err := f.store.VotesByBlockable(f.ctx, "aaa")
			if err != nil {
				return false
			}
			if b.Score != Score(votes) {
				return false
			}
			perUser := map[string]int{}
			for _, v := range votes {
				perUser[v.UserEmail]++
				if perUser[v.UserEmail] > 1 {
					return false
				}
			}
			if b.State != DefaultThresholds().StateForScore(b.Score) {
				return false
			}

			rules := f.inEffectRules("aaa")
			switch {
			case b.State.InBannedFamily():
				for _, r := range rules {
					if r.Policy == model.PolicyAllow {
						return false
					}
				}
			case b.State == model.StateGloballyAllowed:
				globals := 0
				for _, r := range rules {
					if r.Policy == model.PolicyDeny {
						return false
					}
					if r.Policy == model.PolicyAllow && !r.Local() {
						globals++
					}
				}
				if globals != 1 {
					return false
				}
			}

			downvoted := false
			for _, v := range votes {
				if !v.WasYes {
					downvoted = true
				}
			}
			return b.Flagged == downvoted
		},
		gen.SliceOf(genOp)))

	properties.TestingRun(t)
}
