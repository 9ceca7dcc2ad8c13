package voting

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/binauthz/ballotbox/internal/model"
)

func TestStateForScore(t *testing.T) {
	th := DefaultThresholds()

	cases := []struct {
		score int64
		want  model.State
	}{
		{-100, model.StateBanned},
		{-27, model.StateBanned},
		{-26, model.StateBanned},
		{-25, model.StateUntrusted},
		{-1, model.StateUntrusted},
		{0, model.StateUntrusted},
		{14, model.StateUntrusted},
		{15, model.StateApprovedForLocalAllow},
		{49, model.StateApprovedForLocalAllow},
		{50, model.StateGloballyAllowed},
		{1000, model.StateGloballyAllowed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, th.StateForScore(tc.score), "score %d", tc.score)
	}
}

func TestStateForScoreLocalAllowDisabled(t *testing.T) {
	th := Thresholds{Ban: -26, LocalAllow: 0, GlobalAllow: 50}

	assert.Equal(t, model.StateUntrusted, th.StateForScore(15))
	assert.Equal(t, model.StateUntrusted, th.StateForScore(49))
	assert.Equal(t, model.StateGloballyAllowed, th.StateForScore(50))
}

func TestScoreSkipsArchivedVotes(t *testing.T) {
	now := time.Now()
	votes := []*model.Vote{
		{VoteID: model.InEffectVoteID, WasYes: true, Weight: 10, RecordedDt: now},
		{VoteID: model.InEffectVoteID, WasYes: false, Weight: 3, RecordedDt: now},
		{VoteID: "archived-1", WasYes: true, Weight: 100, RecordedDt: now},
	}
	assert.Equal(t, int64(7), Score(votes))
}

func TestDeltaScore(t *testing.T) {
	up := &model.Vote{VoteID: model.InEffectVoteID, WasYes: true, Weight: 10}
	down := &model.Vote{VoteID: model.InEffectVoteID, WasYes: false, Weight: 4}

	assert.Equal(t, int64(10), DeltaScore(0, nil, up))
	assert.Equal(t, int64(-14), DeltaScore(0, up, down))
	assert.Equal(t, int64(20), DeltaScore(6, down, up))
	assert.Equal(t, int64(6), DeltaScore(6, nil, nil))
}

func genVote() gopter.Gen {
	return gopter.CombineGens(gen.Int64Range(0, 100), gen.Bool()).Map(
		func(vals []interface{}) *model.Vote {
			return &model.Vote{
				VoteID: model.InEffectVoteID,
				Weight: vals[0].(int64),
				WasYes: vals[1].(bool),
			}
		})
}

// DeltaScore must agree with a full recount over the post-commit vote set.
func TestDeltaScoreMatchesRecount(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("delta equals recount", prop.ForAll(
		func(committed []*model.Vote, replacement *model.Vote) bool {
			var old *model.Vote
			rest := committed
			if len(committed) > 0 {
				old = committed[0]
				rest = committed[1:]
			}
			delta := DeltaScore(Score(committed), old, replacement)
			full := Score(append(append([]*model.Vote(nil), rest...), replacement))
			return delta == full
		},
		gen.SliceOf(genVote()), genVote()))

	properties.TestingRun(t)
}

func TestStateForScoreBands(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)
	th := DefaultThresholds()

	properties.Property("state matches its band", prop.ForAll(
		func(score int64) bool {
			switch th.StateForScore(score) {
			case model.StateBanned:
				return score <= th.Ban
			case model.StateGloballyAllowed:
				return score >= th.GlobalAllow
			case model.StateApprovedForLocalAllow:
				return score >= th.LocalAllow && score < th.GlobalAllow
			case model.StateUntrusted:
				return score > th.Ban && score < th.LocalAllow
			default:
				return false
			}
		},
		gen.Int64Range(-500, 500)))

	properties.TestingRun(t)
}
