package voting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// The flag law, as a table. Votes are listed oldest first; the walk runs
// newest first.
func TestCheckFlagStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	require.NoError(t, s.PutUser(ctx, &model.User{Email: "plain@example.com"}))
	require.NoError(t, s.PutUser(ctx, &model.User{
		Email: "mod@example.com", Permissions: []model.Permission{model.PermUnflag},
	}))

	type v struct {
		email string
		yes   bool
	}
	cases := []struct {
		name        string
		votes       []v
		flagged     bool
		wantFlagged bool
		wantChanged bool
	}{
		{
			name:        "no votes clears stale flag",
			votes:       nil,
			flagged:     true,
			wantFlagged: false,
			wantChanged: true,
		},
		{
			name:        "downvote sets flag",
			votes:       []v{{"plain@example.com", false}},
			wantFlagged: true,
			wantChanged: true,
		},
		{
			name:        "plain upvote after downvote keeps flag",
			votes:       []v{{"plain@example.com", false}, {"plain@example.com", true}},
			wantFlagged: true,
			wantChanged: true,
		},
		{
			name:        "unflagger upvote after downvote keeps flag down",
			votes:       []v{{"plain@example.com", false}, {"mod@example.com", true}},
			wantFlagged: false,
			wantChanged: false,
		},
		{
			name:        "downvote after unflagger upvote re-flags",
			votes:       []v{{"mod@example.com", true}, {"plain@example.com", false}},
			wantFlagged: true,
			wantChanged: true,
		},
		{
			name:        "flag already set stays set",
			votes:       []v{{"plain@example.com", false}},
			flagged:     true,
			wantFlagged: true,
			wantChanged: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &model.Blockable{ID: "aaa", Flagged: tc.flagged}
			base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			var votes []*model.Vote
			for i, vv := range tc.votes {
				votes = append(votes, &model.Vote{
					BlockableID: "aaa",
					UserEmail:   vv.email,
					VoteID:      model.InEffectVoteID,
					WasYes:      vv.yes,
					Weight:      1,
					RecordedDt:  base.Add(time.Duration(i) * time.Minute),
				})
			}

			changed, err := CheckFlagStatus(ctx, s, b, votes)
			require.NoError(t, err)
			assert.Equal(t, tc.wantChanged, changed)
			assert.Equal(t, tc.wantFlagged, b.Flagged)
		})
	}
}
