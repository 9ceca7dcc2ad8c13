package voting

import (
	"context"
	"sort"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// CheckFlagStatus reconciles the blockable's flagged bit against the given
// in-effect votes, mutating b in place. It returns true if the bit changed.
//
// A blockable should be flagged exactly when it carries a downvote that no
// later upvote from an UNFLAG-privileged user has cleared. The walk goes
// newest vote first: an upvote from an unflagger ends the walk with the bit
// clear, any downvote reached first sets it.
//
// Callers supply the vote set because inside the vote transaction the
// committed index is stale: the just-buffered vote must be spliced in and
// its superseded predecessor dropped before the walk.
func CheckFlagStatus(ctx context.Context, tx store.Txn, b *model.Blockable, votes []*model.Vote) (bool, error) {
	downvoted := false
	for _, v := range votes {
		if !v.WasYes {
			downvoted = true
			break
		}
	}

	switch {
	case downvoted && !b.Flagged:
		sorted := append([]*model.Vote(nil), votes...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].RecordedDt.After(sorted[j].RecordedDt)
		})
		for _, v := range sorted {
			if v.WasYes {
				voter, err := tx.GetUser(ctx, v.UserEmail)
				if err != nil {
					return false, err
				}
				if voter.HasPermission(model.PermUnflag) {
					// An unflagger has vouched for everything older.
					return false, nil
				}
				continue
			}
			b.Flagged = true
			return true, nil
		}
		return false, nil

	case !downvoted && b.Flagged:
		b.Flagged = false
		return true, nil
	}
	return false, nil
}
