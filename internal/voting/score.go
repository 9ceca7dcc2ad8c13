package voting

import "github.com/binauthz/ballotbox/internal/model"

// Score sums the signed weights of the given in-effect votes.
func Score(votes []*model.Vote) int64 {
	var total int64
	for _, v := range votes {
		if v.InEffect() {
			total += v.EffectiveWeight()
		}
	}
	return total
}

// DeltaScore computes the score a blockable will have after the commit,
// from its committed score and the vote being replaced. The transaction
// cannot re-query its own writes, so the new score is always derived this
// way rather than re-counted.
func DeltaScore(committed int64, old, new *model.Vote) int64 {
	next := committed
	if old != nil {
		next -= old.EffectiveWeight()
	}
	if new != nil {
		next += new.EffectiveWeight()
	}
	return next
}
