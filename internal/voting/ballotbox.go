// Package voting implements the ballot box: weighted social voting on
// blockables, the score-driven state machine, and the rule synthesis that
// turns state into enforceable policy.
package voting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
)

// BallotBox applies votes, recounts, and resets to blockables. All state
// mutation happens inside store transactions; side effects (analytics rows,
// change-set commit tasks) are registered as on-commit hooks so they fire
// exactly once, after persistence.
type BallotBox struct {
	store      store.Store
	sink       analytics.Sink
	deferrer   taskqueue.Deferrer
	thresholds Thresholds
	metrics    *Metrics
	logger     *log.Logger

	// Clock is injectable for tests; vote ordering leans on distinct
	// timestamps.
	Clock func() time.Time
}

func New(s store.Store, sink analytics.Sink, deferrer taskqueue.Deferrer, thresholds Thresholds) *BallotBox {
	return &BallotBox{
		store:      s,
		sink:       sink,
		deferrer:   deferrer,
		thresholds: thresholds,
		metrics:    NewMetrics(),
		logger:     log.New(log.Writer(), "[BallotBox] ", log.LstdFlags),
		Clock:      time.Now,
	}
}

// commitPayload is the body of a change-set commit task.
type commitPayload struct {
	BlockableID string `json:"blockable_id"`
}

// localAllowPayload is the body of a local-rule-creation retry task.
type localAllowPayload struct {
	BlockableID string   `json:"blockable_id"`
	UserEmails  []string `json:"user_emails"`
}

// VoteResult reports the outcome of a cast vote.
type VoteResult struct {
	Vote      *model.Vote
	Blockable *model.Blockable
}

// Vote casts (or flips) userEmail's vote on the blockable. weight overrides
// the voter's default weight when non-nil; it must be non-negative.
func (bb *BallotBox) Vote(ctx context.Context, blockableID, userEmail string, wasYes bool, weight *int64) (*VoteResult, error) {
	voter, err := bb.store.GetUser(ctx, userEmail)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userEmail)
		}
		return nil, err
	}

	voteWeight := voter.VoteWeight
	if weight != nil {
		voteWeight = *weight
	}
	if voteWeight < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWeight, voteWeight)
	}

	b, err := bb.getBlockable(ctx, bb.store, blockableID)
	if err != nil {
		return nil, err
	}
	ops, err := opsFor(b.Platform)
	if err != nil {
		return nil, err
	}

	bb.logger.Printf("Vote (blockable=%s user=%s yes=%t weight=%d)",
		blockableID, userEmail, wasYes, voteWeight)

	// The bundle-member check scans other entity groups, so it cannot run
	// inside the vote transaction.
	if b.Kind == model.RuleTypePackage {
		if err := bb.checkBundleMembers(ctx, b); err != nil {
			return nil, err
		}
	}

	initialScore, initialState := b.Score, b.State

	var result VoteResult
	err = bb.store.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
		// Re-read on every attempt so retries see fresh state.
		b, err := bb.getBlockable(ctx, tx, blockableID)
		if err != nil {
			return err
		}
		if err := checkVotingAllowed(b, voter); err != nil {
			return err
		}
		if b.Kind == model.RuleTypePackage && !wasYes {
			return fmt.Errorf("%w: downvoting a bundle", ErrOperationNotAllowed)
		}
		now := bb.Clock()

		old, newVote, err := bb.createOrUpdateVote(ctx, tx, b, voter, wasYes, voteWeight, now)
		if err != nil {
			return err
		}
		newScore := DeltaScore(b.Score, old, newVote)

		var created []*model.Rule
		if wasYes {
			if b.Flagged {
				if voter.HasPermission(model.PermUnflag) {
					b.Flagged = false
				} else {
					votes, err := bb.effectiveVotes(ctx, tx, b, voter.Email, newVote)
					if err != nil {
						return err
					}
					if _, err := CheckFlagStatus(ctx, tx, b, votes); err != nil {
						return err
					}
				}
			}
			// SUSPECT sticks unless the voter can overrule it.
			if b.State != model.StateSuspect || voter.HasPermission(model.PermMarkMalware) {
				created, err = bb.evaluate(ctx, tx, b, newScore, now)
				if err != nil {
					return err
				}
			}
		} else {
			b.Flagged = true
			created, err = bb.evaluate(ctx, tx, b, newScore, now)
			if err != nil {
				return err
			}
			if voter.HasPermission(model.PermMarkMalware) && !b.State.InBannedFamily() {
				bb.changeState(tx, b, model.StateSuspect, newScore, now)
			}
		}

		b.Score = newScore
		b.UpdatedDt = now
		if err := tx.PutBlockable(ctx, b); err != nil {
			return err
		}

		if ops.deferredCommit && len(created) > 0 {
			if err := bb.stageChangeSet(ctx, tx, b.ID, created, now); err != nil {
				return err
			}
		}

		result = VoteResult{Vote: newVote, Blockable: b}
		return nil
	})
	if err != nil {
		return nil, err
	}

	b = result.Blockable
	if b.Score != initialScore {
		bb.logger.Printf("Blockable %s score %d -> %d", b.ID, initialScore, b.Score)
		bb.sink.Insert(analytics.BlockableRow(
			tableFor(b.Kind), analytics.ActionScoreChange, b.ID, b.State.String(), b.Score, b.UpdatedDt, nil))
	}
	if b.State != initialState {
		bb.logger.Printf("Blockable %s state %s -> %s", b.ID, initialState, b.State)
	}

	// Local allow rules need host scans, which are barred from the vote
	// transaction, so they are materialized here.
	if b.State == model.StateApprovedForLocalAllow {
		var emails []string
		switch {
		case initialState != b.State:
			emails, err = bb.upvoterEmails(ctx, blockableID)
			if err != nil {
				return nil, err
			}
		case wasYes:
			emails = []string{voter.Email}
		}
		if len(emails) > 0 {
			if err := bb.LocallyAllow(ctx, blockableID, emails); err != nil {
				bb.logger.Printf("Local allow for %s failed, deferring retry: %v", blockableID, err)
				bb.deferLocalAllow(ctx, blockableID, emails)
			}
		}
	}

	return &result, nil
}

// Recount audits a blockable's flag, state, and rules against its votes,
// repairing whatever drifted. Returns true if the blockable changed.
func (bb *BallotBox) Recount(ctx context.Context, blockableID string) (bool, error) {
	pre, err := bb.getBlockable(ctx, bb.store, blockableID)
	if err != nil {
		return false, err
	}
	ops, err := opsFor(pre.Platform)
	if err != nil {
		return false, err
	}
	bb.logger.Printf("Recount for blockable %s", blockableID)

	changed := false
	err = bb.store.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
		changed = false
		b, err := bb.getBlockable(ctx, tx, blockableID)
		if err != nil {
			return err
		}
		now := bb.Clock()

		votes, err := tx.VotesByBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		flagChanged, err := CheckFlagStatus(ctx, tx, b, votes)
		if err != nil {
			return err
		}
		stateCreated, stateChanged, err := bb.auditState(ctx, tx, b, votes, now)
		if err != nil {
			return err
		}
		repairCreated, _, err := repairRules(ctx, tx, b, stateCreated, now)
		if err != nil {
			return err
		}
		bb.emitRuleRows(tx, b, repairCreated, now)

		changed = flagChanged || stateChanged
		if changed {
			b.UpdatedDt = now
			if err := tx.PutBlockable(ctx, b); err != nil {
				return err
			}
		}

		created := append(stateCreated, repairCreated...)
		if ops.deferredCommit && len(created) > 0 {
			if err := bb.stageChangeSet(ctx, tx, b.ID, created, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	bb.metrics.Recounts.WithLabelValues(strconv.FormatBool(changed)).Inc()
	return changed, nil
}

// Reset wipes all policy for a blockable: votes are archived, every rule is
// disabled, REMOVE rules retract whatever had been pushed, and the blockable
// returns to UNTRUSTED with score zero.
func (bb *BallotBox) Reset(ctx context.Context, blockableID string) error {
	pre, err := bb.getBlockable(ctx, bb.store, blockableID)
	if err != nil {
		return err
	}
	ops, err := opsFor(pre.Platform)
	if err != nil {
		return err
	}
	if pre.Kind == model.RuleTypePackage {
		return fmt.Errorf("%w: bundles cannot be reset", ErrOperationNotAllowed)
	}
	bb.logger.Printf("Resetting blockable %s", blockableID)

	err = bb.store.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
		b, err := bb.getBlockable(ctx, tx, blockableID)
		if err != nil {
			return err
		}
		now := bb.Clock()

		// Archive every in-effect vote under a fresh sub-id.
		votes, err := tx.VotesByBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		if err := tx.DeleteVotes(ctx, votes); err != nil {
			return err
		}
		archived := make([]*model.Vote, len(votes))
		for i, v := range votes {
			a := *v
			a.VoteID = uuid.NewString()
			archived[i] = &a
		}
		if err := tx.PutVotes(ctx, archived); err != nil {
			return err
		}

		rules, err := tx.RulesByBlockable(ctx, blockableID, true)
		if err != nil {
			return err
		}
		for _, r := range rules {
			r.MarkDisabled(now)
		}
		if err := tx.PutRules(ctx, rules); err != nil {
			return err
		}
		created, err := removeRulesFor(ctx, tx, b, rules, now)
		if err != nil {
			return err
		}
		bb.emitRuleRows(tx, b, created, now)

		b.Score = 0
		b.Flagged = false
		b.ChangeState(model.StateUntrusted, now)
		b.UpdatedDt = now
		if err := tx.PutBlockable(ctx, b); err != nil {
			return err
		}

		row := analytics.BlockableRow(
			tableFor(b.Kind), analytics.ActionReset, b.ID, b.State.String(), 0, now, nil)
		tx.OnCommit(func() {
			bb.sink.Insert(row)
			bb.metrics.Resets.Inc()
		})

		if ops.deferredCommit && len(created) > 0 {
			if err := bb.stageChangeSet(ctx, tx, b.ID, created, now); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// LocallyAllow creates any missing local ALLOW rules for the given users on
// their associated hosts. Host association is looked up outside the
// transaction.
func (bb *BallotBox) LocallyAllow(ctx context.Context, blockableID string, userEmails []string) error {
	b, err := bb.getBlockable(ctx, bb.store, blockableID)
	if err != nil {
		return err
	}
	ops, err := opsFor(b.Platform)
	if err != nil {
		return err
	}

	var targets []localTarget
	for _, email := range userEmails {
		u, err := bb.store.GetUser(ctx, email)
		if err != nil {
			return err
		}
		hostIDs, err := ops.selectHosts(ctx, bb.store, u)
		if err != nil {
			return err
		}
		bb.logger.Printf("Locally allowing %s for %s on hosts %v", blockableID, email, hostIDs)
		for _, id := range hostIDs {
			targets = append(targets, localTarget{UserEmail: email, HostID: id})
		}
	}
	if len(targets) == 0 {
		return nil
	}

	return bb.store.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
		b, err := bb.getBlockable(ctx, tx, blockableID)
		if err != nil {
			return err
		}
		now := bb.Clock()
		created, err := createMissingLocalAllows(ctx, tx, b, targets, now)
		if err != nil {
			return err
		}
		bb.emitRuleRows(tx, b, created, now)
		if ops.deferredCommit && len(created) > 0 {
			if err := bb.stageChangeSet(ctx, tx, b.ID, created, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// HandleLocalAllowTask is the task-queue entry point for deferred local-rule
// creation retries.
func (bb *BallotBox) HandleLocalAllowTask(ctx context.Context, task taskqueue.Task) error {
	var p localAllowPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("%w: bad local-allow payload: %v", taskqueue.ErrPermanent, err)
	}
	return bb.LocallyAllow(ctx, p.BlockableID, p.UserEmails)
}

// upvoterEmails lists the voters whose in-effect vote is a yes. Runs after
// the vote transaction commits, so the index is fresh.
func (bb *BallotBox) upvoterEmails(ctx context.Context, blockableID string) ([]string, error) {
	votes, err := bb.store.VotesByBlockable(ctx, blockableID)
	if err != nil {
		return nil, err
	}
	var emails []string
	for _, v := range votes {
		if v.WasYes {
			emails = append(emails, v.UserEmail)
		}
	}
	return emails, nil
}

// StrongestVote returns the in-effect vote with the largest weight,
// preferring downvotes on a tie. Nil when there are no votes.
func (bb *BallotBox) StrongestVote(ctx context.Context, blockableID string) (*model.Vote, error) {
	votes, err := bb.store.VotesByBlockable(ctx, blockableID)
	if err != nil {
		return nil, err
	}
	var strongest *model.Vote
	for _, v := range votes {
		switch {
		case strongest == nil:
			strongest = v
		case v.Weight > strongest.Weight:
			strongest = v
		case v.Weight == strongest.Weight && !v.WasYes && strongest.WasYes:
			strongest = v
		}
	}
	return strongest, nil
}

func (bb *BallotBox) getBlockable(ctx context.Context, q store.Txn, id string) (*model.Blockable, error) {
	b, err := q.GetBlockable(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			return nil, fmt.Errorf("%w: blockable %s", ErrNotFound, id)
		}
		return nil, err
	}
	return b, nil
}

// checkVotingAllowed enforces the state and privilege gates on voting.
func checkVotingAllowed(b *model.Blockable, voter *model.User) error {
	if b.State.VotingProhibited() {
		return fmt.Errorf("%w: blockable is %s", ErrOperationNotAllowed, b.State)
	}
	if b.State.AdminOnlyVotable() && !voter.IsAdmin {
		return fmt.Errorf("%w: only admins may vote on a %s blockable", ErrOperationNotAllowed, b.State)
	}
	if b.Kind == model.RuleTypeCertificate && !voter.IsAdmin {
		return fmt.Errorf("%w: only admins may vote on certificates", ErrOperationNotAllowed)
	}
	return nil
}

// checkBundleMembers rejects votes on bundles that contain a flagged binary
// or a binary signed by a flagged certificate.
func (bb *BallotBox) checkBundleMembers(ctx context.Context, b *model.Blockable) error {
	if b.Bundle == nil {
		return nil
	}
	for _, memberID := range b.Bundle.MemberIDs {
		member, err := bb.store.GetBlockable(ctx, memberID)
		if err != nil {
			if errors.Is(err, store.ErrNoSuchEntity) {
				continue
			}
			return err
		}
		if member.Flagged {
			return fmt.Errorf("%w: bundle member %s is flagged", ErrOperationNotAllowed, memberID)
		}
		if member.Binary != nil && member.Binary.CertFingerprint != "" {
			cert, err := bb.store.GetBlockable(ctx, member.Binary.CertFingerprint)
			if err != nil {
				if errors.Is(err, store.ErrNoSuchEntity) {
					continue
				}
				return err
			}
			if cert.Flagged {
				return fmt.Errorf("%w: bundle member cert %s is flagged", ErrOperationNotAllowed, cert.ID)
			}
		}
	}
	return nil
}

// createOrUpdateVote archives any opposite-polarity predecessor and writes
// the new in-effect vote.
func (bb *BallotBox) createOrUpdateVote(ctx context.Context, tx store.Txn, b *model.Blockable, voter *model.User, wasYes bool, weight int64, now time.Time) (*model.Vote, *model.Vote, error) {
	old, err := tx.GetVote(ctx, b.ID, voter.Email, model.InEffectVoteID)
	if err != nil {
		if !errors.Is(err, store.ErrNoSuchEntity) {
			return nil, nil, err
		}
		old = nil
	}
	if old != nil {
		if old.WasYes == wasYes {
			return nil, nil, fmt.Errorf("%w: %s already cast a yes=%t vote on %s",
				ErrDuplicateVote, voter.Email, wasYes, b.ID)
		}
		archived := *old
		archived.VoteID = uuid.NewString()
		if err := tx.PutVote(ctx, &archived); err != nil {
			return nil, nil, err
		}
	}

	newVote := &model.Vote{
		BlockableID:   b.ID,
		UserEmail:     voter.Email,
		VoteID:        model.InEffectVoteID,
		WasYes:        wasYes,
		Weight:        weight,
		CandidateType: b.Kind,
		RecordedDt:    now,
	}
	if err := tx.PutVote(ctx, newVote); err != nil {
		return nil, nil, err
	}

	row := analytics.VoteRow(b.ID, wasYes, weight, voter.Email, b.Platform.String(), b.Kind.String(), now)
	platform, upvote := b.Platform.String(), strconv.FormatBool(wasYes)
	tx.OnCommit(func() {
		bb.sink.Insert(row)
		bb.metrics.VotesCast.WithLabelValues(platform, upvote).Inc()
	})
	return old, newVote, nil
}

// effectiveVotes assembles the in-effect vote set as it will exist after
// commit: the committed votes minus the caster's superseded vote, plus the
// just-buffered one.
func (bb *BallotBox) effectiveVotes(ctx context.Context, tx store.Txn, b *model.Blockable, casterEmail string, newVote *model.Vote) ([]*model.Vote, error) {
	committed, err := tx.VotesByBlockable(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	votes := make([]*model.Vote, 0, len(committed)+1)
	for _, v := range committed {
		if v.UserEmail != casterEmail {
			votes = append(votes, v)
		}
	}
	return append(votes, newVote), nil
}

// evaluate runs the threshold machine against score and applies whatever
// transition (and rule synthesis) it demands.
func (bb *BallotBox) evaluate(ctx context.Context, tx store.Txn, b *model.Blockable, score int64, now time.Time) ([]*model.Rule, error) {
	switch next := bb.thresholds.StateForScore(score); next {
	case model.StateGloballyAllowed:
		if b.State != model.StateGloballyAllowed {
			bb.changeState(tx, b, next, score, now)
			created, err := globallyAllow(ctx, tx, b, nil, now)
			if err != nil {
				return nil, err
			}
			bb.emitRuleRows(tx, b, created, now)
			return created, nil
		}
	case model.StateApprovedForLocalAllow:
		if b.State != model.StateApprovedForLocalAllow {
			bb.changeState(tx, b, next, score, now)
		}
	case model.StateBanned:
		if !b.State.InBannedFamily() {
			bb.changeState(tx, b, next, score, now)
			created, err := ban(ctx, tx, b, nil, now)
			if err != nil {
				return nil, err
			}
			bb.emitRuleRows(tx, b, created, now)
			return created, nil
		}
	default:
		if b.State != model.StateUntrusted {
			bb.changeState(tx, b, model.StateUntrusted, score, now)
		}
	}
	return nil, nil
}

// auditState validates the blockable's state against its votes during a
// recount. A SUSPECT verdict stands only while the newest authoritative vote
// is a downvote.
func (bb *BallotBox) auditState(ctx context.Context, tx store.Txn, b *model.Blockable, votes []*model.Vote, now time.Time) ([]*model.Rule, bool, error) {
	if b.State != model.StateSuspect {
		before := b.State
		created, err := bb.evaluate(ctx, tx, b, b.Score, now)
		return created, b.State != before, err
	}

	sorted := append([]*model.Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RecordedDt.After(sorted[j].RecordedDt)
	})
	for _, v := range sorted {
		voter, err := tx.GetUser(ctx, v.UserEmail)
		if err != nil {
			return nil, false, err
		}
		if voter.HasPermission(model.PermMarkMalware) {
			if !v.WasYes {
				// The suspicion is backed by an authoritative downvote.
				return nil, false, nil
			}
			bb.logger.Printf("Blockable %s suspect but latest authoritative vote is yes, re-evaluating", b.ID)
			break
		}
	}
	before := b.State
	created, err := bb.evaluate(ctx, tx, b, b.Score, now)
	return created, b.State != before, err
}

func (bb *BallotBox) changeState(tx store.Txn, b *model.Blockable, next model.State, score int64, now time.Time) {
	bb.logger.Printf("Setting state for blockable %s to %s", b.ID, next)
	b.ChangeState(next, now)
	row := analytics.BlockableRow(
		tableFor(b.Kind), analytics.ActionStateChange, b.ID, next.String(), score, now, nil)
	state := next.String()
	tx.OnCommit(func() {
		bb.sink.Insert(row)
		bb.metrics.StateTransitions.WithLabelValues(state).Inc()
	})
}

// stageChangeSet persists a ChangeSet for the created rules in the current
// transaction and schedules its commit once the transaction lands.
func (bb *BallotBox) stageChangeSet(ctx context.Context, tx store.Txn, blockableID string, rules []*model.Rule, now time.Time) error {
	ruleIDs := make([]string, len(rules))
	for i, r := range rules {
		ruleIDs[i] = r.RuleID
	}
	cs := &model.ChangeSet{
		BlockableID: blockableID,
		ChangeID:    uuid.NewString(),
		RuleIDs:     ruleIDs,
		ChangeType:  rules[0].Policy,
		RecordedDt:  now,
	}
	if err := tx.PutChangeSet(ctx, cs); err != nil {
		return err
	}
	tx.OnCommit(func() {
		bb.deferCommit(context.WithoutCancel(ctx), blockableID)
	})
	return nil
}

// deferCommit enqueues a change-set commit task. Failure to enqueue is
// logged, not surfaced; the stored ChangeSet survives for a later sweep.
func (bb *BallotBox) deferCommit(ctx context.Context, blockableID string) {
	payload, _ := json.Marshal(commitPayload{BlockableID: blockableID})
	err := bb.deferrer.Defer(ctx, taskqueue.Task{
		Queue:   taskqueue.QueueCommitChange,
		Key:     blockableID,
		Payload: payload,
	})
	if err != nil {
		bb.logger.Printf("Failed to defer change-set commit for %s: %v", blockableID, err)
	}
}

func (bb *BallotBox) deferLocalAllow(ctx context.Context, blockableID string, emails []string) {
	payload, _ := json.Marshal(localAllowPayload{BlockableID: blockableID, UserEmails: emails})
	err := bb.deferrer.Defer(ctx, taskqueue.Task{
		Queue:   taskqueue.QueueLocalAllow,
		Key:     blockableID,
		Payload: payload,
	})
	if err != nil {
		bb.logger.Printf("Failed to defer local-allow retry for %s: %v", blockableID, err)
	}
}

func (bb *BallotBox) emitRuleRows(tx store.Txn, b *model.Blockable, rules []*model.Rule, now time.Time) {
	if len(rules) == 0 {
		return
	}
	rows := make([]analytics.Row, len(rules))
	for i, r := range rules {
		rows[i] = analytics.RuleRow(b.ID, r.Policy.String(), r.RuleType.String(), r.HostID, r.UserEmail, now)
	}
	tx.OnCommit(func() {
		for _, row := range rows {
			bb.sink.Insert(row)
		}
	})
}

func tableFor(kind model.RuleType) analytics.Table {
	switch kind {
	case model.RuleTypeCertificate:
		return analytics.TableCertificate
	case model.RuleTypePackage:
		return analytics.TableBundle
	default:
		return analytics.TableBinary
	}
}
