package voting

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// The rule synthesizer translates state transitions into rule mutations, all
// inside the caller's transaction. Because transactional queries cannot see
// the transaction's own buffered writes, every function takes an overlay of
// rules already created earlier in the same transaction and folds it into
// the committed result set.

func newRule(b *model.Blockable, policy model.Policy, hostID, userEmail string, now time.Time) *model.Rule {
	return &model.Rule{
		BlockableID: b.ID,
		RuleID:      uuid.NewString(),
		RuleType:    b.Kind,
		Policy:      policy,
		InEffect:    true,
		HostID:      hostID,
		UserEmail:   userEmail,
		RecordedDt:  now,
		UpdatedDt:   now,
	}
}

// inEffectRules merges the committed in-effect rules of the blockable's rule
// type with the transaction-local overlay.
func inEffectRules(ctx context.Context, tx store.Txn, b *model.Blockable, overlay []*model.Rule) ([]*model.Rule, error) {
	committed, err := tx.RulesByBlockable(ctx, b.ID, true)
	if err != nil {
		return nil, err
	}
	var out []*model.Rule
	for _, r := range committed {
		if r.RuleType == b.Kind {
			out = append(out, r)
		}
	}
	for _, r := range overlay {
		if r.InEffect && r.RuleType == b.Kind {
			out = append(out, r)
		}
	}
	return out, nil
}

// globallyAllow disables every local or non-ALLOW rule and creates one
// global ALLOW rule.
func globallyAllow(ctx context.Context, tx store.Txn, b *model.Blockable, overlay []*model.Rule, now time.Time) ([]*model.Rule, error) {
	existing, err := inEffectRules(ctx, tx, b, overlay)
	if err != nil {
		return nil, err
	}

	var disabled []*model.Rule
	for _, r := range existing {
		if r.Policy != model.PolicyAllow || r.Local() {
			r.MarkDisabled(now)
			disabled = append(disabled, r)
		}
	}
	if err := tx.PutRules(ctx, disabled); err != nil {
		return nil, err
	}

	allow := newRule(b, model.PolicyAllow, "", "", now)
	if err := tx.PutRule(ctx, allow); err != nil {
		return nil, err
	}
	return []*model.Rule{allow}, nil
}

// ban disables every in-effect ALLOW rule, local and global alike, and
// creates one global DENY rule.
func ban(ctx context.Context, tx store.Txn, b *model.Blockable, overlay []*model.Rule, now time.Time) ([]*model.Rule, error) {
	existing, err := inEffectRules(ctx, tx, b, overlay)
	if err != nil {
		return nil, err
	}

	var disabled []*model.Rule
	for _, r := range existing {
		if r.Policy == model.PolicyAllow {
			r.MarkDisabled(now)
			disabled = append(disabled, r)
		}
	}
	if err := tx.PutRules(ctx, disabled); err != nil {
		return nil, err
	}

	deny := newRule(b, model.PolicyDeny, "", "", now)
	if err := tx.PutRule(ctx, deny); err != nil {
		return nil, err
	}
	return []*model.Rule{deny}, nil
}

// localTarget is one (user, host) pair a local ALLOW rule should exist for.
type localTarget struct {
	UserEmail string
	HostID    string
}

// createMissingLocalAllows creates a local ALLOW rule for every target that
// does not already have one.
func createMissingLocalAllows(ctx context.Context, tx store.Txn, b *model.Blockable, targets []localTarget, now time.Time) ([]*model.Rule, error) {
	existing, err := inEffectRules(ctx, tx, b, nil)
	if err != nil {
		return nil, err
	}
	have := make(map[localTarget]bool)
	for _, r := range existing {
		if r.Policy == model.PolicyAllow {
			have[localTarget{UserEmail: r.UserEmail, HostID: r.HostID}] = true
		}
	}

	var created []*model.Rule
	for _, t := range targets {
		if have[t] {
			continue
		}
		have[t] = true
		r := newRule(b, model.PolicyAllow, t.HostID, t.UserEmail, now)
		created = append(created, r)
	}
	if err := tx.PutRules(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// removeRulesFor synthesizes the REMOVE rules that undo the given disabled
// rules. macOS gets a single global REMOVE; Windows gets one REMOVE per
// distinct host scope among the disabled rules, so each endpoint that ever
// received policy gets an explicit retraction.
func removeRulesFor(ctx context.Context, tx store.Txn, b *model.Blockable, disabled []*model.Rule, now time.Time) ([]*model.Rule, error) {
	var created []*model.Rule
	switch b.Platform {
	case model.PlatformMacOS:
		created = append(created, newRule(b, model.PolicyRemove, "", "", now))
	case model.PlatformWindows:
		seen := make(map[string]bool)
		for _, r := range disabled {
			if r.Policy.Installer() || seen[r.HostID] {
				continue
			}
			seen[r.HostID] = true
			created = append(created, newRule(b, model.PolicyRemove, r.HostID, "", now))
		}
	}
	if err := tx.PutRules(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// repairRules reconciles the in-effect rule set with the blockable's state
// during a recount. Rules of the wrong type are disabled outright. UNTRUSTED
// blockables keep local rules (they may predate a state slide) but lose
// global ones. ALLOW rules survive only in the allow-family states, DENY and
// REMOVE rules only in the banned family. Installer-toggle rules are policy
// the voting machine does not own, so they are left alone.
//
// If the state demands a global ALLOW or DENY that is missing, it is
// created.
func repairRules(ctx context.Context, tx store.Txn, b *model.Blockable, overlay []*model.Rule, now time.Time) (created, disabled []*model.Rule, err error) {
	committed, err := tx.RulesByBlockable(ctx, b.ID, true)
	if err != nil {
		return nil, nil, err
	}
	all := append(committed, overlay...)

	globalAllowExists := false
	globalDenyExists := false
	for _, r := range all {
		if !r.InEffect || r.Policy.Installer() {
			continue
		}
		switch {
		case r.RuleType != b.Kind:
			r.MarkDisabled(now)
			disabled = append(disabled, r)
		case b.State == model.StateUntrusted:
			if !r.Local() {
				r.MarkDisabled(now)
				disabled = append(disabled, r)
			}
		case r.Policy == model.PolicyAllow:
			if b.State.AllowFamily() {
				if !r.Local() {
					globalAllowExists = true
				}
			} else {
				r.MarkDisabled(now)
				disabled = append(disabled, r)
			}
		default:
			if b.State.InBannedFamily() {
				globalDenyExists = true
			} else {
				r.MarkDisabled(now)
				disabled = append(disabled, r)
			}
		}
	}
	if err := tx.PutRules(ctx, disabled); err != nil {
		return nil, nil, err
	}

	if b.State == model.StateGloballyAllowed && !globalAllowExists {
		created, err = globallyAllow(ctx, tx, b, overlay, now)
	} else if b.State == model.StateBanned && !globalDenyExists {
		created, err = ban(ctx, tx, b, overlay, now)
	}
	if err != nil {
		return nil, nil, err
	}
	return created, disabled, nil
}
