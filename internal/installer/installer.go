// Package installer manages the installer-state override for Windows
// binaries. Whether a binary counts as an installer decides whether the
// endpoint agent lets it drop files, so admins can force the flag either way
// with a FORCE_INSTALLER / FORCE_NOT_INSTALLER rule.
package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
)

var (
	ErrNotFound    = errors.New("installer: blockable not found")
	ErrBadPlatform = errors.New("installer: not a Windows blockable")
	ErrNotBinary   = errors.New("installer: not a binary")
)

// Service applies installer-policy changes.
type Service struct {
	store    store.Store
	sink     analytics.Sink
	deferrer taskqueue.Deferrer
	logger   *log.Logger

	Clock func() time.Time
}

func New(s store.Store, sink analytics.Sink, deferrer taskqueue.Deferrer) *Service {
	return &Service{
		store:    s,
		sink:     sink,
		deferrer: deferrer,
		logger:   log.New(log.Writer(), "[Installer] ", log.LstdFlags),
		Clock:    time.Now,
	}
}

// SetInstallerPolicy forces the binary's installer flag to the given value.
// The change is written as an installer rule plus a ChangeSet so the
// committer pushes it to the policy API. Setting the already-effective
// policy is a noop. Returns the resulting installer state.
func (s *Service) SetInstallerPolicy(ctx context.Context, blockableID string, installer bool) (bool, error) {
	pre, err := s.store.GetBlockable(ctx, blockableID)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, blockableID)
		}
		return false, err
	}
	if pre.Platform != model.PlatformWindows {
		return false, fmt.Errorf("%w: %s is %s", ErrBadPlatform, blockableID, pre.Platform)
	}
	if pre.Kind != model.RuleTypeBinary || pre.Binary == nil {
		return false, fmt.Errorf("%w: %s is a %s", ErrNotBinary, blockableID, pre.Kind)
	}

	policy := model.PolicyForceNotInstaller
	if installer {
		policy = model.PolicyForceInstaller
	}
	s.logger.Printf("Setting installer policy for %s to %s", blockableID, policy)

	var result bool
	err = s.store.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
		b, err := tx.GetBlockable(ctx, blockableID)
		if err != nil {
			return err
		}
		now := s.Clock()

		rules, err := tx.RulesByBlockable(ctx, blockableID, true)
		if err != nil {
			return err
		}
		var existing *model.Rule
		for _, r := range rules {
			if r.Policy.Installer() {
				existing = r
				break
			}
		}
		if existing != nil {
			if existing.Policy == policy {
				result = b.Binary.IsInstaller
				return nil
			}
			existing.MarkDisabled(now)
			if err := tx.PutRule(ctx, existing); err != nil {
				return err
			}
		}

		rule := &model.Rule{
			BlockableID: blockableID,
			RuleID:      uuid.NewString(),
			RuleType:    b.Kind,
			Policy:      policy,
			InEffect:    true,
			RecordedDt:  now,
			UpdatedDt:   now,
		}
		if err := tx.PutRule(ctx, rule); err != nil {
			return err
		}
		cs := &model.ChangeSet{
			BlockableID: blockableID,
			ChangeID:    uuid.NewString(),
			RuleIDs:     []string{rule.RuleID},
			ChangeType:  policy,
			RecordedDt:  now,
		}
		if err := tx.PutChangeSet(ctx, cs); err != nil {
			return err
		}

		b.Binary.IsInstaller = policy == model.PolicyForceInstaller
		b.UpdatedDt = now
		if err := tx.PutBlockable(ctx, b); err != nil {
			return err
		}
		result = b.Binary.IsInstaller

		row := analytics.BlockableRow(
			analytics.TableBinary, analytics.ActionComment, b.ID, b.State.String(), b.Score, now,
			map[string]any{"comment": "Installer policy set to " + policy.String()})
		tx.OnCommit(func() { s.sink.Insert(row) })

		tx.OnCommit(func() {
			payload, _ := json.Marshal(map[string]string{"blockable_id": blockableID})
			err := s.deferrer.Defer(context.WithoutCancel(ctx), taskqueue.Task{
				Queue:   taskqueue.QueueCommitChange,
				Key:     blockableID,
				Payload: payload,
			})
			if err != nil {
				s.logger.Printf("Failed to defer change-set commit for %s: %v", blockableID, err)
			}
		})
		return nil
	})
	if err != nil {
		return false, err
	}
	return result, nil
}

// CalculateInstallerState derives the effective installer state from the
// in-effect installer rule, falling back to the agent's own detection when
// no override exists.
func CalculateInstallerState(b *model.Blockable, rules []*model.Rule) bool {
	var newest *model.Rule
	for _, r := range rules {
		if !r.InEffect || !r.Policy.Installer() {
			continue
		}
		if newest == nil || r.UpdatedDt.After(newest.UpdatedDt) {
			newest = r
		}
	}
	if newest != nil {
		return newest.Policy == model.PolicyForceInstaller
	}
	return b.Binary != nil && b.Binary.DetectedInstaller
}
