// Package committer pushes committed ChangeSets to the external Windows
// policy server. Commits are per-blockable serialized by a lease, applied
// oldest change first, and idempotent: every rule carries an is_committed
// token so a replayed task never re-applies work that already landed.
package committer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/policyapi"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
)

// apiRetries bounds the in-task retry of one policy API call. Anything that
// still fails escapes to the task queue, which retries the whole commit.
const apiRetries = 3

// A host is active when it polled the policy server within this window.
const activityWindow = 24 * time.Hour

// Hosts below this sync level are considered out of touch with the server.
const minSyncPercent = 90

// Committer drains ChangeSets for blockables into the policy API.
type Committer struct {
	store    store.Store
	api      policyapi.Client
	deferrer taskqueue.Deferrer
	lease    Lease
	metrics  *Metrics
	logger   *log.Logger

	Clock func() time.Time

	// NewBackOff builds the per-call retry policy. Tests swap in a
	// zero-wait one.
	NewBackOff func() backoff.BackOff
}

func New(s store.Store, api policyapi.Client, deferrer taskqueue.Deferrer, lease Lease) *Committer {
	return &Committer{
		store:    s,
		api:      api,
		deferrer: deferrer,
		lease:    lease,
		metrics:  NewMetrics(),
		logger:   log.New(log.Writer(), "[Committer] ", log.LstdFlags),
		Clock:    time.Now,
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), apiRetries)
		},
	}
}

// HandleCommitTask is the task-queue entry point.
func (c *Committer) HandleCommitTask(ctx context.Context, task taskqueue.Task) error {
	var p struct {
		BlockableID string `json:"blockable_id"`
	}
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("%w: bad commit payload: %v", taskqueue.ErrPermanent, err)
	}
	return c.CommitBlockableChangeSets(ctx, p.BlockableID)
}

// CommitBlockableChangeSets commits the oldest pending ChangeSet for the
// blockable. If more remain afterwards, a tail task is deferred so the
// queue stays per-blockable sequential without one task holding the lease
// for an unbounded run.
func (c *Committer) CommitBlockableChangeSets(ctx context.Context, blockableID string) error {
	acquired, err := c.lease.Acquire(ctx, blockableID)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("committer: lease for %s held elsewhere", blockableID)
	}
	defer func() {
		if err := c.lease.Release(context.WithoutCancel(ctx), blockableID); err != nil {
			c.logger.Printf("Failed to release lease for %s: %v", blockableID, err)
		}
	}()

	changes, err := c.store.ChangeSetsByBlockable(ctx, blockableID, 2)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		c.logger.Printf("No changes to commit for %s", blockableID)
		c.metrics.CommitAttempts.WithLabelValues("noop").Inc()
		return nil
	}

	if err := c.commitChangeSet(ctx, changes[0]); err != nil {
		if errors.Is(err, taskqueue.ErrPermanent) {
			c.metrics.CommitAttempts.WithLabelValues("permanent").Inc()
			c.logger.Printf("Dropping uncommittable change set %s for %s: %v",
				changes[0].ChangeID, blockableID, err)
			// Delete the poisoned change so later ones are not wedged
			// behind it.
			if delErr := c.store.DeleteChangeSet(ctx, blockableID, changes[0].ChangeID); delErr != nil {
				return delErr
			}
			if len(changes) > 1 {
				c.tailDefer(ctx, blockableID)
			}
			return err
		}
		c.metrics.CommitAttempts.WithLabelValues("transient").Inc()
		return err
	}

	c.metrics.CommitAttempts.WithLabelValues("success").Inc()
	if len(changes) > 1 {
		c.tailDefer(ctx, blockableID)
	}
	return nil
}

func (c *Committer) tailDefer(ctx context.Context, blockableID string) {
	c.logger.Printf("Tail-deferring next commit for %s", blockableID)
	payload, _ := json.Marshal(map[string]string{"blockable_id": blockableID})
	err := c.deferrer.Defer(context.WithoutCancel(ctx), taskqueue.Task{
		Queue:   taskqueue.QueueCommitChange,
		Key:     blockableID,
		Payload: payload,
	})
	if err != nil {
		c.logger.Printf("Failed to tail-defer commit for %s: %v", blockableID, err)
	}
}

func (c *Committer) commitChangeSet(ctx context.Context, cs *model.ChangeSet) error {
	// A concurrent worker (or an earlier attempt of this task) may already
	// have finished this change.
	if _, err := c.store.GetChangeSet(ctx, cs.BlockableID, cs.ChangeID); err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			c.logger.Printf("Change %s no longer exists (already committed?)", cs.ChangeID)
			return nil
		}
		return err
	}

	b, err := c.store.GetBlockable(ctx, cs.BlockableID)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			return fmt.Errorf("%w: blockable %s is gone", taskqueue.ErrPermanent, cs.BlockableID)
		}
		return err
	}
	rules, err := c.store.RulesByIDs(ctx, cs.BlockableID, cs.RuleIDs)
	if err != nil {
		return err
	}

	c.logger.Printf("Committing a %s change of %d rules for %s",
		cs.ChangeType, len(rules), cs.BlockableID)

	switch cs.ChangeType {
	case model.PolicyAllow:
		err = c.whitelist(ctx, b, rules)
	case model.PolicyDeny:
		err = c.blacklist(ctx, b, rules)
	case model.PolicyRemove:
		err = c.remove(ctx, b, rules)
	case model.PolicyForceInstaller, model.PolicyForceNotInstaller:
		err = c.installerState(ctx, b, rules)
	default:
		err = fmt.Errorf("%w: unknown change type %s", taskqueue.ErrPermanent, cs.ChangeType)
	}
	if err != nil {
		return err
	}

	now := c.Clock()
	for _, r := range rules {
		if !r.IsCommitted {
			r.IsCommitted = true
			r.UpdatedDt = now
		}
	}
	if err := c.store.PutRules(ctx, rules); err != nil {
		return err
	}
	return c.store.DeleteChangeSet(ctx, cs.BlockableID, cs.ChangeID)
}

func splitRules(rules []*model.Rule) (locals []*model.Rule, global *model.Rule, err error) {
	var globals []*model.Rule
	for _, r := range rules {
		if r.Local() {
			locals = append(locals, r)
		} else {
			globals = append(globals, r)
		}
	}
	if len(globals) > 1 {
		return nil, nil, fmt.Errorf("%w: change contains %d global rules", taskqueue.ErrPermanent, len(globals))
	}
	if len(globals) == 1 {
		global = globals[0]
	}
	return locals, global, nil
}

// whitelist applies an ALLOW change: local rules first, then the global
// rule, so an endpoint never sees a global approval retracted by a partial
// failure mid-change.
func (c *Committer) whitelist(ctx context.Context, b *model.Blockable, rules []*model.Rule) error {
	locals, global, err := splitRules(rules)
	if err != nil {
		return err
	}
	if err := c.changeLocalStates(ctx, b, locals, policyapi.StateApproved); err != nil {
		return err
	}
	if global != nil && !global.IsCommitted {
		return c.changeGlobalState(ctx, b, policyapi.StateApproved)
	}
	return nil
}

// blacklist applies a DENY change. Bans are only ever synthesized as a
// single global rule; anything else is malformed and uncommittable.
func (c *Committer) blacklist(ctx context.Context, b *model.Blockable, rules []*model.Rule) error {
	locals, global, err := splitRules(rules)
	if err != nil {
		return err
	}
	if len(locals) > 0 {
		return fmt.Errorf("%w: ban change contains %d local rules", taskqueue.ErrPermanent, len(locals))
	}
	if global == nil {
		return fmt.Errorf("%w: ban change contains no global rule", taskqueue.ErrPermanent)
	}
	if global.IsCommitted {
		return nil
	}
	return c.changeGlobalState(ctx, b, policyapi.StateBanned)
}

// remove retracts policy: every scope in the change goes back to
// UNAPPROVED.
func (c *Committer) remove(ctx context.Context, b *model.Blockable, rules []*model.Rule) error {
	locals, global, err := splitRules(rules)
	if err != nil {
		return err
	}
	if err := c.changeLocalStates(ctx, b, locals, policyapi.StateUnapproved); err != nil {
		return err
	}
	if global != nil && !global.IsCommitted {
		return c.changeGlobalState(ctx, b, policyapi.StateUnapproved)
	}
	return nil
}

// installerState pushes a FORCE_INSTALLER / FORCE_NOT_INSTALLER rule. The
// policy server rejects a fileRule without a fileState, so the existing
// state is read back and preserved.
func (c *Committer) installerState(ctx context.Context, b *model.Blockable, rules []*model.Rule) error {
	_, global, err := splitRules(rules)
	if err != nil {
		return err
	}
	if global == nil {
		return fmt.Errorf("%w: installer change contains no global rule", taskqueue.ErrPermanent)
	}
	if global.IsCommitted {
		return nil
	}
	catalogID, err := fileCatalogID(b)
	if err != nil {
		return err
	}

	var existing []policyapi.FileRule
	err = c.retry(ctx, func() error {
		var err error
		existing, err = c.api.FileRules(ctx, catalogID)
		return err
	})
	if err != nil {
		return err
	}
	state := policyapi.StateUnapproved
	if len(existing) > 0 {
		state = existing[0].FileState
	}

	rule := policyapi.FileRule{
		FileCatalogID:     catalogID,
		FileState:         state,
		ForceInstaller:    global.Policy == model.PolicyForceInstaller,
		ForceNotInstaller: global.Policy == model.PolicyForceNotInstaller,
	}
	return c.retry(ctx, func() error { return c.api.PostFileRule(ctx, rule) })
}

// changeLocalStates applies a local state change per rule, marking each rule
// committed as it lands so a replay skips it. A rule whose endpoint has no
// matching fileInstance is committed unfulfilled if the endpoint is healthy
// enough that the instance should have been there; an out-of-touch endpoint
// leaves the change pending for a later retry.
func (c *Committer) changeLocalStates(ctx context.Context, b *model.Blockable, locals []*model.Rule, state policyapi.ApprovalState) error {
	if len(locals) == 0 {
		return nil
	}
	if b.Kind == model.RuleTypeCertificate {
		c.logger.Printf("Cannot change local state for certificates, skipping %d rules", len(locals))
		return nil
	}
	catalogID, err := fileCatalogID(b)
	if err != nil {
		return err
	}

	for _, r := range locals {
		if r.IsCommitted {
			continue
		}
		fulfilled, err := c.changeLocalState(ctx, catalogID, r.HostID, state)
		if err != nil {
			return err
		}
		if !fulfilled {
			c.metrics.FileInstancesMissing.Inc()
			healthy, err := c.hostHealthy(ctx, r.HostID)
			if err != nil {
				return err
			}
			if !healthy {
				return fmt.Errorf("committer: host %s out of touch, leaving change for retry", r.HostID)
			}
			c.logger.Printf("No fileInstance for %s on healthy host %s, committing unfulfilled",
				b.ID, r.HostID)
		}

		now := c.Clock()
		r.IsFulfilled = fulfilled
		r.IsCommitted = true
		r.UpdatedDt = now
		if err := c.store.PutRule(ctx, r); err != nil {
			return err
		}
		if fulfilled && r.Policy == model.PolicyAllow {
			c.metrics.LocalAllowLatency.Observe(now.Sub(r.RecordedDt).Seconds())
		}
	}
	return nil
}

// changeLocalState sets the localState of every instance of the file on one
// host. Returns false when the host has no matching instance.
func (c *Committer) changeLocalState(ctx context.Context, catalogID, hostID string, state policyapi.ApprovalState) (bool, error) {
	var instances []policyapi.FileInstance
	err := c.retry(ctx, func() error {
		var err error
		instances, err = c.api.FileInstances(ctx, catalogID, hostID)
		return err
	})
	if err != nil {
		return false, err
	}
	c.logger.Printf("Retrieved %d matching fileInstance(s) for catalog=%s host=%s",
		len(instances), catalogID, hostID)
	if len(instances) == 0 {
		return false, nil
	}

	for _, inst := range instances {
		// Push the state even if it already matches: the visible value
		// only reflects prescribed state after the host checks in.
		inst.LocalState = state
		if err := c.retry(ctx, func() error { return c.api.UpdateLocalState(ctx, inst) }); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Committer) changeGlobalState(ctx context.Context, b *model.Blockable, state policyapi.ApprovalState) error {
	c.logger.Printf("Globally marking %s as state %d", b.ID, state)

	if b.Kind == model.RuleTypeCertificate {
		var cert *policyapi.Certificate
		err := c.retry(ctx, func() error {
			var err error
			cert, err = c.api.CertificateByThumbprint(ctx, b.ID)
			return err
		})
		if err != nil {
			if errors.Is(err, policyapi.ErrNotFound) {
				return fmt.Errorf("%w: %v", taskqueue.ErrPermanent, err)
			}
			return err
		}
		return c.retry(ctx, func() error {
			return c.api.SetCertificateState(ctx, cert.ID, state)
		})
	}

	catalogID, err := fileCatalogID(b)
	if err != nil {
		return err
	}
	rule := policyapi.FileRule{FileCatalogID: catalogID, FileState: state}
	return c.retry(ctx, func() error { return c.api.PostFileRule(ctx, rule) })
}

// hostHealthy reports whether the host is in close enough touch with the
// policy server that its fileInstances can be trusted to be complete. An
// unknown host is treated as healthy: there is nothing to wait for.
func (c *Committer) hostHealthy(ctx context.Context, hostID string) (bool, error) {
	h, err := c.store.GetHost(ctx, hostID)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			return true, nil
		}
		return false, err
	}
	polled := c.Clock().Sub(h.LastPollDt) <= activityWindow
	return polled && h.SyncPercent >= minSyncPercent, nil
}

func fileCatalogID(b *model.Blockable) (string, error) {
	if b.Binary == nil || b.Binary.FileCatalogID == "" {
		return "", fmt.Errorf("%w: blockable %s has no file catalog id", taskqueue.ErrPermanent, b.ID)
	}
	return b.Binary.FileCatalogID, nil
}

func (c *Committer) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(c.NewBackOff(), ctx))
}
