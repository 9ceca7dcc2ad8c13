package voting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/binauthz/ballotbox/internal/analytics"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// CriticalRule names a platform binary that must always carry a standing
// global ALLOW rule, independent of any voting. Banning the syncing agent's
// own binary would brick the fleet.
type CriticalRule struct {
	SHA256   string
	Platform model.Platform
}

var (
	bootstrapMu   sync.Mutex
	bootstrapDone bool
)

// EnsureCriticalRules creates the blockables and global ALLOW rules for the
// configured critical binaries, skipping whatever already exists. It runs at
// most once per process; later calls are noops.
func EnsureCriticalRules(ctx context.Context, s store.Store, sink analytics.Sink, rules []CriticalRule, clock func() time.Time) error {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()
	if bootstrapDone {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	logger := log.New(log.Writer(), "[Bootstrap] ", log.LstdFlags)

	for _, cr := range rules {
		if !cr.Platform.Known() {
			return fmt.Errorf("%w: critical rule %s", ErrUnsupportedPlatform, cr.SHA256)
		}
		err := s.Transact(ctx, func(ctx context.Context, tx store.Txn) error {
			now := clock()

			b, err := tx.GetBlockable(ctx, cr.SHA256)
			if errors.Is(err, store.ErrNoSuchEntity) {
				b = &model.Blockable{
					ID:          cr.SHA256,
					IDType:      model.IDTypeSHA256,
					Platform:    cr.Platform,
					Kind:        model.RuleTypeBinary,
					State:       model.StateUntrusted,
					FirstSeenDt: now,
					UpdatedDt:   now,
					Binary:      &model.BinaryInfo{},
				}
				if err := tx.PutBlockable(ctx, b); err != nil {
					return err
				}
				row := analytics.BlockableRow(
					analytics.TableBinary, analytics.ActionFirstSeen, b.ID, b.State.String(), 0, now, nil)
				tx.OnCommit(func() { sink.Insert(row) })
				logger.Printf("Created critical blockable %s (%s)", cr.SHA256, cr.Platform)
			} else if err != nil {
				return err
			}

			existing, err := tx.RulesByBlockable(ctx, cr.SHA256, true)
			if err != nil {
				return err
			}
			for _, r := range existing {
				if r.Policy == model.PolicyAllow && !r.Local() && r.RuleType == model.RuleTypeBinary {
					return nil
				}
			}

			// The rule has no parent vote; it exists by fiat.
			allow := newRule(b, model.PolicyAllow, "", "", now)
			if err := tx.PutRule(ctx, allow); err != nil {
				return err
			}
			row := analytics.RuleRow(b.ID, allow.Policy.String(), allow.RuleType.String(), "", "", now)
			tx.OnCommit(func() { sink.Insert(row) })
			logger.Printf("Created critical allow rule for %s", cr.SHA256)
			return nil
		})
		if err != nil {
			return err
		}
	}

	bootstrapDone = true
	return nil
}

// ResetBootstrapLatchForTest rearms the once-per-process bootstrap guard.
func ResetBootstrapLatchForTest() {
	bootstrapMu.Lock()
	defer bootstrapMu.Unlock()
	bootstrapDone = false
}
