// Package store provides typed, transactional access to the engine's
// entities. The interface models a hierarchical key-value store with
// entity groups rooted at each blockable: votes, rules, and change sets are
// addressed (and queried) under their blockable's id.
//
// Transactions have snapshot semantics: reads and queries inside a
// transaction observe the state as of transaction start and do NOT see the
// transaction's own buffered writes. The voting logic is written around this
// constraint (score deltas are computed, never re-queried, inside the vote
// transaction).
package store

import (
	"context"
	"errors"

	"github.com/binauthz/ballotbox/internal/model"
)

// ErrNoSuchEntity is returned by point lookups when the entity is absent.
var ErrNoSuchEntity = errors.New("store: no such entity")

// Txn is the set of operations available inside (and, in autocommit form,
// outside) a transaction.
//
// Host queries are deliberately absent: they are non-ancestor scans and must
// never run inside the voting transaction, so they live on Store only.
type Txn interface {
	GetBlockable(ctx context.Context, id string) (*model.Blockable, error)
	PutBlockable(ctx context.Context, b *model.Blockable) error

	GetUser(ctx context.Context, email string) (*model.User, error)

	GetVote(ctx context.Context, blockableID, userEmail, voteID string) (*model.Vote, error)
	PutVote(ctx context.Context, v *model.Vote) error
	PutVotes(ctx context.Context, votes []*model.Vote) error
	DeleteVotes(ctx context.Context, votes []*model.Vote) error
	// VotesByBlockable returns every in-effect vote anchored under the
	// blockable. Archived votes are never returned.
	VotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error)

	PutRule(ctx context.Context, r *model.Rule) error
	PutRules(ctx context.Context, rules []*model.Rule) error
	RulesByBlockable(ctx context.Context, blockableID string, inEffectOnly bool) ([]*model.Rule, error)
	RulesByIDs(ctx context.Context, blockableID string, ruleIDs []string) ([]*model.Rule, error)

	PutChangeSet(ctx context.Context, cs *model.ChangeSet) error
	DeleteChangeSet(ctx context.Context, blockableID, changeID string) error
	GetChangeSet(ctx context.Context, blockableID, changeID string) (*model.ChangeSet, error)
	// ChangeSetsByBlockable returns up to limit change sets for the
	// blockable, oldest first.
	ChangeSetsByBlockable(ctx context.Context, blockableID string, limit int) ([]*model.ChangeSet, error)

	// OnCommit registers a hook to run after the enclosing transaction
	// commits successfully, in registration order. In autocommit mode the
	// hook runs immediately.
	OnCommit(fn func())
}

// Store is the full persistence surface: autocommit entity access, host
// scans, and transactions.
type Store interface {
	Txn

	PutUser(ctx context.Context, u *model.User) error

	GetHost(ctx context.Context, id string) (*model.Host, error)
	PutHost(ctx context.Context, h *model.Host) error
	// HostsByPrimaryUser returns hosts whose primary_user matches the given
	// short name (macOS association).
	HostsByPrimaryUser(ctx context.Context, shortName string) ([]*model.Host, error)
	// HostsByUser returns hosts whose users list contains the given short
	// name (Windows association).
	HostsByUser(ctx context.Context, shortName string) ([]*model.Host, error)

	// Transact runs fn inside a cross-group transaction. On contention the
	// implementation retries fn, so fn must be idempotent and must re-read
	// any entity whose prior value it depends on. OnCommit hooks registered
	// by fn run exactly once, after the final successful commit.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error
}
