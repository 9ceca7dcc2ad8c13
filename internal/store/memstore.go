package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/binauthz/ballotbox/internal/model"
)

// MemStore is an in-memory Store used for tests and local development. It
// serializes transactions with a single lock, which trivially provides the
// snapshot semantics the interface promises: a transaction's reads come from
// the committed maps while its writes sit in a buffer until commit.
type MemStore struct {
	mu sync.Mutex

	blockables map[string]*model.Blockable
	users      map[string]*model.User
	hosts      map[string]*model.Host
	votes      map[string]*model.Vote      // blockableID|userEmail|voteID
	rules      map[string]*model.Rule      // blockableID|ruleID
	changes    map[string]*model.ChangeSet // blockableID|changeID

	changeSeq map[string]int64 // insertion order tiebreak for change sets
	nextSeq   int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blockables: make(map[string]*model.Blockable),
		users:      make(map[string]*model.User),
		hosts:      make(map[string]*model.Host),
		votes:      make(map[string]*model.Vote),
		rules:      make(map[string]*model.Rule),
		changes:    make(map[string]*model.ChangeSet),
		changeSeq:  make(map[string]int64),
	}
}

func voteKey(blockableID, userEmail, voteID string) string {
	return blockableID + "|" + strings.ToLower(userEmail) + "|" + voteID
}

func ruleKey(blockableID, ruleID string) string {
	return blockableID + "|" + ruleID
}

func changeKey(blockableID, changeID string) string {
	return blockableID + "|" + changeID
}

// memTxn buffers writes until commit. Reads always come from the store's
// committed maps, so a transaction never observes its own writes. This
// matches the stale-index behavior the voting logic is built around.
type memTxn struct {
	s *MemStore

	putBlockables map[string]*model.Blockable
	putUsers      map[string]*model.User
	putVotes      map[string]*model.Vote
	delVotes      map[string]bool
	putRules      map[string]*model.Rule
	putChanges    map[string]*model.ChangeSet
	delChanges    map[string]bool

	hooks []func()
}

func newMemTxn(s *MemStore) *memTxn {
	return &memTxn{
		s:             s,
		putBlockables: make(map[string]*model.Blockable),
		putUsers:      make(map[string]*model.User),
		putVotes:      make(map[string]*model.Vote),
		delVotes:      make(map[string]bool),
		putRules:      make(map[string]*model.Rule),
		putChanges:    make(map[string]*model.ChangeSet),
		delChanges:    make(map[string]bool),
	}
}

func (t *memTxn) commit() {
	for k, v := range t.putBlockables {
		t.s.blockables[k] = v
	}
	for k, v := range t.putUsers {
		t.s.users[k] = v
	}
	for k := range t.delVotes {
		delete(t.s.votes, k)
	}
	for k, v := range t.putVotes {
		t.s.votes[k] = v
	}
	for k, v := range t.putRules {
		t.s.rules[k] = v
	}
	for k, v := range t.putChanges {
		t.s.changes[k] = v
		t.s.nextSeq++
		t.s.changeSeq[k] = t.s.nextSeq
	}
	for k := range t.delChanges {
		delete(t.s.changes, k)
		delete(t.s.changeSeq, k)
	}
}

func copyBlockable(b *model.Blockable) *model.Blockable {
	cp := *b
	if b.Binary != nil {
		bin := *b.Binary
		cp.Binary = &bin
	}
	if b.Bundle != nil {
		bun := *b.Bundle
		bun.MemberIDs = append([]string(nil), b.Bundle.MemberIDs...)
		cp.Bundle = &bun
	}
	return &cp
}

func copyVote(v *model.Vote) *model.Vote {
	cp := *v
	return &cp
}

func copyRule(r *model.Rule) *model.Rule {
	cp := *r
	return &cp
}

func copyChangeSet(cs *model.ChangeSet) *model.ChangeSet {
	cp := *cs
	cp.RuleIDs = append([]string(nil), cs.RuleIDs...)
	return &cp
}

func copyUser(u *model.User) *model.User {
	cp := *u
	cp.Roles = append([]string(nil), u.Roles...)
	cp.Permissions = append([]model.Permission(nil), u.Permissions...)
	return &cp
}

func copyHost(h *model.Host) *model.Host {
	cp := *h
	cp.Users = append([]string(nil), h.Users...)
	return &cp
}

func (t *memTxn) GetBlockable(ctx context.Context, id string) (*model.Blockable, error) {
	b, ok := t.s.blockables[id]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyBlockable(b), nil
}

func (t *memTxn) PutBlockable(ctx context.Context, b *model.Blockable) error {
	t.putBlockables[b.ID] = copyBlockable(b)
	return nil
}

func (t *memTxn) GetUser(ctx context.Context, email string) (*model.User, error) {
	u, ok := t.s.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyUser(u), nil
}

func (t *memTxn) GetVote(ctx context.Context, blockableID, userEmail, voteID string) (*model.Vote, error) {
	v, ok := t.s.votes[voteKey(blockableID, userEmail, voteID)]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyVote(v), nil
}

func (t *memTxn) PutVote(ctx context.Context, v *model.Vote) error {
	t.putVotes[voteKey(v.BlockableID, v.UserEmail, v.VoteID)] = copyVote(v)
	return nil
}

func (t *memTxn) PutVotes(ctx context.Context, votes []*model.Vote) error {
	for _, v := range votes {
		if err := t.PutVote(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) DeleteVotes(ctx context.Context, votes []*model.Vote) error {
	for _, v := range votes {
		t.delVotes[voteKey(v.BlockableID, v.UserEmail, v.VoteID)] = true
	}
	return nil
}

func (t *memTxn) VotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error) {
	var out []*model.Vote
	for _, v := range t.s.votes {
		if v.BlockableID == blockableID && v.InEffect() {
			out = append(out, copyVote(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedDt.Before(out[j].RecordedDt)
	})
	return out, nil
}

func (t *memTxn) PutRule(ctx context.Context, r *model.Rule) error {
	t.putRules[ruleKey(r.BlockableID, r.RuleID)] = copyRule(r)
	return nil
}

func (t *memTxn) PutRules(ctx context.Context, rules []*model.Rule) error {
	for _, r := range rules {
		if err := t.PutRule(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) RulesByBlockable(ctx context.Context, blockableID string, inEffectOnly bool) ([]*model.Rule, error) {
	var out []*model.Rule
	for _, r := range t.s.rules {
		if r.BlockableID != blockableID {
			continue
		}
		if inEffectOnly && !r.InEffect {
			continue
		}
		out = append(out, copyRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedDt.Before(out[j].RecordedDt)
	})
	return out, nil
}

func (t *memTxn) RulesByIDs(ctx context.Context, blockableID string, ruleIDs []string) ([]*model.Rule, error) {
	out := make([]*model.Rule, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		r, ok := t.s.rules[ruleKey(blockableID, id)]
		if !ok {
			return nil, ErrNoSuchEntity
		}
		out = append(out, copyRule(r))
	}
	return out, nil
}

func (t *memTxn) PutChangeSet(ctx context.Context, cs *model.ChangeSet) error {
	t.putChanges[changeKey(cs.BlockableID, cs.ChangeID)] = copyChangeSet(cs)
	return nil
}

func (t *memTxn) DeleteChangeSet(ctx context.Context, blockableID, changeID string) error {
	t.delChanges[changeKey(blockableID, changeID)] = true
	return nil
}

func (t *memTxn) GetChangeSet(ctx context.Context, blockableID, changeID string) (*model.ChangeSet, error) {
	cs, ok := t.s.changes[changeKey(blockableID, changeID)]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyChangeSet(cs), nil
}

func (t *memTxn) ChangeSetsByBlockable(ctx context.Context, blockableID string, limit int) ([]*model.ChangeSet, error) {
	type seqChange struct {
		cs  *model.ChangeSet
		seq int64
	}
	var all []seqChange
	for k, cs := range t.s.changes {
		if cs.BlockableID == blockableID {
			all = append(all, seqChange{copyChangeSet(cs), t.s.changeSeq[k]})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].cs.RecordedDt.Equal(all[j].cs.RecordedDt) {
			return all[i].cs.RecordedDt.Before(all[j].cs.RecordedDt)
		}
		return all[i].seq < all[j].seq
	})
	out := make([]*model.ChangeSet, 0, len(all))
	for _, sc := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, sc.cs)
	}
	return out, nil
}

func (t *memTxn) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// --- Store surface -------------------------------------------------------

func (s *MemStore) Transact(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	s.mu.Lock()
	tx := newMemTxn(s)
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	tx.commit()
	s.mu.Unlock()

	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// autocommit runs a single operation as its own transaction.
func (s *MemStore) autocommit(ctx context.Context, fn func(tx *memTxn) error) error {
	return s.Transact(ctx, func(ctx context.Context, tx Txn) error {
		return fn(tx.(*memTxn))
	})
}

func (s *MemStore) GetBlockable(ctx context.Context, id string) (*model.Blockable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blockables[id]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyBlockable(b), nil
}

func (s *MemStore) PutBlockable(ctx context.Context, b *model.Blockable) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutBlockable(ctx, b) })
}

func (s *MemStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyUser(u), nil
}

func (s *MemStore) PutUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(u.Email)] = copyUser(u)
	return nil
}

func (s *MemStore) GetVote(ctx context.Context, blockableID, userEmail, voteID string) (*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteKey(blockableID, userEmail, voteID)]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyVote(v), nil
}

func (s *MemStore) PutVote(ctx context.Context, v *model.Vote) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutVote(ctx, v) })
}

func (s *MemStore) PutVotes(ctx context.Context, votes []*model.Vote) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutVotes(ctx, votes) })
}

func (s *MemStore) DeleteVotes(ctx context.Context, votes []*model.Vote) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.DeleteVotes(ctx, votes) })
}

func (s *MemStore) VotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newMemTxn(s).VotesByBlockable(ctx, blockableID)
}

// AllVotesByBlockable returns every vote under a blockable, archived ones
// included. Used by audit tooling and tests.
func (s *MemStore) AllVotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Vote
	for _, v := range s.votes {
		if v.BlockableID == blockableID {
			out = append(out, copyVote(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedDt.Before(out[j].RecordedDt)
	})
	return out, nil
}

func (s *MemStore) PutRule(ctx context.Context, r *model.Rule) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutRule(ctx, r) })
}

func (s *MemStore) PutRules(ctx context.Context, rules []*model.Rule) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutRules(ctx, rules) })
}

func (s *MemStore) RulesByBlockable(ctx context.Context, blockableID string, inEffectOnly bool) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newMemTxn(s).RulesByBlockable(ctx, blockableID, inEffectOnly)
}

func (s *MemStore) RulesByIDs(ctx context.Context, blockableID string, ruleIDs []string) ([]*model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newMemTxn(s).RulesByIDs(ctx, blockableID, ruleIDs)
}

func (s *MemStore) PutChangeSet(ctx context.Context, cs *model.ChangeSet) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.PutChangeSet(ctx, cs) })
}

func (s *MemStore) DeleteChangeSet(ctx context.Context, blockableID, changeID string) error {
	return s.autocommit(ctx, func(tx *memTxn) error { return tx.DeleteChangeSet(ctx, blockableID, changeID) })
}

func (s *MemStore) GetChangeSet(ctx context.Context, blockableID, changeID string) (*model.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newMemTxn(s).GetChangeSet(ctx, blockableID, changeID)
}

func (s *MemStore) ChangeSetsByBlockable(ctx context.Context, blockableID string, limit int) ([]*model.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newMemTxn(s).ChangeSetsByBlockable(ctx, blockableID, limit)
}

func (s *MemStore) OnCommit(fn func()) {
	// Autocommit mode: no pending transaction, run immediately.
	fn()
}

func (s *MemStore) GetHost(ctx context.Context, id string) (*model.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, ErrNoSuchEntity
	}
	return copyHost(h), nil
}

func (s *MemStore) PutHost(ctx context.Context, h *model.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.ID] = copyHost(h)
	return nil
}

func (s *MemStore) HostsByPrimaryUser(ctx context.Context, shortName string) ([]*model.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Host
	for _, h := range s.hosts {
		if strings.EqualFold(h.PrimaryUser, shortName) {
			out = append(out, copyHost(h))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) HostsByUser(ctx context.Context, shortName string) ([]*model.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Host
	for _, h := range s.hosts {
		for _, u := range h.Users {
			if strings.EqualFold(u, shortName) {
				out = append(out, copyHost(h))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemStore)(nil)
