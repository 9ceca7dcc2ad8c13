// Package spannerstore implements store.Store on Cloud Spanner. Votes,
// rules, and change sets are interleaved in their parent blockable row, so
// per-blockable queries stay within one split.
//
// Spanner's read-write transactions buffer writes client-side until commit,
// which gives exactly the snapshot semantics the store contract promises:
// reads inside a transaction never observe the transaction's own writes.
package spannerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
)

// Store is the Spanner-backed implementation of store.Store.
type Store struct {
	client *spanner.Client
	logger *log.Logger
}

func New(project, instance, database string) (*Store, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	s := &Store{
		client: client,
		logger: log.New(log.Writer(), "[SpannerStore] ", log.LstdFlags),
	}
	s.logger.Printf("Connected to Spanner database %s", dbPath)
	return s, nil
}

// Close shuts down the Spanner client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// reader is the read surface shared by single-use read-only transactions
// and buffered read-write transactions.
type reader interface {
	ReadRow(ctx context.Context, table string, key spanner.Key, columns []string) (*spanner.Row, error)
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

// txn adapts one transaction attempt (or autocommit access) to store.Txn.
type txn struct {
	s     *Store
	rw    *spanner.ReadWriteTransaction // nil in autocommit mode
	hooks []func()
}

func (t *txn) reader() reader {
	if t.rw != nil {
		return t.rw
	}
	return t.s.client.Single()
}

func (t *txn) apply(ctx context.Context, muts ...*spanner.Mutation) error {
	if t.rw != nil {
		return t.rw.BufferWrite(muts)
	}
	_, err := t.s.client.Apply(ctx, muts)
	return err
}

func (t *txn) OnCommit(fn func()) {
	if t.rw == nil {
		fn()
		return
	}
	t.hooks = append(t.hooks, fn)
}

// Transact runs fn in a Spanner read-write transaction. Spanner retries fn
// on abort; hooks registered by an aborted attempt are discarded, so the
// surviving attempt's hooks run exactly once.
func (s *Store) Transact(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	var hooks []func()
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, rw *spanner.ReadWriteTransaction) error {
		t := &txn{s: s, rw: rw}
		if err := fn(ctx, t); err != nil {
			return err
		}
		hooks = t.hooks
		return nil
	})
	if err != nil {
		return err
	}
	for _, h := range hooks {
		h()
	}
	return nil
}

// Autocommit access goes through a throwaway txn adapter.
func (s *Store) auto() *txn {
	return &txn{s: s}
}

func (s *Store) GetBlockable(ctx context.Context, id string) (*model.Blockable, error) {
	return s.auto().GetBlockable(ctx, id)
}
func (s *Store) PutBlockable(ctx context.Context, b *model.Blockable) error {
	return s.auto().PutBlockable(ctx, b)
}
func (s *Store) GetUser(ctx context.Context, email string) (*model.User, error) {
	return s.auto().GetUser(ctx, email)
}
func (s *Store) GetVote(ctx context.Context, blockableID, userEmail, voteID string) (*model.Vote, error) {
	return s.auto().GetVote(ctx, blockableID, userEmail, voteID)
}
func (s *Store) PutVote(ctx context.Context, v *model.Vote) error {
	return s.auto().PutVote(ctx, v)
}
func (s *Store) PutVotes(ctx context.Context, votes []*model.Vote) error {
	return s.auto().PutVotes(ctx, votes)
}
func (s *Store) DeleteVotes(ctx context.Context, votes []*model.Vote) error {
	return s.auto().DeleteVotes(ctx, votes)
}
func (s *Store) VotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error) {
	return s.auto().VotesByBlockable(ctx, blockableID)
}
func (s *Store) PutRule(ctx context.Context, r *model.Rule) error {
	return s.auto().PutRule(ctx, r)
}
func (s *Store) PutRules(ctx context.Context, rules []*model.Rule) error {
	return s.auto().PutRules(ctx, rules)
}
func (s *Store) RulesByBlockable(ctx context.Context, blockableID string, inEffectOnly bool) ([]*model.Rule, error) {
	return s.auto().RulesByBlockable(ctx, blockableID, inEffectOnly)
}
func (s *Store) RulesByIDs(ctx context.Context, blockableID string, ruleIDs []string) ([]*model.Rule, error) {
	return s.auto().RulesByIDs(ctx, blockableID, ruleIDs)
}
func (s *Store) PutChangeSet(ctx context.Context, cs *model.ChangeSet) error {
	return s.auto().PutChangeSet(ctx, cs)
}
func (s *Store) DeleteChangeSet(ctx context.Context, blockableID, changeID string) error {
	return s.auto().DeleteChangeSet(ctx, blockableID, changeID)
}
func (s *Store) GetChangeSet(ctx context.Context, blockableID, changeID string) (*model.ChangeSet, error) {
	return s.auto().GetChangeSet(ctx, blockableID, changeID)
}
func (s *Store) ChangeSetsByBlockable(ctx context.Context, blockableID string, limit int) ([]*model.ChangeSet, error) {
	return s.auto().ChangeSetsByBlockable(ctx, blockableID, limit)
}
func (s *Store) OnCommit(fn func()) {
	fn()
}

// --- Blockables ---

var blockableCols = []string{
	"BlockableID", "IDType", "Platform", "Kind", "State", "Score", "Flagged",
	"FileName", "Publisher", "ProductName", "Version",
	"FirstSeenDt", "UpdatedDt", "StateChangeDt", "BinaryJSON", "BundleJSON",
}

func (t *txn) GetBlockable(ctx context.Context, id string) (*model.Blockable, error) {
	row, err := t.reader().ReadRow(ctx, "Blockables", spanner.Key{id}, blockableCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: blockable %s", store.ErrNoSuchEntity, id)
		}
		return nil, err
	}
	return scanBlockable(row)
}

func scanBlockable(row *spanner.Row) (*model.Blockable, error) {
	var b model.Blockable
	var idType, platform, kind, state int64
	var binaryJSON, bundleJSON spanner.NullString
	err := row.Columns(
		&b.ID, &idType, &platform, &kind, &state, &b.Score, &b.Flagged,
		&b.FileName, &b.Publisher, &b.ProductName, &b.Version,
		&b.FirstSeenDt, &b.UpdatedDt, &b.StateChangeDt, &binaryJSON, &bundleJSON,
	)
	if err != nil {
		return nil, err
	}
	b.IDType = model.IDType(idType)
	b.Platform = model.Platform(platform)
	b.Kind = model.RuleType(kind)
	b.State = model.State(state)
	if binaryJSON.Valid {
		b.Binary = &model.BinaryInfo{}
		if err := json.Unmarshal([]byte(binaryJSON.StringVal), b.Binary); err != nil {
			return nil, fmt.Errorf("decode binary payload for %s: %w", b.ID, err)
		}
	}
	if bundleJSON.Valid {
		b.Bundle = &model.BundleInfo{}
		if err := json.Unmarshal([]byte(bundleJSON.StringVal), b.Bundle); err != nil {
			return nil, fmt.Errorf("decode bundle payload for %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func (t *txn) PutBlockable(ctx context.Context, b *model.Blockable) error {
	binaryJSON, err := payloadJSON(b.Binary != nil, b.Binary)
	if err != nil {
		return err
	}
	bundleJSON, err := payloadJSON(b.Bundle != nil, b.Bundle)
	if err != nil {
		return err
	}
	return t.apply(ctx, spanner.InsertOrUpdate("Blockables", blockableCols, []interface{}{
		b.ID, int64(b.IDType), int64(b.Platform), int64(b.Kind), int64(b.State), b.Score, b.Flagged,
		b.FileName, b.Publisher, b.ProductName, b.Version,
		b.FirstSeenDt, b.UpdatedDt, b.StateChangeDt, binaryJSON, bundleJSON,
	}))
}

func payloadJSON(present bool, v any) (spanner.NullString, error) {
	if !present {
		return spanner.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return spanner.NullString{}, err
	}
	return spanner.NullString{StringVal: string(raw), Valid: true}, nil
}

// --- Users ---

var userCols = []string{"Email", "VoteWeight", "IsAdmin", "Roles", "Permissions"}

func (t *txn) GetUser(ctx context.Context, email string) (*model.User, error) {
	row, err := t.reader().ReadRow(ctx, "Users", spanner.Key{email}, userCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: user %s", store.ErrNoSuchEntity, email)
		}
		return nil, err
	}
	var u model.User
	var perms []string
	if err := row.Columns(&u.Email, &u.VoteWeight, &u.IsAdmin, &u.Roles, &perms); err != nil {
		return nil, err
	}
	u.Permissions = make([]model.Permission, len(perms))
	for i, p := range perms {
		u.Permissions[i] = model.Permission(p)
	}
	return &u, nil
}

func (s *Store) PutUser(ctx context.Context, u *model.User) error {
	perms := make([]string, len(u.Permissions))
	for i, p := range u.Permissions {
		perms[i] = string(p)
	}
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("Users", userCols, []interface{}{
			u.Email, u.VoteWeight, u.IsAdmin, u.Roles, perms,
		}),
	})
	return err
}

// --- Votes ---

var voteCols = []string{
	"BlockableID", "UserEmail", "VoteID", "WasYes", "Weight", "CandidateType", "RecordedDt",
}

func (t *txn) GetVote(ctx context.Context, blockableID, userEmail, voteID string) (*model.Vote, error) {
	row, err := t.reader().ReadRow(ctx, "Votes", spanner.Key{blockableID, userEmail, voteID}, voteCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: vote %s/%s/%s", store.ErrNoSuchEntity, blockableID, userEmail, voteID)
		}
		return nil, err
	}
	return scanVote(row)
}

func scanVote(row *spanner.Row) (*model.Vote, error) {
	var v model.Vote
	var candidateType int64
	err := row.Columns(
		&v.BlockableID, &v.UserEmail, &v.VoteID, &v.WasYes, &v.Weight, &candidateType, &v.RecordedDt,
	)
	if err != nil {
		return nil, err
	}
	v.CandidateType = model.RuleType(candidateType)
	return &v, nil
}

func voteMutation(v *model.Vote) *spanner.Mutation {
	return spanner.InsertOrUpdate("Votes", voteCols, []interface{}{
		v.BlockableID, v.UserEmail, v.VoteID, v.WasYes, v.Weight, int64(v.CandidateType), v.RecordedDt,
	})
}

func (t *txn) PutVote(ctx context.Context, v *model.Vote) error {
	return t.apply(ctx, voteMutation(v))
}

func (t *txn) PutVotes(ctx context.Context, votes []*model.Vote) error {
	if len(votes) == 0 {
		return nil
	}
	muts := make([]*spanner.Mutation, len(votes))
	for i, v := range votes {
		muts[i] = voteMutation(v)
	}
	return t.apply(ctx, muts...)
}

func (t *txn) DeleteVotes(ctx context.Context, votes []*model.Vote) error {
	if len(votes) == 0 {
		return nil
	}
	muts := make([]*spanner.Mutation, len(votes))
	for i, v := range votes {
		muts[i] = spanner.Delete("Votes", spanner.Key{v.BlockableID, v.UserEmail, v.VoteID})
	}
	return t.apply(ctx, muts...)
}

func (t *txn) VotesByBlockable(ctx context.Context, blockableID string) ([]*model.Vote, error) {
	stmt := spanner.Statement{
		SQL: `SELECT BlockableID, UserEmail, VoteID, WasYes, Weight, CandidateType, RecordedDt
		      FROM Votes WHERE BlockableID = @id AND VoteID = @inEffect`,
		Params: map[string]interface{}{"id": blockableID, "inEffect": model.InEffectVoteID},
	}
	iter := t.reader().Query(ctx, stmt)
	defer iter.Stop()

	var votes []*model.Vote
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		v, err := scanVote(row)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, nil
}

// --- Rules ---

var ruleCols = []string{
	"BlockableID", "RuleID", "RuleType", "Policy", "InEffect",
	"HostID", "UserEmail", "IsCommitted", "IsFulfilled", "RecordedDt", "UpdatedDt",
}

func scanRule(row *spanner.Row) (*model.Rule, error) {
	var r model.Rule
	var ruleType, policy int64
	err := row.Columns(
		&r.BlockableID, &r.RuleID, &ruleType, &policy, &r.InEffect,
		&r.HostID, &r.UserEmail, &r.IsCommitted, &r.IsFulfilled, &r.RecordedDt, &r.UpdatedDt,
	)
	if err != nil {
		return nil, err
	}
	r.RuleType = model.RuleType(ruleType)
	r.Policy = model.Policy(policy)
	return &r, nil
}

func ruleMutation(r *model.Rule) *spanner.Mutation {
	return spanner.InsertOrUpdate("Rules", ruleCols, []interface{}{
		r.BlockableID, r.RuleID, int64(r.RuleType), int64(r.Policy), r.InEffect,
		r.HostID, r.UserEmail, r.IsCommitted, r.IsFulfilled, r.RecordedDt, r.UpdatedDt,
	})
}

func (t *txn) PutRule(ctx context.Context, r *model.Rule) error {
	return t.apply(ctx, ruleMutation(r))
}

func (t *txn) PutRules(ctx context.Context, rules []*model.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	muts := make([]*spanner.Mutation, len(rules))
	for i, r := range rules {
		muts[i] = ruleMutation(r)
	}
	return t.apply(ctx, muts...)
}

func (t *txn) RulesByBlockable(ctx context.Context, blockableID string, inEffectOnly bool) ([]*model.Rule, error) {
	sql := `SELECT BlockableID, RuleID, RuleType, Policy, InEffect, HostID, UserEmail,
	               IsCommitted, IsFulfilled, RecordedDt, UpdatedDt
	        FROM Rules WHERE BlockableID = @id`
	if inEffectOnly {
		sql += ` AND InEffect`
	}
	stmt := spanner.Statement{SQL: sql, Params: map[string]interface{}{"id": blockableID}}
	return t.queryRules(ctx, stmt)
}

func (t *txn) RulesByIDs(ctx context.Context, blockableID string, ruleIDs []string) ([]*model.Rule, error) {
	stmt := spanner.Statement{
		SQL: `SELECT BlockableID, RuleID, RuleType, Policy, InEffect, HostID, UserEmail,
		             IsCommitted, IsFulfilled, RecordedDt, UpdatedDt
		      FROM Rules WHERE BlockableID = @id AND RuleID IN UNNEST(@ids)`,
		Params: map[string]interface{}{"id": blockableID, "ids": ruleIDs},
	}
	return t.queryRules(ctx, stmt)
}

func (t *txn) queryRules(ctx context.Context, stmt spanner.Statement) ([]*model.Rule, error) {
	iter := t.reader().Query(ctx, stmt)
	defer iter.Stop()

	var rules []*model.Rule
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		r, err := scanRule(row)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// --- ChangeSets ---

var changeSetCols = []string{"BlockableID", "ChangeID", "RuleIDs", "ChangeType", "RecordedDt"}

func scanChangeSet(row *spanner.Row) (*model.ChangeSet, error) {
	var cs model.ChangeSet
	var changeType int64
	if err := row.Columns(&cs.BlockableID, &cs.ChangeID, &cs.RuleIDs, &changeType, &cs.RecordedDt); err != nil {
		return nil, err
	}
	cs.ChangeType = model.Policy(changeType)
	return &cs, nil
}

func (t *txn) PutChangeSet(ctx context.Context, cs *model.ChangeSet) error {
	return t.apply(ctx, spanner.InsertOrUpdate("ChangeSets", changeSetCols, []interface{}{
		cs.BlockableID, cs.ChangeID, cs.RuleIDs, int64(cs.ChangeType), cs.RecordedDt,
	}))
}

func (t *txn) DeleteChangeSet(ctx context.Context, blockableID, changeID string) error {
	return t.apply(ctx, spanner.Delete("ChangeSets", spanner.Key{blockableID, changeID}))
}

func (t *txn) GetChangeSet(ctx context.Context, blockableID, changeID string) (*model.ChangeSet, error) {
	row, err := t.reader().ReadRow(ctx, "ChangeSets", spanner.Key{blockableID, changeID}, changeSetCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: change set %s/%s", store.ErrNoSuchEntity, blockableID, changeID)
		}
		return nil, err
	}
	return scanChangeSet(row)
}

func (t *txn) ChangeSetsByBlockable(ctx context.Context, blockableID string, limit int) ([]*model.ChangeSet, error) {
	stmt := spanner.Statement{
		SQL: `SELECT BlockableID, ChangeID, RuleIDs, ChangeType, RecordedDt
		      FROM ChangeSets WHERE BlockableID = @id
		      ORDER BY RecordedDt LIMIT @limit`,
		Params: map[string]interface{}{"id": blockableID, "limit": int64(limit)},
	}
	iter := t.reader().Query(ctx, stmt)
	defer iter.Stop()

	var changes []*model.ChangeSet
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		cs, err := scanChangeSet(row)
		if err != nil {
			return nil, err
		}
		changes = append(changes, cs)
	}
	return changes, nil
}

// --- Hosts ---

var hostCols = []string{
	"HostID", "Platform", "Hostname", "PrimaryUser", "Users",
	"Hidden", "TransitiveMode", "LastPollDt", "SyncPercent",
}

func scanHost(row *spanner.Row) (*model.Host, error) {
	var h model.Host
	var platform int64
	err := row.Columns(
		&h.ID, &platform, &h.Hostname, &h.PrimaryUser, &h.Users,
		&h.Hidden, &h.TransitiveMode, &h.LastPollDt, &h.SyncPercent,
	)
	if err != nil {
		return nil, err
	}
	h.Platform = model.Platform(platform)
	return &h, nil
}

func (s *Store) GetHost(ctx context.Context, id string) (*model.Host, error) {
	row, err := s.client.Single().ReadRow(ctx, "Hosts", spanner.Key{id}, hostCols)
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: host %s", store.ErrNoSuchEntity, id)
		}
		return nil, err
	}
	return scanHost(row)
}

func (s *Store) PutHost(ctx context.Context, h *model.Host) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("Hosts", hostCols, []interface{}{
			h.ID, int64(h.Platform), h.Hostname, h.PrimaryUser, h.Users,
			h.Hidden, h.TransitiveMode, h.LastPollDt, h.SyncPercent,
		}),
	})
	return err
}

func (s *Store) HostsByPrimaryUser(ctx context.Context, shortName string) ([]*model.Host, error) {
	stmt := spanner.Statement{
		SQL: `SELECT HostID, Platform, Hostname, PrimaryUser, Users,
		             Hidden, TransitiveMode, LastPollDt, SyncPercent
		      FROM Hosts WHERE PrimaryUser = @user`,
		Params: map[string]interface{}{"user": shortName},
	}
	return s.queryHosts(ctx, stmt)
}

func (s *Store) HostsByUser(ctx context.Context, shortName string) ([]*model.Host, error) {
	stmt := spanner.Statement{
		SQL: `SELECT HostID, Platform, Hostname, PrimaryUser, Users,
		             Hidden, TransitiveMode, LastPollDt, SyncPercent
		      FROM Hosts WHERE @user IN UNNEST(Users)`,
		Params: map[string]interface{}{"user": shortName},
	}
	return s.queryHosts(ctx, stmt)
}

func (s *Store) queryHosts(ctx context.Context, stmt spanner.Statement) ([]*model.Host, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var hosts []*model.Host
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		h, err := scanHost(row)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

var _ store.Store = (*Store)(nil)
