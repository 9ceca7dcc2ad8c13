// Package model defines the entities the voting engine operates on:
// blockables, votes, rules, hosts, users, and change sets.
package model

import (
	"strings"
	"time"
)

// InEffectVoteID is the reserved vote sub-id under which the single
// in-effect vote per (blockable, voter) is stored. Archived votes are
// re-keyed to a random sub-id so score queries skip them.
const InEffectVoteID = "InEffect"

// Blockable is an artifact subject to a policy decision: a binary, a
// codesigning certificate, or a bundle. The kind-specific payloads hang off
// the shared header as tagged variants rather than an inheritance chain.
type Blockable struct {
	ID       string   `json:"id"`
	IDType   IDType   `json:"id_type"`
	Platform Platform `json:"platform"`
	Kind     RuleType `json:"kind"`

	State    State `json:"state"`
	Score    int64 `json:"score"`
	Flagged  bool  `json:"flagged"`

	FileName    string `json:"file_name,omitempty"`
	Publisher   string `json:"publisher,omitempty"`
	ProductName string `json:"product_name,omitempty"`
	Version     string `json:"version,omitempty"`

	FirstSeenDt   time.Time `json:"first_seen_dt"`
	UpdatedDt     time.Time `json:"updated_dt"`
	StateChangeDt time.Time `json:"state_change_dt"`

	// Exactly one of these is set, matching Kind.
	Binary *BinaryInfo `json:"binary,omitempty"`
	Bundle *BundleInfo `json:"bundle,omitempty"`
}

// BinaryInfo carries the binary-only attributes of a blockable.
type BinaryInfo struct {
	CertFingerprint string `json:"cert_fingerprint,omitempty"`

	// Windows-only: the id of the external file catalog entry for this
	// binary, and the installer-detection flags mirrored from the agent.
	FileCatalogID     string `json:"file_catalog_id,omitempty"`
	DetectedInstaller bool   `json:"detected_installer"`
	IsInstaller       bool   `json:"is_installer"`
}

// BundleInfo carries the bundle-only attributes of a blockable.
type BundleInfo struct {
	BinaryCount int64     `json:"binary_count"`
	MemberIDs   []string  `json:"member_ids,omitempty"`
	UploadedDt  time.Time `json:"uploaded_dt"`
}

// ChangeState moves the blockable to a new state and stamps the transition
// time. Callers are responsible for persisting and for emitting the
// STATE_CHANGE analytics row.
func (b *Blockable) ChangeState(next State, now time.Time) {
	b.State = next
	b.StateChangeDt = now
}

// Vote is a single weighted vote on a blockable by one user. The in-effect
// vote for a (blockable, voter) pair always lives at VoteID == InEffectVoteID;
// superseded votes are retained under random sub-ids.
type Vote struct {
	BlockableID   string    `json:"blockable_id"`
	UserEmail     string    `json:"user_email"`
	VoteID        string    `json:"vote_id"`
	WasYes        bool      `json:"was_yes_vote"`
	Weight        int64     `json:"weight"`
	CandidateType RuleType  `json:"candidate_type"`
	RecordedDt    time.Time `json:"recorded_dt"`
}

// InEffect reports whether this vote counts toward the blockable score.
func (v *Vote) InEffect() bool {
	return v.VoteID == InEffectVoteID
}

// EffectiveWeight is the vote's signed contribution to the score.
func (v *Vote) EffectiveWeight() int64 {
	if v.WasYes {
		return v.Weight
	}
	return -v.Weight
}

// Rule is a concrete allow/deny/remove decision, scoped globally (empty
// HostID) or to a single endpoint. Disabled rules keep their key; they are
// never deleted.
type Rule struct {
	BlockableID string   `json:"blockable_id"`
	RuleID      string   `json:"rule_id"`
	RuleType    RuleType `json:"rule_type"`
	Policy      Policy   `json:"policy"`
	InEffect    bool     `json:"in_effect"`

	HostID    string `json:"host_id,omitempty"`
	UserEmail string `json:"user_email,omitempty"` // local-scope provenance

	// Windows only. IsCommitted is the committer's idempotency token.
	// IsFulfilled is meaningful for committed local rules: false means the
	// endpoint had never seen the file when the commit landed.
	IsCommitted bool `json:"is_committed"`
	IsFulfilled bool `json:"is_fulfilled"`

	RecordedDt time.Time `json:"recorded_dt"`
	UpdatedDt  time.Time `json:"updated_dt"`
}

// Local reports whether the rule is scoped to a single endpoint.
func (r *Rule) Local() bool {
	return r.HostID != ""
}

// MarkDisabled takes the rule out of effect without deleting it.
func (r *Rule) MarkDisabled(now time.Time) {
	r.InEffect = false
	r.UpdatedDt = now
}

// ChangeSet is a durable batch of rule mutations awaiting commit to the
// external Windows policy API. It is created in the same transaction as its
// rules and deleted once fully applied.
type ChangeSet struct {
	BlockableID string    `json:"blockable_id"`
	ChangeID    string    `json:"change_id"`
	RuleIDs     []string  `json:"rule_ids"`
	ChangeType  Policy    `json:"change_type"`
	RecordedDt  time.Time `json:"recorded_dt"`
}

// User is a voter. Weights and permissions are managed by the role-sync
// machinery; the engine treats them as read-only.
type User struct {
	Email       string       `json:"email"`
	VoteWeight  int64        `json:"vote_weight"`
	IsAdmin     bool         `json:"is_admin"`
	Roles       []string     `json:"roles,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// HasPermission reports whether the user holds the named capability.
func (u *User) HasPermission(p Permission) bool {
	for _, held := range u.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// ShortName is the username half of the user's email, used to match hosts.
func (u *User) ShortName() string {
	name, _, _ := strings.Cut(u.Email, "@")
	return strings.ToLower(name)
}

// Host is a managed endpoint. The engine only reads hosts, and only to
// decide where locally-scoped allow rules should land.
type Host struct {
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	Hostname string   `json:"hostname,omitempty"`

	PrimaryUser string   `json:"primary_user,omitempty"` // macOS
	Users       []string `json:"users,omitempty"`        // Windows

	Hidden         bool `json:"hidden"`
	TransitiveMode bool `json:"transitive_mode"`

	// Windows health signals, used by the committer to decide whether a
	// missing fileInstance means "not yet" or "endpoint is gone".
	LastPollDt  time.Time `json:"last_poll_dt"`
	SyncPercent int64     `json:"sync_percent"`
}
