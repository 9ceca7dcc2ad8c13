// Package analytics streams lifecycle rows (votes, binaries, rules, hosts)
// to the analytics warehouse. Delivery is best-effort-but-durable: failures
// are logged and never propagate to the caller's hot path.
package analytics

import (
	"time"
)

// Table names the per-event-type destination tables.
type Table string

const (
	TableBinary      Table = "Binary"
	TableCertificate Table = "Certificate"
	TableBundle      Table = "Bundle"
	TableVote        Table = "Vote"
	TableRule        Table = "Rule"
	TableHost        Table = "Host"
	TableUser        Table = "User"
)

// Block actions recorded in the Binary/Certificate/Bundle tables.
const (
	ActionFirstSeen   = "FIRST_SEEN"
	ActionScoreChange = "SCORE_CHANGE"
	ActionStateChange = "STATE_CHANGE"
	ActionReset       = "RESET"
	ActionComment     = "COMMENT"
)

// Row is one record bound for a table. OrderKey groups rows that must not be
// reordered relative to each other (the blockable id); rows across different
// keys may be delivered in any order.
type Row struct {
	Table    Table
	OrderKey string
	Fields   map[string]any
}

// Sink accepts rows. Insert must never block the caller and must never
// surface an error into the enclosing request or transaction.
type Sink interface {
	Insert(row Row)
}

// BlockableRow builds a Binary/Certificate/Bundle row for a lifecycle action.
func BlockableRow(table Table, action, id string, state string, score int64, ts time.Time, extra map[string]any) Row {
	fields := map[string]any{
		"sha256":    id,
		"timestamp": ts,
		"action":    action,
		"state":     state,
		"score":     score,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return Row{Table: table, OrderKey: id, Fields: fields}
}

// VoteRow builds a Vote-table row.
func VoteRow(blockableID string, upvote bool, weight int64, voter, platform, targetType string, ts time.Time) Row {
	return Row{
		Table:    TableVote,
		OrderKey: blockableID,
		Fields: map[string]any{
			"sha256":      blockableID,
			"timestamp":   ts,
			"upvote":      upvote,
			"weight":      weight,
			"voter":       voter,
			"platform":    platform,
			"target_type": targetType,
		},
	}
}

// RuleRow builds a Rule-table row.
func RuleRow(blockableID, policy, targetType, hostID, userEmail string, ts time.Time) Row {
	scope := "GLOBAL"
	if hostID != "" || userEmail != "" {
		scope = "LOCAL"
	}
	var device any
	if hostID != "" {
		device = hostID
	}
	var user any
	if userEmail != "" {
		user = userEmail
	}
	return Row{
		Table:    TableRule,
		OrderKey: blockableID,
		Fields: map[string]any{
			"sha256":      blockableID,
			"timestamp":   ts,
			"scope":       scope,
			"policy":      policy,
			"target_type": targetType,
			"device_id":   device,
			"user":        user,
		},
	}
}
