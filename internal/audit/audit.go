// Package audit appends and queries the per-tenant activity log.
//
// The log is append-only: one row per mutating call and per tool call, with
// the acting principal, the touched resource, and a free-form detail object.
// Nothing in the system updates or deletes audit rows; tenant teardown is
// the only way they go away.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Entry is one audit log row.
type Entry struct {
	ID        int64          `json:"id"`
	Actor     string         `json:"actor"`
	AgentID   string         `json:"agent_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter narrows an activity query. Zero values mean "any".
type Filter struct {
	AgentID  string
	Action   string
	Resource string
	Limit    int
	Offset   int
}

// Log writes and reads audit entries inside a tenant transaction.
type Log struct{}

// NewLog returns a Log.
func NewLog() *Log { return &Log{} }

// Append records one action. detail may be nil.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, actor, agentID, action, resource string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (actor, agent_id, action, resource, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		actor, agentID, action, resource, raw)
	return err
}

// Recent returns entries newest first, filtered.
func (l *Log) Recent(ctx context.Context, tx pgx.Tx, f Filter) ([]*Entry, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	rows, err := tx.Query(ctx, `
		SELECT id, actor, agent_id, action, resource, detail, created_at
		FROM audit_log
		WHERE ($1 = '' OR agent_id = $1)
		  AND ($2 = '' OR action = $2)
		  AND ($3 = '' OR resource = $3)
		ORDER BY id DESC
		LIMIT $4 OFFSET $5`,
		f.AgentID, f.Action, f.Resource, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.AgentID, &e.Action, &e.Resource, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByAgent returns per-agent activity totals, busiest first. It backs
// the dashboard's agent overview.
func (l *Log) CountByAgent(ctx context.Context, tx pgx.Tx) (map[string]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT agent_id, count(*) FROM audit_log
		WHERE agent_id <> '' GROUP BY agent_id ORDER BY count(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var agent string
		var n int64
		if err := rows.Scan(&agent, &n); err != nil {
			return nil, err
		}
		out[agent] = n
	}
	return out, rows.Err()
}
