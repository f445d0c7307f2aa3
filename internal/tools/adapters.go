package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mnemohq/mnemo/internal/consent"
	"github.com/mnemohq/mnemo/internal/embedding"
	"github.com/mnemohq/mnemo/internal/graph"
	"github.com/mnemohq/mnemo/internal/ledger"
	"github.com/mnemohq/mnemo/internal/profile"
	"github.com/mnemohq/mnemo/internal/sqlguard"
	"github.com/mnemohq/mnemo/internal/tables"
	"github.com/mnemohq/mnemo/internal/tenant"
	"github.com/mnemohq/mnemo/internal/vectors"
)

// Content is one MCP content block.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the tools/call response body. Tool failures ride inside it
// with IsError set; only protocol failures become JSON-RPC errors.
type CallResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// Structured renders a tool result with both a text block and the machine
// form, so plain-text and structured MCP clients each get something usable.
func Structured(v any) *CallResult {
	return &CallResult{
		Content:           []Content{{Type: "text", Text: renderText(v)}},
		StructuredContent: v,
	}
}

// Fold turns a domain error into an in-band tool failure.
func Fold(err error) *CallResult {
	code := Code(err)
	msg := err.Error()
	if code == "INTERNAL" {
		// Never leak internals to agents; the real cause is in the log.
		msg = "internal error"
	}
	return &CallResult{
		Content: []Content{{Type: "text", Text: code + ": " + msg}},
		IsError: true,
	}
}

// Code maps a domain error to its wire taxonomy code. Transports layer
// their own auth and quota codes on top; this covers everything a tool
// call can surface.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return "UNKNOWN_TOOL"
	case errors.Is(err, ErrInvalidArgs):
		return "INVALID_ARGS"
	case errors.Is(err, consent.ErrDenied):
		return "CONSENT_DENIED"
	case errors.Is(err, profile.ErrIdentityConflict):
		return "IDENTITY_CONFLICT"
	case errors.Is(err, profile.ErrEmptyPatch), errors.Is(err, vectors.ErrEmptyContent):
		return "INVALID_ARGS"
	case errors.Is(err, sqlguard.ErrRejected):
		return "SQL_SANDBOX_ERROR"
	case errors.Is(err, vectors.ErrBadCollection):
		return "INVALID_COLLECTION"
	case errors.Is(err, vectors.ErrTierLimit), errors.Is(err, tables.ErrTierLimit):
		return "TIER_LIMIT_EXCEEDED"
	case errors.Is(err, tables.ErrBadName), errors.Is(err, tables.ErrNoColumns),
		errors.Is(err, graph.ErrBadInput), errors.Is(err, ledger.ErrInvalidOrigin):
		return "BAD_REQUEST"
	case errors.Is(err, ledger.ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, tables.ErrNotFound),
		errors.Is(err, graph.ErrNotFound), errors.Is(err, vectors.ErrNotFound),
		errors.Is(err, profile.ErrVersionNotFound), errors.Is(err, tenant.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, embedding.ErrDisabled), errors.Is(err, embedding.ErrUnavailable):
		return "EMBEDDING_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// renderText summarizes a tool result for text-only clients.
func renderText(v any) string {
	switch r := v.(type) {
	case *MemorizeResult:
		var b strings.Builder
		fmt.Fprintf(&b, "Saved to %s (%s)", r.Category, r.WriteStatus)
		if r.SourceRef != "" {
			fmt.Fprintf(&b, " at %s", r.SourceRef)
		}
		if r.Reinforced {
			b.WriteString("; reinforced an existing memory")
		}
		if r.NeedsReview {
			b.WriteString("; flagged for review")
		}
		return b.String()
	case *RecallResult:
		return renderRecall(r)
	case *ReviewResult:
		if r.Resolved != nil {
			return fmt.Sprintf("Resolved %s: now %s (confidence %.2f)",
				r.Resolved.MetaID, r.Resolved.Status, r.Resolved.Confidence)
		}
		if len(r.Items) == 0 {
			return "Review queue is empty."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d items awaiting review:\n", len(r.Items))
		for _, it := range r.Items {
			fmt.Fprintf(&b, "- %s [%s] %s (%s, confidence %.2f)",
				it.MetaID, it.Status, it.SourceRef, it.Origin, it.Confidence)
			if it.Conflict != nil {
				fmt.Fprintf(&b, " conflicts on %s: %q vs %q",
					it.Conflict.Field, it.Conflict.PriorValue, it.Conflict.NewValue)
			}
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n")
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func renderRecall(r *RecallResult) string {
	var b strings.Builder
	switch {
	case r.Context != nil:
		c := r.Context
		if len(c.Profile) > 0 {
			fmt.Fprintf(&b, "Profile: %s\n", renderFields(c.Profile))
		}
		for _, t := range c.Tables {
			fmt.Fprintf(&b, "Table %s: %d records\n", t.Name, t.RecordCount)
		}
		for _, e := range c.Entities {
			fmt.Fprintf(&b, "Entity %s (%s), %d mentions\n", e.Name, e.Type, e.Mentions)
		}
		for _, m := range c.Memories {
			fmt.Fprintf(&b, "Memory: %s\n", m.Content)
		}
		if len(c.Withheld) > 0 {
			fmt.Fprintf(&b, "Withheld by consent: %s\n", strings.Join(c.Withheld, ", "))
		}
		if b.Len() == 0 {
			return "No context stored yet."
		}
	case r.Knowledge != nil:
		k := r.Knowledge
		fmt.Fprintf(&b, "%d facts about %q (coverage %.2f):\n", len(k.Facts), k.Topic, k.Coverage.Score)
		for _, f := range k.Facts {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Source, f.Text)
		}
		if len(k.Coverage.MissingSources) > 0 {
			fmt.Fprintf(&b, "Not consulted: %s\n", strings.Join(k.Coverage.MissingSources, ", "))
		}
	case r.Table != nil:
		t := r.Table
		if t.Name == "" {
			fmt.Fprintf(&b, "%d tables:\n", len(t.Tables))
			for _, tab := range t.Tables {
				fmt.Fprintf(&b, "- %s (%d records)\n", tab.Name, tab.RecordCount)
			}
		} else {
			fmt.Fprintf(&b, "Table %s, %d rows from offset %d:\n", t.Name, t.Count, t.Offset)
			for _, rec := range t.Records {
				fmt.Fprintf(&b, "- %s\n", renderFields(rec))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
