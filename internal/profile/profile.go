// Package profile stores the tenant's versioned profile document.
//
// The profile is a free-form JSON object. Writes are deep-merge patches:
// nested objects merge field by field, arrays and scalars replace, JSON
// null deletes. Every successful patch appends a new immutable version;
// version 1 is the empty baseline seeded at tenant creation.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mnemohq/mnemo/pkg/jsonmerge"
)

var (
	// ErrIdentityConflict is returned when a patch renames the owner to a
	// known family member. Agents routinely mix up "who am I talking to";
	// this guard keeps one wrong turn from rewriting the owner's identity.
	ErrIdentityConflict = errors.New("identity conflict: name belongs to a family member")
	// ErrEmptyPatch is returned when a patch changes nothing.
	ErrEmptyPatch = errors.New("patch changes no fields")
	// ErrVersionNotFound is returned for an unknown version number.
	ErrVersionNotFound = errors.New("profile version not found")
)

// Version is one immutable profile snapshot.
type Version struct {
	Version       int64          `json:"version"`
	Doc           map[string]any `json:"doc"`
	ChangedFields []string       `json:"changed_fields"`
	Actor         string         `json:"actor"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Ref is the ledger source ref for a profile version.
func (v *Version) Ref() string { return fmt.Sprintf("profile:v%d", v.Version) }

// Change describes one field a patch touched, with JSON-encoded values for
// the contradiction detector. OldValue is nil when the field is new.
type Change struct {
	Field    string
	OldValue *string
	NewValue string
}

// Overwrite reports whether the change replaced an existing value, which is
// the only shape that can contradict a prior fact.
func (c Change) Overwrite() bool { return c.OldValue != nil }

// Store reads and writes profile versions inside a tenant transaction.
type Store struct{}

// NewStore returns a profile Store.
func NewStore() *Store { return &Store{} }

// Current returns the latest profile version.
func (s *Store) Current(ctx context.Context, tx pgx.Tx) (*Version, error) {
	return s.scanVersion(tx.QueryRow(ctx, `
		SELECT version, doc, changed_fields, actor, created_at
		FROM profile_versions ORDER BY version DESC LIMIT 1`))
}

// GetVersion returns one historical version.
func (s *Store) GetVersion(ctx context.Context, tx pgx.Tx, n int64) (*Version, error) {
	return s.scanVersion(tx.QueryRow(ctx, `
		SELECT version, doc, changed_fields, actor, created_at
		FROM profile_versions WHERE version = $1`, n))
}

func (s *Store) scanVersion(row pgx.Row) (*Version, error) {
	v := &Version{}
	var raw []byte
	err := row.Scan(&v.Version, &raw, &v.ChangedFields, &v.Actor, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &v.Doc); err != nil {
		return nil, fmt.Errorf("decode profile doc: %w", err)
	}
	return v, nil
}

// Apply merges a patch over the current profile and appends the result as a
// new version. It returns the new version and the per-field changes, with
// prior values attached so the caller can detect contradictions. The
// identity guard rejects patches that rename the owner to a family member.
func (s *Store) Apply(ctx context.Context, tx pgx.Tx, patch map[string]any, actor string) (*Version, []Change, error) {
	cur := &Version{Version: 0, Doc: map[string]any{}}
	got, err := s.scanVersion(tx.QueryRow(ctx, `
		SELECT version, doc, changed_fields, actor, created_at
		FROM profile_versions ORDER BY version DESC LIMIT 1 FOR UPDATE`))
	if err != nil && !errors.Is(err, ErrVersionNotFound) {
		return nil, nil, err
	}
	if err == nil {
		cur = got
	}

	merged := jsonmerge.Merge(cur.Doc, patch)
	if err := GuardIdentity(merged, patch); err != nil {
		return nil, nil, err
	}

	fields := jsonmerge.Diff(cur.Doc, merged)
	if len(fields) == 0 {
		return nil, nil, ErrEmptyPatch
	}
	changes := ExtractChanges(cur.Doc, merged, fields)

	doc, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("encode profile doc: %w", err)
	}
	next := &Version{
		Version:       cur.Version + 1,
		Doc:           merged,
		ChangedFields: fields,
		Actor:         actor,
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO profile_versions (version, doc, changed_fields, actor)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		next.Version, doc, next.ChangedFields, next.Actor,
	).Scan(&next.CreatedAt); err != nil {
		return nil, nil, err
	}
	return next, changes, nil
}

// History returns versions newest first.
func (s *Store) History(ctx context.Context, tx pgx.Tx, limit, offset int) ([]*Version, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.Query(ctx, `
		SELECT version, doc, changed_fields, actor, created_at
		FROM profile_versions ORDER BY version DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := s.scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GuardIdentity rejects a patch that sets the owner's top-level name to the
// name of a family member in the merged document. Comparison is
// case-insensitive and ignores surrounding whitespace.
func GuardIdentity(merged, patch map[string]any) error {
	rawName, patched := patch["name"]
	if !patched {
		return nil
	}
	newName, ok := rawName.(string)
	if !ok || strings.TrimSpace(newName) == "" {
		return nil
	}
	family, ok := merged["family"].([]any)
	if !ok {
		return nil
	}
	for _, item := range family {
		member, ok := item.(map[string]any)
		if !ok {
			continue
		}
		memberName, _ := member["name"].(string)
		if memberName == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(memberName), strings.TrimSpace(newName)) {
			relation, _ := member["relation"].(string)
			if strings.EqualFold(relation, "self") {
				continue
			}
			return fmt.Errorf("%w: %q is recorded as %s", ErrIdentityConflict, newName, relationOrMember(relation))
		}
	}
	return nil
}

func relationOrMember(relation string) string {
	if relation == "" {
		return "a family member"
	}
	return relation
}

// ExtractChanges renders the old and new values for each changed path.
// Values are compact JSON so the contradiction trail is storable and
// comparable without caring about the underlying type.
func ExtractChanges(oldDoc, newDoc map[string]any, fields []string) []Change {
	changes := make([]Change, 0, len(fields))
	for _, f := range fields {
		newVal, newOK := jsonmerge.Lookup(newDoc, f)
		if !newOK {
			// Deleted field; deletions do not contradict anything.
			continue
		}
		c := Change{Field: f, NewValue: encodeValue(newVal)}
		if oldVal, ok := jsonmerge.Lookup(oldDoc, f); ok {
			old := encodeValue(oldVal)
			c.OldValue = &old
		}
		changes = append(changes, c)
	}
	return changes
}

func encodeValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
