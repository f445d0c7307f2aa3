package tables

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Record is one row of a dynamic table. Fields holds the dynamic columns
// only; bookkeeping columns are surfaced explicitly.
type Record struct {
	ID        int64          `json:"id"`
	Fields    map[string]any `json:"fields"`
	MetaRef   *uuid.UUID     `json:"meta_ref,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Ref is the ledger source ref for a record: "<table>:<id>".
func (r *Record) Ref(table string) string { return fmt.Sprintf("%s:%d", table, r.ID) }

// Change describes one field an update touched, JSON-encoded for the
// contradiction trail. OldValue is nil when the field was previously unset.
type Change struct {
	Field    string
	OldValue *string
	NewValue string
}

// Store manages registry rows and physical dynamic tables inside a tenant
// transaction. DDL (create table, add column, widen column) is serialized by
// a per-tenant advisory lock so concurrent first inserts cannot race.
type Store struct{}

// NewStore returns a tables Store.
func NewStore() *Store { return &Store{} }

// lockDDL serializes schema changes for one tenant. hashtext keys the lock
// by namespace, so tenants never contend with each other.
func (s *Store) lockDDL(ctx context.Context, tx pgx.Tx, namespace string) error {
	_, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), hashtext('tables'))`, namespace)
	if err != nil {
		return fmt.Errorf("acquire table ddl lock: %w", err)
	}
	return nil
}

const registryColumns = `name, description, columns, record_count, created_at, updated_at, deleted_at`

func scanTable(row pgx.Row) (*Table, error) {
	t := &Table{}
	var rawCols []byte
	err := row.Scan(&t.Name, &t.Description, &rawCols, &t.RecordCount,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawCols, &t.Columns); err != nil {
		return nil, fmt.Errorf("decode table columns: %w", err)
	}
	return t, nil
}

// Get returns the live registry row for name.
func (s *Store) Get(ctx context.Context, tx pgx.Tx, name string) (*Table, error) {
	name, err := NormalizeTableName(name)
	if err != nil {
		return nil, err
	}
	return scanTable(tx.QueryRow(ctx, `
		SELECT `+registryColumns+` FROM table_registry
		WHERE name = $1 AND deleted_at IS NULL`, name))
}

// List returns live tables ordered by name.
func (s *Store) List(ctx context.Context, tx pgx.Tx) ([]*Table, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+registryColumns+` FROM table_registry
		WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ensure returns the registry row for name, creating the physical table and
// registry entry when absent. maxTables is the tenant's tier quota, checked
// under the DDL lock so two parallel first inserts cannot both slip past it.
func (s *Store) Ensure(ctx context.Context, tx pgx.Tx, namespace, name, description string, maxTables int) (*Table, bool, error) {
	name, err := NormalizeTableName(name)
	if err != nil {
		return nil, false, err
	}

	t, err := s.Get(ctx, tx, name)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if err := s.lockDDL(ctx, tx, namespace); err != nil {
		return nil, false, err
	}
	// Re-check under the lock: the racer may have created it.
	t, err = s.Get(ctx, tx, name)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM table_registry WHERE deleted_at IS NULL`).Scan(&count); err != nil {
		return nil, false, err
	}
	if maxTables > 0 && count >= maxTables {
		return nil, false, fmt.Errorf("%w: %d tables allowed", ErrTierLimit, maxTables)
	}

	phys := pgx.Identifier{physicalName(name)}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE %s (
		id BIGSERIAL PRIMARY KEY,
		meta_ref UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at TIMESTAMPTZ
	)`, phys)); err != nil {
		return nil, false, fmt.Errorf("create table %s: %w", name, err)
	}

	t = &Table{Name: name, Description: description, Columns: []Column{}}
	if err := tx.QueryRow(ctx, `
		INSERT INTO table_registry (name, description, columns)
		VALUES ($1, $2, '[]')
		RETURNING created_at, updated_at`,
		name, description).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, false, fmt.Errorf("register table %s: %w", name, err)
	}
	return t, true, nil
}

// extendSchema applies the column adds and widenings a record needs, under
// the DDL lock, and persists the new declared column set.
func (s *Store) extendSchema(ctx context.Context, tx pgx.Tx, namespace string, t *Table, record map[string]any) error {
	adds, widens, err := PlanColumns(t.Columns, record)
	if err != nil {
		return err
	}
	if len(adds) == 0 && len(widens) == 0 {
		return nil
	}

	if err := s.lockDDL(ctx, tx, namespace); err != nil {
		return err
	}
	// Another writer may have extended the schema while we waited; replan
	// against the committed registry row.
	cur, err := s.Get(ctx, tx, t.Name)
	if err != nil {
		return err
	}
	adds, widens, err = PlanColumns(cur.Columns, record)
	if err != nil {
		return err
	}

	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()
	for _, c := range adds {
		col := pgx.Identifier{c.Name}.Sanitize()
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN %s %s`, phys, col, sqlType(c.Type))); err != nil {
			return fmt.Errorf("add column %s.%s: %w", t.Name, c.Name, err)
		}
		cur.Columns = append(cur.Columns, c)
	}
	for _, c := range widens {
		col := pgx.Identifier{c.Name}.Sanitize()
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`,
			phys, col, sqlType(c.Type), col, sqlType(c.Type))); err != nil {
			return fmt.Errorf("widen column %s.%s: %w", t.Name, c.Name, err)
		}
		if dc := cur.Column(c.Name); dc != nil {
			dc.Type = c.Type
		}
	}

	rawCols, err := json.Marshal(cur.Columns)
	if err != nil {
		return fmt.Errorf("encode table columns: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE table_registry SET columns = $2, updated_at = now()
		WHERE name = $1`, t.Name, rawCols); err != nil {
		return err
	}
	t.Columns = cur.Columns
	return nil
}

// Insert writes one record, extending the schema first when the record
// carries new or wider columns. Null fields are skipped.
func (s *Store) Insert(ctx context.Context, tx pgx.Tx, namespace string, t *Table, record map[string]any) (*Record, error) {
	if err := s.extendSchema(ctx, tx, namespace, t, record); err != nil {
		return nil, err
	}

	cols := make([]string, 0, len(record))
	args := make([]any, 0, len(record))
	for _, c := range t.Columns {
		v, ok := record[c.Name]
		if !ok || v == nil {
			// Agent payload keys arrive in their original case.
			for k, rv := range record {
				if n, err := NormalizeName(k); err == nil && n == c.Name && rv != nil {
					v, ok = rv, true
					break
				}
			}
		}
		if !ok || v == nil {
			continue
		}
		cols = append(cols, pgx.Identifier{c.Name}.Sanitize())
		args = append(args, CoerceValue(v, c.Type))
	}
	if len(cols) == 0 {
		return nil, ErrNoColumns
	}

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()

	rec := &Record{Fields: map[string]any{}}
	if err := tx.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING id, created_at, updated_at`,
		phys, strings.Join(cols, ", "), strings.Join(placeholders, ", ")),
		args...,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", t.Name, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE table_registry SET record_count = record_count + 1, updated_at = now()
		WHERE name = $1`, t.Name); err != nil {
		return nil, err
	}

	got, err := s.GetRecord(ctx, tx, t, rec.ID)
	if err != nil {
		return nil, err
	}
	return got, nil
}

// SetMetaRef stamps the ledger row id onto a record.
func (s *Store) SetMetaRef(ctx context.Context, tx pgx.Tx, t *Table, id int64, metaID uuid.UUID) error {
	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET meta_ref = $2 WHERE id = $1`, phys), id, metaID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update rewrites the given fields of one live record and reports per-field
// changes with prior values attached, for contradiction detection. The
// schema extends first when needed.
func (s *Store) Update(ctx context.Context, tx pgx.Tx, namespace string, t *Table, id int64, record map[string]any) (*Record, []Change, error) {
	if err := s.extendSchema(ctx, tx, namespace, t, record); err != nil {
		return nil, nil, err
	}
	old, err := s.GetRecord(ctx, tx, t, id)
	if err != nil {
		return nil, nil, err
	}

	sets := []string{"updated_at = now()"}
	args := []any{id}
	var changes []Change
	for _, c := range t.Columns {
		var v any
		found := false
		for k, rv := range record {
			if n, err := NormalizeName(k); err == nil && n == c.Name {
				v, found = rv, true
				break
			}
		}
		if !found {
			continue
		}
		args = append(args, coerceNullable(v, c.Type))
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{c.Name}.Sanitize(), len(args)))

		newText := jsonText(v)
		if oldV, had := old.Fields[c.Name]; had && oldV != nil {
			if oldText := jsonText(oldV); oldText != newText {
				changes = append(changes, Change{Field: c.Name, OldValue: &oldText, NewValue: newText})
			}
		} else if v != nil {
			changes = append(changes, Change{Field: c.Name, NewValue: newText})
		}
	}
	if len(sets) == 1 {
		return nil, nil, ErrNoColumns
	}

	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET %s WHERE id = $1 AND deleted_at IS NULL`,
		phys, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("update %s: %w", t.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, ErrNotFound
	}

	rec, err := s.GetRecord(ctx, tx, t, id)
	if err != nil {
		return nil, nil, err
	}
	return rec, changes, nil
}

func coerceNullable(v any, t ColumnType) any {
	if v == nil {
		return nil
	}
	return CoerceValue(v, t)
}

// SoftDelete hides one record.
func (s *Store) SoftDelete(ctx context.Context, tx pgx.Tx, t *Table, id int64) error {
	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, phys), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `
		UPDATE table_registry
		SET record_count = greatest(record_count - 1, 0), updated_at = now()
		WHERE name = $1`, t.Name); err != nil {
		return err
	}
	return nil
}

// GetRecord returns one live record with its dynamic fields.
func (s *Store) GetRecord(ctx context.Context, tx pgx.Tx, t *Table, id int64) (*Record, error) {
	recs, err := s.selectRecords(ctx, tx, t, `WHERE id = $1 AND deleted_at IS NULL`, []any{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// ListRecords returns live records newest first.
func (s *Store) ListRecords(ctx context.Context, tx pgx.Tx, t *Table, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.selectRecords(ctx, tx, t,
		`WHERE deleted_at IS NULL ORDER BY id DESC LIMIT $1 OFFSET $2`, []any{limit, offset})
}

// SelectRaw executes a caller-supplied read-only query and returns rows as
// JSON-friendly maps. The text must pass sqlguard.Validate first, and the
// transaction must be a sandboxed one; this method only wraps, pages, and
// scans.
func (s *Store) SelectRaw(ctx context.Context, tx pgx.Tx, query string, limit, offset int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query = strings.TrimRight(strings.TrimSpace(query), ";")

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT * FROM (%s) q LIMIT $1 OFFSET $2`, query), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]any{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(fields))
		for i, f := range fields {
			if vals[i] != nil {
				m[f.Name] = normalizeScanned(vals[i])
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) selectRecords(ctx context.Context, tx pgx.Tx, t *Table, tail string, args []any) ([]*Record, error) {
	sel := []string{"id", "meta_ref", "created_at", "updated_at"}
	for _, c := range t.Columns {
		sel = append(sel, pgx.Identifier{c.Name}.Sanitize())
	}
	phys := pgx.Identifier{physicalName(t.Name)}.Sanitize()

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s %s`, strings.Join(sel, ", "), phys, tail), args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{Fields: make(map[string]any, len(t.Columns))}
		dest := make([]any, 0, len(sel))
		dest = append(dest, &rec.ID, &rec.MetaRef, &rec.CreatedAt, &rec.UpdatedAt)
		vals := make([]any, len(t.Columns))
		for i := range t.Columns {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, c := range t.Columns {
			if vals[i] != nil {
				rec.Fields[c.Name] = normalizeScanned(vals[i])
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// normalizeScanned folds driver types back into JSON-friendly shapes.
func normalizeScanned(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format("2006-01-02")
	case int32:
		return int64(x)
	default:
		return v
	}
}

// Drop soft-deletes the registry row and physically drops the data table.
// Rows are unrecoverable afterwards; only the registry tombstone remains.
func (s *Store) Drop(ctx context.Context, tx pgx.Tx, namespace, name string) error {
	name, err := NormalizeTableName(name)
	if err != nil {
		return err
	}
	if err := s.lockDDL(ctx, tx, namespace); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE table_registry SET deleted_at = now(), updated_at = now()
		WHERE name = $1 AND deleted_at IS NULL`, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	phys := pgx.Identifier{physicalName(name)}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, phys)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}
