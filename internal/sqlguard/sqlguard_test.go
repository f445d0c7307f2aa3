package sqlguard_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/mnemohq/mnemo/internal/sqlguard"
)

func TestValidateAllowsReadOnlySelects(t *testing.T) {
	queries := []string{
		`SELECT * FROM tasks`,
		`SELECT * FROM tasks WHERE status = 'open' ORDER BY created_at DESC LIMIT 10`,
		`SELECT t.name, count(*) FROM tasks t GROUP BY t.name`,
		`SELECT tasks.* FROM tasks`,
		`WITH recent AS (SELECT * FROM memories ORDER BY created_at DESC LIMIT 5)
		 SELECT content FROM recent`,
		`SELECT a.id, b.note FROM tasks a JOIN notes b ON a.id = b.task_id`,
		`SELECT * FROM tasks WHERE id = $1 AND owner = $2`,
		`SELECT "weird column" FROM tasks`,
		`SELECT * FROM tasks;`,
		`SELECT 'DROP TABLE tasks' AS quoted_text`,
		`SELECT 1 -- trailing note`,
		`SELECT 1 /* inline DROP TABLE note */ + 2`,
		`SELECT count(*) FROM memories WHERE content LIKE '%coffee%'`,
		`SELECT CASE WHEN done THEN 'yes' ELSE 'no' END FROM tasks`,
		`SELECT * FROM (SELECT id FROM tasks) sub WHERE sub.id > 3`,
	}
	for _, q := range queries {
		if err := sqlguard.Validate(q); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", q, err)
		}
	}
}

func TestValidateRejectsWrites(t *testing.T) {
	queries := []string{
		`INSERT INTO tasks (name) VALUES ('x')`,
		`UPDATE tasks SET done = true`,
		`DELETE FROM tasks`,
		`DROP TABLE tasks`,
		`TRUNCATE tasks`,
		`CREATE TABLE evil (id int)`,
		`ALTER TABLE tasks ADD COLUMN x int`,
		`GRANT ALL ON tasks TO PUBLIC`,
		`COPY tasks TO '/tmp/out'`,
		`SELECT * INTO backup FROM tasks`,
		`WITH d AS (DELETE FROM tasks RETURNING *) SELECT * FROM d`,
		`SELECT * FROM tasks FOR UPDATE`,
	}
	for _, q := range queries {
		err := sqlguard.Validate(q)
		if err == nil {
			t.Errorf("Validate(%q) = nil, want rejection", q)
			continue
		}
		if !errors.Is(err, sqlguard.ErrRejected) {
			t.Errorf("Validate(%q) error %v does not wrap ErrRejected", q, err)
		}
	}
}

func TestValidateRejectsMultipleStatements(t *testing.T) {
	err := sqlguard.Validate(`SELECT * FROM tasks; DROP TABLE tasks`)
	if err == nil {
		t.Fatal("statement smuggling after semicolon must be rejected")
	}
	if err := sqlguard.Validate(`SELECT 1; SELECT 2`); err == nil {
		t.Fatal("two statements must be rejected even when both are reads")
	}
}

func TestValidateRejectsSystemCatalogs(t *testing.T) {
	queries := []string{
		`SELECT * FROM pg_catalog.pg_tables`,
		`SELECT * FROM pg_tables`,
		`SELECT * FROM information_schema.tables`,
		`SELECT pg_sleep(10)`,
		`SELECT * FROM "pg_shadow"`,
		`SELECT current_setting FROM pg_settings`,
	}
	for _, q := range queries {
		if sqlguard.Validate(q) == nil {
			t.Errorf("Validate(%q) = nil, want catalog rejection", q)
		}
	}
}

func TestValidateRejectsSchemaQualifiedTables(t *testing.T) {
	queries := []string{
		`SELECT * FROM mem_0123456789abcdef.memories`,
		`SELECT * FROM public.tenants`,
		`SELECT * FROM tasks, other_schema.tasks`,
		`SELECT * FROM tasks t JOIN other_schema.notes n ON t.id = n.id`,
	}
	for _, q := range queries {
		if sqlguard.Validate(q) == nil {
			t.Errorf("Validate(%q) = nil, want schema-qualification rejection", q)
		}
	}
}

// Aliasing a table with a schema's name must not whitelist schema-qualified
// access through that name.
func TestValidateAliasCannotShadowSchema(t *testing.T) {
	q := `SELECT * FROM tasks AS mem_feedfacefeedface
	      JOIN mem_feedfacefeedface.memories m ON true`
	if sqlguard.Validate(q) == nil {
		t.Fatal("alias shadowing a schema name must be rejected in table position")
	}
}

func TestValidateRejectsQualifiedFunctionCalls(t *testing.T) {
	if sqlguard.Validate(`SELECT public.some_func(1)`) == nil {
		t.Fatal("public-qualified function call must be rejected")
	}
	if sqlguard.Validate(`SELECT other_schema.f()`) == nil {
		t.Fatal("schema-qualified function call must be rejected")
	}
}

func TestValidateAllowsAliasQualifiedColumns(t *testing.T) {
	q := `SELECT t.id, t.name FROM tasks t WHERE t.done = false`
	if err := sqlguard.Validate(q); err != nil {
		t.Fatalf("alias-qualified columns should pass: %v", err)
	}
}

func TestValidateRequiresSelect(t *testing.T) {
	for _, q := range []string{
		`EXPLAIN SELECT 1`,
		`VACUUM`,
		`SET search_path TO public`,
		`BEGIN`,
	} {
		if sqlguard.Validate(q) == nil {
			t.Errorf("Validate(%q) = nil, want rejection of non-SELECT", q)
		}
	}
}

func TestValidateWithMustEndInSelect(t *testing.T) {
	if err := sqlguard.Validate(`WITH x AS (SELECT 1) SELECT * FROM x`); err != nil {
		t.Fatalf("plain CTE select should pass: %v", err)
	}
}

func TestValidateRejectsDollarQuoting(t *testing.T) {
	if sqlguard.Validate(`SELECT $$drop table tasks$$`) == nil {
		t.Fatal("dollar-quoted strings must be rejected")
	}
	if sqlguard.Validate(`SELECT $evil$x$evil$`) == nil {
		t.Fatal("tagged dollar quotes must be rejected")
	}
}

func TestValidateRejectsMalformedInput(t *testing.T) {
	for _, q := range []string{
		``,
		`   `,
		`-- only a comment`,
		`SELECT 'unterminated`,
		`SELECT "unterminated`,
		`SELECT /* unterminated`,
		`SELECT (1`,
		`SELECT 1)`,
		`;`,
	} {
		if sqlguard.Validate(q) == nil {
			t.Errorf("Validate(%q) = nil, want rejection", q)
		}
	}
}

func TestValidateRejectsOversizeQuery(t *testing.T) {
	q := "SELECT " + strings.Repeat("1 + ", sqlguard.MaxQueryBytes/4) + "1"
	if sqlguard.Validate(q) == nil {
		t.Fatal("oversize query must be rejected")
	}
}

func TestValidateKeywordsInsideStringsAreData(t *testing.T) {
	q := `SELECT * FROM memories WHERE content = 'please UPDATE my address'`
	if err := sqlguard.Validate(q); err != nil {
		t.Fatalf("keywords inside string literals must not trip the guard: %v", err)
	}
}

func TestValidateCommentHiddenStatements(t *testing.T) {
	// The comment body is stripped, so nothing hides in it; what remains is a
	// single read.
	if err := sqlguard.Validate(`SELECT 1 /* ; DROP TABLE tasks */`); err != nil {
		t.Fatalf("comment contents should be ignored: %v", err)
	}
	// Block comments nest in Postgres. A payload inside a fully balanced
	// nest is still comment text.
	if err := sqlguard.Validate(`SELECT 1 /* /* x */ ; DROP TABLE tasks */`); err != nil {
		t.Fatalf("balanced nested comment should be stripped: %v", err)
	}
	// An unbalanced nest never terminates; the lexer must fail closed
	// rather than resynchronize somewhere inside the payload.
	if sqlguard.Validate(`SELECT 1 /* /* x */ ; DROP TABLE tasks`) == nil {
		t.Fatal("unterminated nested comment must be rejected")
	}
}
