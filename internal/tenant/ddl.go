package tenant

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultEmbeddingDim is the vector dimension used when a tenant is
// provisioned without an explicit one. It matches the common output size of
// the nomic/768 embedding families the default provider serves.
const DefaultEmbeddingDim = 768

// namespaceDDL returns the ordered statements that build a tenant namespace.
// Statements run inside the provisioning transaction, so a failure midway
// leaves no partial schema behind. The embedding dimension is baked into the
// vector columns at creation time; it cannot change for the life of the
// tenant.
func namespaceDDL(ns string, dim int) []string {
	s := pgx.Identifier{ns}.Sanitize()
	return []string{
		fmt.Sprintf(`CREATE SCHEMA %s`, s),

		// Quality ledger. Every durable fact carries exactly one meta row,
		// addressed by its source coordinates.
		fmt.Sprintf(`CREATE TABLE %s.memory_meta (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_type TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'knowledge',
			origin TEXT NOT NULL,
			agent_source TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			status TEXT NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0,
			reinforce_count BIGINT NOT NULL DEFAULT 0,
			last_accessed_at TIMESTAMPTZ,
			last_reinforced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source_type, source_ref)
		)`, s),
		fmt.Sprintf(`CREATE INDEX memory_meta_status_idx ON %s.memory_meta (status)`, s),
		fmt.Sprintf(`CREATE INDEX memory_meta_review_idx
			ON %s.memory_meta (updated_at) WHERE status = 'review'`, s),

		// Append-only record of every ledger status transition.
		fmt.Sprintf(`CREATE TABLE %s.promote_history (
			id BIGSERIAL PRIMARY KEY,
			meta_id UUID NOT NULL REFERENCES %s.memory_meta (id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s, s),
		fmt.Sprintf(`CREATE INDEX promote_history_meta_idx ON %s.promote_history (meta_id)`, s),

		// Contradiction worklist resolved through the review tool.
		fmt.Sprintf(`CREATE TABLE %s.contradictions (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			meta_id UUID NOT NULL REFERENCES %s.memory_meta (id) ON DELETE CASCADE,
			prior_meta_id UUID NOT NULL REFERENCES %s.memory_meta (id) ON DELETE CASCADE,
			field TEXT NOT NULL DEFAULT '',
			prior_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			resolution TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ
		)`, s, s, s),
		fmt.Sprintf(`CREATE INDEX contradictions_open_idx
			ON %s.contradictions (created_at) WHERE status = 'open'`, s),

		// Versioned profile document. The live profile is the row with the
		// highest version; old versions are the change history. Version 1 is
		// the empty baseline, so n patches yield max(version) = n+1.
		fmt.Sprintf(`CREATE TABLE %s.profile_versions (
			version BIGINT PRIMARY KEY,
			doc JSONB NOT NULL,
			changed_fields TEXT[] NOT NULL DEFAULT '{}',
			actor TEXT NOT NULL DEFAULT '',
			meta_ref UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),
		fmt.Sprintf(`INSERT INTO %s.profile_versions (version, doc, actor)
			VALUES (1, '{}', 'system')`, s),

		// Registry of agent-defined tables. The physical tables live beside
		// it in the same namespace under a d_ prefix; the registry row is the
		// source of truth for their declared column set.
		fmt.Sprintf(`CREATE TABLE %s.table_registry (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			columns JSONB NOT NULL,
			record_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`, s),

		fmt.Sprintf(`CREATE TABLE %s.vector_collections (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			dim INTEGER NOT NULL,
			entry_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),

		// Semantic memory rows. content_hash deduplicates repeated writes of
		// identical text within a collection; thread_id groups related
		// memories linked by the enrichment worker.
		fmt.Sprintf(`CREATE TABLE %s.vectors (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			collection TEXT NOT NULL REFERENCES %s.vector_collections (name) ON DELETE CASCADE,
			content TEXT NOT NULL,
			embedding public.vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			thread_id UUID,
			meta_ref UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`, s, s, dim),
		fmt.Sprintf(`CREATE UNIQUE INDEX vectors_hash_live_idx
			ON %s.vectors (collection, content_hash) WHERE deleted_at IS NULL`, s),
		fmt.Sprintf(`CREATE INDEX vectors_collection_idx ON %s.vectors (collection)`, s),
		fmt.Sprintf(`CREATE INDEX vectors_content_trgm_idx
			ON %s.vectors USING gin (content public.gin_trgm_ops)`, s),

		// Texts accepted for indexing before their embeddings exist. Rows
		// keep the id the vector row will take once embedded, so the ledger
		// source ref never changes.
		fmt.Sprintf(`CREATE TABLE %s.pending_vectors (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			collection TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			meta_ref UUID,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),

		// Last-resort store: memory text lands here when both the vector
		// insert and the pending queue fail, so the text is never lost.
		fmt.Sprintf(`CREATE TABLE %s.memory_backlog (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			collection TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),

		// Knowledge graph. Entity identity is case-insensitive on
		// (type, name) among live rows.
		fmt.Sprintf(`CREATE TABLE %s.entities (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			entity_type TEXT NOT NULL,
			name TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5
				CHECK (confidence >= 0 AND confidence <= 1),
			mention_count BIGINT NOT NULL DEFAULT 1 CHECK (mention_count >= 1),
			meta_ref UUID,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ
		)`, s),
		fmt.Sprintf(`CREATE UNIQUE INDEX entities_identity_idx
			ON %s.entities (entity_type, lower(name)) WHERE deleted_at IS NULL`, s),
		fmt.Sprintf(`CREATE INDEX entities_name_trgm_idx
			ON %s.entities USING gin (name public.gin_trgm_ops)`, s),

		fmt.Sprintf(`CREATE TABLE %s.edges (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			source_id UUID NOT NULL REFERENCES %s.entities (id) ON DELETE CASCADE,
			target_id UUID NOT NULL REFERENCES %s.entities (id) ON DELETE CASCADE,
			relation TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (weight >= 0),
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5
				CHECK (confidence >= 0 AND confidence <= 1),
			evidence JSONB NOT NULL DEFAULT '[]',
			properties JSONB NOT NULL DEFAULT '{}',
			meta_ref UUID,
			first_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at TIMESTAMPTZ,
			UNIQUE (source_id, target_id, relation)
		)`, s, s, s),
		fmt.Sprintf(`CREATE INDEX edges_traversal_idx
			ON %s.edges (source_id, relation, target_id)`, s),
		fmt.Sprintf(`CREATE INDEX edges_target_idx ON %s.edges (target_id)`, s),

		// Append-only claim stream mirroring graph and profile writes. Read
		// for explain trails, never for primary lookups.
		fmt.Sprintf(`CREATE TABLE %s.knowledge_claims (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			claim_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			method TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL DEFAULT '',
			source_ref TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			valid_from TIMESTAMPTZ NOT NULL DEFAULT now(),
			valid_to TIMESTAMPTZ,
			meta_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),
		fmt.Sprintf(`CREATE INDEX knowledge_claims_meta_idx ON %s.knowledge_claims (meta_id)`, s),
		fmt.Sprintf(`CREATE TABLE %s.claim_events (
			id BIGSERIAL PRIMARY KEY,
			claim_id UUID NOT NULL REFERENCES %s.knowledge_claims (id) ON DELETE CASCADE,
			event TEXT NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s, s),

		// Agent consent rules. One live rule per (agent, resource) pair.
		fmt.Sprintf(`CREATE TABLE %s.consent_rules (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			agent_id TEXT NOT NULL,
			resource TEXT NOT NULL,
			permission TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			revoked_at TIMESTAMPTZ,
			UNIQUE (agent_id, resource)
		)`, s),

		fmt.Sprintf(`CREATE TABLE %s.audit_log (
			id BIGSERIAL PRIMARY KEY,
			actor TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s),
		fmt.Sprintf(`CREATE INDEX audit_log_created_idx ON %s.audit_log (created_at DESC)`, s),
	}
}
