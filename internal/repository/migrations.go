package repository

import (
	"context"
	"fmt"
	"strings"

	"entgo.io/ent/dialect"
)

const (
	tableProjects    = "projects"
	tableDocuments   = "documents"
	tableReferences  = "reference_lexicons"
	tableRuns        = "extraction_runs"
	tableEntities    = "entities"
	tableEntityFound = "entity_found"
	tableFailures    = "document_failures"
)

// Column types differ per backend; {{id}}, {{ts}} and {{text}} are
// substituted before execution.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id         {{id}} PRIMARY KEY,
		user_id    {{text}} NOT NULL,
		name       {{text}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id             {{id}} PRIMARY KEY,
		project_id     {{id}} NOT NULL REFERENCES projects(id),
		user_id        {{text}} NOT NULL,
		name           {{text}} NOT NULL,
		content_handle {{text}} NOT NULL,
		content_type   {{text}} NOT NULL,
		text           {{text}},
		status         {{text}} NOT NULL,
		last_error     {{text}},
		attempts       INTEGER NOT NULL DEFAULT 0,
		job_id         {{text}},
		run_id         {{id}},
		replace_prior  INTEGER NOT NULL DEFAULT 0,
		created_at     {{ts}} NOT NULL,
		updated_at     {{ts}} NOT NULL,
		deleted_at     {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS documents_project_idx ON documents (project_id)`,
	`CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS reference_lexicons (
		id             {{id}} PRIMARY KEY,
		user_id        {{text}} NOT NULL,
		name           {{text}} NOT NULL,
		content_handle {{text}} NOT NULL,
		content_type   {{text}} NOT NULL,
		created_at     {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS extraction_runs (
		id           {{id}} PRIMARY KEY,
		project_id   {{id}} NOT NULL REFERENCES projects(id),
		user_id      {{text}} NOT NULL,
		name         {{text}} NOT NULL,
		description  {{text}} NOT NULL DEFAULT '',
		strategy     {{text}} NOT NULL,
		reference_id {{id}} REFERENCES reference_lexicons(id),
		created_at   {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id                {{id}} PRIMARY KEY,
		extraction_run_id {{id}} NOT NULL REFERENCES extraction_runs(id) ON DELETE CASCADE,
		normalized_text   {{text}} NOT NULL,
		label             {{text}} NOT NULL DEFAULT '',
		created_at        {{ts}} NOT NULL,
		CONSTRAINT entities_run_text_key UNIQUE (extraction_run_id, normalized_text)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_found (
		id           {{id}} PRIMARY KEY,
		entity_id    {{id}} NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		document_id  {{id}} NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		start_offset INTEGER NOT NULL,
		end_offset   INTEGER NOT NULL,
		span_text    {{text}} NOT NULL,
		created_at   {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS entity_found_document_idx ON entity_found (document_id)`,
	`CREATE INDEX IF NOT EXISTS entity_found_entity_idx ON entity_found (entity_id)`,
	`CREATE TABLE IF NOT EXISTS document_failures (
		id          {{id}} PRIMARY KEY,
		document_id {{id}} NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		stage       {{text}} NOT NULL,
		code        {{text}} NOT NULL,
		reason      {{text}} NOT NULL,
		attempt     INTEGER NOT NULL,
		created_at  {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS document_failures_document_idx ON document_failures (document_id, created_at)`,
}

// Migrate creates the schema if it does not exist.
func (c *Client) Migrate(ctx context.Context) error {
	r := c.typeReplacer()
	for _, stmt := range schemaStatements {
		if err := c.ExecRaw(ctx, r.Replace(stmt)); err != nil {
			c.log.Error("migration failed", "error", err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	c.log.Info("database schema ready", "dialect", c.dialect)
	return nil
}

func (c *Client) typeReplacer() *strings.Replacer {
	if c.dialect == dialect.Postgres {
		return strings.NewReplacer("{{id}}", "UUID", "{{ts}}", "TIMESTAMPTZ", "{{text}}", "TEXT")
	}
	return strings.NewReplacer("{{id}}", "TEXT", "{{ts}}", "TEXT", "{{text}}", "TEXT")
}

// ColumnTypes exposes the backend column types for packages that create
// their own tables on this client.
func (c *Client) ColumnTypes(stmt string) string {
	return c.typeReplacer().Replace(stmt)
}
