package processor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// clientsTable returns the sanitized identifier of the clients table
// inside the upstream schema.
func clientsTable(schema string) string {
	return pgx.Identifier{schema, "clients"}.Sanitize()
}

// upsertLMIDSQL increments (creating on first use) the client's
// lastMutationID and returns the new value. The increment happens
// unconditionally; the caller compares the result to the incoming
// mutation id and rolls back when they disagree.
func upsertLMIDSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s AS current ("clientGroupID", "clientID", "lastMutationID", "userID")
VALUES ($1, $2, 1, NULLIF($3, ''))
ON CONFLICT ("clientGroupID", "clientID")
DO UPDATE SET "lastMutationID" = current."lastMutationID" + 1
RETURNING "lastMutationID"`, table)
}

// EnsureSchema creates the upstream schema and its clients table if
// they do not exist yet. Safe to run on every startup.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool, schema string) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	"clientGroupID" TEXT NOT NULL,
	"clientID" TEXT NOT NULL,
	"lastMutationID" BIGINT NOT NULL,
	"userID" TEXT,
	PRIMARY KEY ("clientGroupID", "clientID")
)`, clientsTable(schema)),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema %s: %w", schema, err)
		}
	}

	log.Info().Str("schema", schema).Msg("Sync schema ready")
	return nil
}
