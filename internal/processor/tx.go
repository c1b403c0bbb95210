package processor

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Transaction is what a mutator sees: the mutation's database
// transaction plus the identity of the mutation being applied.
type Transaction struct {
	// ClientID and MutationID identify the mutation. Mutators that
	// write audit rows typically persist both.
	ClientID   string
	MutationID int64

	tx pgx.Tx
}

// Tx exposes the underlying transaction for anything the facades
// don't cover. The mutator must not commit or roll it back.
func (t *Transaction) Tx() pgx.Tx {
	return t.tx
}

// Query runs a read inside the transaction.
func (t *Transaction) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// QueryRow runs a single-row read inside the transaction.
func (t *Transaction) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// CRUD returns the row-level write facade bound to this transaction.
func (t *Transaction) CRUD() *CRUD {
	return &CRUD{tx: t.tx}
}
