package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// CRUD op names carried in crud mutation args.
const (
	OpInsert = "insert"
	OpUpsert = "upsert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// CRUDArg is the argument payload of a crud-kind mutation: a list of
// row operations applied in order inside the mutation's transaction.
type CRUDArg struct {
	Ops []CRUDOp `json:"ops"`
}

// CRUDOp is one row operation.
type CRUDOp struct {
	Op         string         `json:"op"`
	TableName  string         `json:"tableName"`
	PrimaryKey []string       `json:"primaryKey"`
	Value      map[string]any `json:"value"`
}

// CRUD applies row operations inside a transaction. Identifiers are
// sanitized; values travel as bind parameters.
type CRUD struct {
	tx pgx.Tx
}

// Apply executes every op in order, stopping at the first failure.
func (c *CRUD) Apply(ctx context.Context, arg CRUDArg) error {
	for i, op := range arg.Ops {
		var err error
		switch op.Op {
		case OpInsert:
			err = c.Insert(ctx, op)
		case OpUpsert:
			err = c.Upsert(ctx, op)
		case OpUpdate:
			err = c.Update(ctx, op)
		case OpDelete:
			err = c.Delete(ctx, op)
		default:
			err = fmt.Errorf("unknown crud op %q", op.Op)
		}
		if err != nil {
			return fmt.Errorf("crud op %d (%s on %s): %w", i, op.Op, op.TableName, err)
		}
	}
	return nil
}

// Insert adds a row; it fails if the primary key already exists.
func (c *CRUD) Insert(ctx context.Context, op CRUDOp) error {
	sql, args, err := buildInsert(op)
	if err != nil {
		return err
	}
	_, err = c.tx.Exec(ctx, sql, args...)
	return err
}

// Upsert inserts the row or overwrites its non-key columns on conflict.
func (c *CRUD) Upsert(ctx context.Context, op CRUDOp) error {
	sql, args, err := buildUpsert(op)
	if err != nil {
		return err
	}
	_, err = c.tx.Exec(ctx, sql, args...)
	return err
}

// Update overwrites the present non-key columns. Missing rows are a
// no-op; omitted columns keep their values.
func (c *CRUD) Update(ctx context.Context, op CRUDOp) error {
	sql, args, err := buildUpdate(op)
	if err != nil {
		return err
	}
	if sql == "" {
		// Only key columns present; nothing to set.
		return nil
	}
	_, err = c.tx.Exec(ctx, sql, args...)
	return err
}

// Delete removes the row named by the primary key. Missing rows are a
// no-op.
func (c *CRUD) Delete(ctx context.Context, op CRUDOp) error {
	sql, args, err := buildDelete(op)
	if err != nil {
		return err
	}
	_, err = c.tx.Exec(ctx, sql, args...)
	return err
}

func buildInsert(op CRUDOp) (string, []any, error) {
	if err := validateOp(op, false); err != nil {
		return "", nil, err
	}
	cols := sortedColumns(op.Value)
	names, params, args := columnLists(cols, op.Value, 1)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableIdent(op.TableName), names, params)
	return sql, args, nil
}

func buildUpsert(op CRUDOp) (string, []any, error) {
	if err := validateOp(op, true); err != nil {
		return "", nil, err
	}
	cols := sortedColumns(op.Value)
	names, params, args := columnLists(cols, op.Value, 1)

	var sets []string
	for _, col := range cols {
		if isKeyColumn(col, op.PrimaryKey) {
			continue
		}
		ident := pgx.Identifier{col}.Sanitize()
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident, ident))
	}

	conflict := keyIdentList(op.PrimaryKey)
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		tableIdent(op.TableName), names, params, conflict, action)
	return sql, args, nil
}

func buildUpdate(op CRUDOp) (string, []any, error) {
	if err := validateOp(op, true); err != nil {
		return "", nil, err
	}

	var sets []string
	var args []any
	n := 1
	for _, col := range sortedColumns(op.Value) {
		if isKeyColumn(col, op.PrimaryKey) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), n))
		args = append(args, op.Value[col])
		n++
	}
	if len(sets) == 0 {
		return "", nil, nil
	}

	where, args, err := keyPredicate(op, args, n)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", tableIdent(op.TableName), strings.Join(sets, ", "), where)
	return sql, args, nil
}

func buildDelete(op CRUDOp) (string, []any, error) {
	if err := validateOp(op, true); err != nil {
		return "", nil, err
	}
	where, args, err := keyPredicate(op, nil, 1)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", tableIdent(op.TableName), where)
	return sql, args, nil
}

func validateOp(op CRUDOp, needKey bool) error {
	if op.TableName == "" {
		return fmt.Errorf("missing tableName")
	}
	if len(op.Value) == 0 {
		return fmt.Errorf("missing value")
	}
	if needKey && len(op.PrimaryKey) == 0 {
		return fmt.Errorf("missing primaryKey")
	}
	return nil
}

// keyPredicate builds "pk1 = $n AND pk2 = $n+1", requiring every key
// column to be present in the row.
func keyPredicate(op CRUDOp, args []any, n int) (string, []any, error) {
	var preds []string
	for _, col := range op.PrimaryKey {
		v, ok := op.Value[col]
		if !ok {
			return "", nil, fmt.Errorf("value missing primary key column %q", col)
		}
		preds = append(preds, fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), n))
		args = append(args, v)
		n++
	}
	return strings.Join(preds, " AND "), args, nil
}

func sortedColumns(value map[string]any) []string {
	cols := make([]string, 0, len(value))
	for col := range value {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func columnLists(cols []string, value map[string]any, start int) (names, params string, args []any) {
	nameParts := make([]string, 0, len(cols))
	paramParts := make([]string, 0, len(cols))
	for i, col := range cols {
		nameParts = append(nameParts, pgx.Identifier{col}.Sanitize())
		paramParts = append(paramParts, fmt.Sprintf("$%d", start+i))
		args = append(args, value[col])
	}
	return strings.Join(nameParts, ", "), strings.Join(paramParts, ", "), args
}

func isKeyColumn(col string, key []string) bool {
	for _, k := range key {
		if k == col {
			return true
		}
	}
	return false
}

// tableIdent sanitizes a possibly schema-qualified table name.
func tableIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
