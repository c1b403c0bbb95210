package processor

import (
	"reflect"
	"strings"
	"testing"
)

func TestBuildInsert(t *testing.T) {
	op := CRUDOp{
		Op:         OpInsert,
		TableName:  "issue",
		PrimaryKey: []string{"id"},
		Value:      map[string]any{"id": "i1", "title": "hello", "ownerID": nil},
	}

	sql, args, err := buildInsert(op)
	if err != nil {
		t.Fatalf("buildInsert failed: %v", err)
	}
	want := `INSERT INTO "issue" ("id", "ownerID", "title") VALUES ($1, $2, $3)`
	if sql != want {
		t.Errorf("SQL mismatch:\n got %s\nwant %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"i1", nil, "hello"}) {
		t.Errorf("Args mismatch: %v", args)
	}
}

func TestBuildInsert_QualifiedTable(t *testing.T) {
	op := CRUDOp{Op: OpInsert, TableName: "app.issue", Value: map[string]any{"id": 1}}

	sql, _, err := buildInsert(op)
	if err != nil {
		t.Fatalf("buildInsert failed: %v", err)
	}
	if !strings.HasPrefix(sql, `INSERT INTO "app"."issue" `) {
		t.Errorf("Expected qualified identifier, got %s", sql)
	}
}

func TestBuildUpsert(t *testing.T) {
	op := CRUDOp{
		Op:         OpUpsert,
		TableName:  "issue",
		PrimaryKey: []string{"id"},
		Value:      map[string]any{"id": "i1", "title": "hello"},
	}

	sql, args, err := buildUpsert(op)
	if err != nil {
		t.Fatalf("buildUpsert failed: %v", err)
	}
	want := `INSERT INTO "issue" ("id", "title") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title"`
	if sql != want {
		t.Errorf("SQL mismatch:\n got %s\nwant %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"i1", "hello"}) {
		t.Errorf("Args mismatch: %v", args)
	}
}

func TestBuildUpsert_AllKeyColumnsDoNothing(t *testing.T) {
	op := CRUDOp{
		Op:         OpUpsert,
		TableName:  "membership",
		PrimaryKey: []string{"userID", "teamID"},
		Value:      map[string]any{"userID": "u1", "teamID": "t1"},
	}

	sql, _, err := buildUpsert(op)
	if err != nil {
		t.Fatalf("buildUpsert failed: %v", err)
	}
	if !strings.HasSuffix(sql, "DO NOTHING") {
		t.Errorf("Expected DO NOTHING with no non-key columns, got %s", sql)
	}
}

func TestBuildUpdate(t *testing.T) {
	op := CRUDOp{
		Op:         OpUpdate,
		TableName:  "issue",
		PrimaryKey: []string{"id"},
		Value:      map[string]any{"id": "i1", "title": "new", "closed": true},
	}

	sql, args, err := buildUpdate(op)
	if err != nil {
		t.Fatalf("buildUpdate failed: %v", err)
	}
	want := `UPDATE "issue" SET "closed" = $1, "title" = $2 WHERE "id" = $3`
	if sql != want {
		t.Errorf("SQL mismatch:\n got %s\nwant %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{true, "new", "i1"}) {
		t.Errorf("Args mismatch: %v", args)
	}
}

func TestBuildUpdate_OnlyKeyColumnsIsNoop(t *testing.T) {
	op := CRUDOp{
		Op:         OpUpdate,
		TableName:  "issue",
		PrimaryKey: []string{"id"},
		Value:      map[string]any{"id": "i1"},
	}

	sql, args, err := buildUpdate(op)
	if err != nil {
		t.Fatalf("buildUpdate failed: %v", err)
	}
	if sql != "" || args != nil {
		t.Errorf("Expected no-op, got %q %v", sql, args)
	}
}

func TestBuildDelete(t *testing.T) {
	op := CRUDOp{
		Op:         OpDelete,
		TableName:  "issue",
		PrimaryKey: []string{"id", "shard"},
		Value:      map[string]any{"id": "i1", "shard": 3},
	}

	sql, args, err := buildDelete(op)
	if err != nil {
		t.Fatalf("buildDelete failed: %v", err)
	}
	want := `DELETE FROM "issue" WHERE "id" = $1 AND "shard" = $2`
	if sql != want {
		t.Errorf("SQL mismatch:\n got %s\nwant %s", sql, want)
	}
	if !reflect.DeepEqual(args, []any{"i1", 3}) {
		t.Errorf("Args mismatch: %v", args)
	}
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name string
		op   CRUDOp
	}{
		{"missing table", CRUDOp{Op: OpUpdate, PrimaryKey: []string{"id"}, Value: map[string]any{"id": 1}}},
		{"missing value", CRUDOp{Op: OpUpdate, TableName: "issue", PrimaryKey: []string{"id"}}},
		{"missing primary key", CRUDOp{Op: OpDelete, TableName: "issue", Value: map[string]any{"id": 1}}},
		{"key column absent from value", CRUDOp{Op: OpDelete, TableName: "issue", PrimaryKey: []string{"id"}, Value: map[string]any{"other": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			switch tt.op.Op {
			case OpUpdate:
				_, _, err = buildUpdate(tt.op)
			case OpDelete:
				_, _, err = buildDelete(tt.op)
			}
			if err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSanitizedIdentifiersQuoteQuotes(t *testing.T) {
	op := CRUDOp{
		Op:        OpInsert,
		TableName: `weird"table`,
		Value:     map[string]any{`a"b`: 1},
	}

	sql, _, err := buildInsert(op)
	if err != nil {
		t.Fatalf("buildInsert failed: %v", err)
	}
	if strings.Contains(sql, `"weird"table"`) {
		t.Errorf("Identifier not escaped: %s", sql)
	}
	if !strings.Contains(sql, `"weird""table"`) || !strings.Contains(sql, `"a""b"`) {
		t.Errorf("Expected doubled quotes in identifiers: %s", sql)
	}
}
