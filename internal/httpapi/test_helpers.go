package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/syncbridge/internal/db"
	"github.com/erauner12/syncbridge/internal/processor"
	"github.com/erauner12/syncbridge/internal/protocol"
)

// httpTestSchema keeps this package's integration tables separate from
// the processor package's so the suites can share one test database.
const httpTestSchema = "syncbridge_http_test"

// getTestDB connects to TEST_DATABASE_URL or skips, then resets the
// bookkeeping and domain tables for this package's schema.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL, 0)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := processor.EnsureSchema(ctx, pool, httpTestSchema); err != nil {
		t.Fatalf("Failed to ensure sync schema: %v", err)
	}
	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS "syncbridge_http_test"."issue" (
		"id" TEXT PRIMARY KEY,
		"title" TEXT,
		"closed" BOOLEAN NOT NULL DEFAULT FALSE
	)`)
	if err != nil {
		t.Fatalf("Failed to create issue table: %v", err)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM "syncbridge_http_test"."clients"`); err != nil {
		t.Fatalf("Failed to clean clients table: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM "syncbridge_http_test"."issue"`); err != nil {
		t.Fatalf("Failed to clean issue table: %v", err)
	}

	return pool
}

// postPush sends a push body through the router and returns the recorder.
// path allows query parameters, e.g. "/api/push?appID=demo".
func postPush(t *testing.T, router http.Handler, path string, push protocol.PushBody, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(push)
	if err != nil {
		t.Fatalf("Failed to marshal push body: %v", err)
	}

	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodePushResponse fails the test unless the body is a PushResponse.
func decodePushResponse(t *testing.T, w *httptest.ResponseRecorder) protocol.PushResponse {
	t.Helper()

	resp, err := protocol.ParsePushResponse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Failed to parse push response: %v (body: %s)", err, w.Body.String())
	}
	return resp
}
