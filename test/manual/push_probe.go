//go:build ignore

package main

// Manual smoke probe for a running push endpoint.
//
// Usage:
//   1. Start the server (cmd/server) against a Postgres with a probe
//      table: CREATE TABLE syncbridge.probe (id TEXT PRIMARY KEY, note TEXT);
//   2. Set PUSH_URL (default http://localhost:8081/api/push) and
//      optionally PUSH_TOKEN (sent as Bearer), CLIENT_GROUP_ID,
//      CLIENT_ID, PUSH_MUTATION_ID
//   3. go run test/manual/push_probe.go
//
// Sends one crud upsert mutation and prints the decoded response.
// Run it twice with the same PUSH_MUTATION_ID to watch the replay get
// skipped; bump the ID by more than one to see an oooMutation result.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	pushURL := getenv("PUSH_URL", "http://localhost:8081/api/push")
	clientGroupID := getenv("CLIENT_GROUP_ID", "probe-group")
	clientID := getenv("CLIENT_ID", "probe-client")

	mutationID := int64(1)
	if v := os.Getenv("PUSH_MUTATION_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid PUSH_MUTATION_ID %q: %v\n", v, err)
			os.Exit(1)
		}
		mutationID = id
	}

	now := time.Now().UnixMilli()
	body := map[string]any{
		"clientGroupID": clientGroupID,
		"pushVersion":   1,
		"schemaVersion": "1",
		"timestamp":     now,
		"requestID":     fmt.Sprintf("probe-%d", now),
		"mutations": []map[string]any{{
			"kind":      "crud",
			"id":        mutationID,
			"clientID":  clientID,
			"name":      "_crud",
			"timestamp": now,
			"args": map[string]any{
				"ops": []map[string]any{{
					"op":         "upsert",
					"tableName":  "syncbridge.probe",
					"primaryKey": []string{"id"},
					"value": map[string]any{
						"id":   "probe-row",
						"note": fmt.Sprintf("pushed at %s", time.Now().Format(time.RFC3339)),
					},
				}},
			},
		}},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal push body: %v\n", err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, pushURL, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("PUSH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	fmt.Printf("POST %s\n", pushURL)
	fmt.Printf("  clientGroupID=%s clientID=%s mutationID=%d\n\n", clientGroupID, clientID, mutationID)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "push failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("X-Correlation-ID: %s\n", resp.Header.Get("X-Correlation-ID"))
	if limit := resp.Header.Get("X-RateLimit-Remaining"); limit != "" {
		fmt.Printf("X-RateLimit-Remaining: %s\n", limit)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, respBody, "", "  "); err != nil {
		fmt.Printf("Body: %s\n", respBody)
		return
	}
	fmt.Printf("Body:\n%s\n", pretty.String())
}
