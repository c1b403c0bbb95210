package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/protocol"
	"github.com/erauner12/syncbridge/internal/pusher"
)

// stubDispatcher records dispatched entries and answers with a canned
// response, acknowledging every mutation by default.
type stubDispatcher struct {
	mu      sync.Mutex
	entries []pusher.PushEntry
	params  []*pusher.ConnectParams
	respond func(entry pusher.PushEntry) protocol.PushResponse
}

func (d *stubDispatcher) Dispatch(ctx context.Context, entry pusher.PushEntry, params *pusher.ConnectParams) (protocol.PushResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry)
	d.params = append(d.params, params)

	if d.respond != nil {
		return d.respond(entry), nil
	}
	results := make([]protocol.MutationResult, 0, len(entry.Push.Mutations))
	for _, m := range entry.Push.Mutations {
		results = append(results, protocol.MutationResult{ID: m.MID()})
	}
	return protocol.PushResponse{Mutations: results}, nil
}

func (d *stubDispatcher) dispatched() []pusher.PushEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]pusher.PushEntry(nil), d.entries...)
}

func (d *stubDispatcher) connectParams() []*pusher.ConnectParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*pusher.ConnectParams(nil), d.params...)
}

func newTestHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	ts := httptest.NewServer(hub.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		ts.Close()
	})
	return hub, ts
}

func connectURL(ts *httptest.Server, clientGroupID, clientID, wsEpoch string) string {
	q := url.Values{}
	q.Set("clientGroupID", clientGroupID)
	q.Set("clientID", clientID)
	q.Set("wsEpoch", wsEpoch)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sync/v1/connect?" + q.Encode()
}

func dialSync(t *testing.T, ts *httptest.Server, clientGroupID, clientID, wsEpoch string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(connectURL(ts, clientGroupID, clientID, wsEpoch), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func testPush(clientID string, ids ...int64) protocol.PushBody {
	mutations := make([]protocol.Mutation, 0, len(ids))
	for _, id := range ids {
		mutations = append(mutations, protocol.Mutation{
			Kind:      protocol.MutationCustom,
			ID:        id,
			ClientID:  clientID,
			Name:      "issue|setTitle",
			Timestamp: time.Now().UnixMilli(),
		})
	}
	return protocol.PushBody{
		ClientGroupID: "cg-ws",
		Mutations:     mutations,
		PushVersion:   protocol.PushVersion,
		Timestamp:     time.Now().UnixMilli(),
		RequestID:     "req-" + clientID,
	}
}

func writePush(t *testing.T, conn *websocket.Conn, push protocol.PushBody) {
	t.Helper()
	data, err := json.Marshal(protocol.PushMessage(push))
	if err != nil {
		t.Fatalf("marshal push frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write push frame: %v", err)
	}
}

func readDownstream(t *testing.T, conn *websocket.Conn) protocol.Downstream {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read downstream frame: %v", err)
	}
	var msg protocol.Downstream
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode downstream frame: %v (frame: %s)", err, data)
	}
	return msg
}

func TestConnectRequiresIdentityParams(t *testing.T) {
	_, ts := newTestHub(t, Options{Dispatcher: &stubDispatcher{}})

	resp, err := http.Get(ts.URL + "/api/sync/v1/connect?clientID=c1&wsEpoch=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConnectRejectsBadToken(t *testing.T) {
	_, ts := newTestHub(t, Options{
		Dispatcher: &stubDispatcher{},
		JWT:        auth.JWTCfg{HS256Secret: "secret"},
	})

	// Missing token.
	_, resp, err := websocket.DefaultDialer.Dial(connectURL(ts, "cg-ws", "c1", "1"), nil)
	if err == nil {
		t.Fatal("expected handshake failure without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}

	// Garbage token via query param.
	u := connectURL(ts, "cg-ws", "c1", "1") + "&auth=garbage"
	_, resp, err = websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected handshake failure with an invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v, want 401", resp)
	}
}

func TestConnectRejectsDuplicateEpoch(t *testing.T) {
	_, ts := newTestHub(t, Options{Dispatcher: &stubDispatcher{}})

	dialSync(t, ts, "cg-ws", "c1", "epoch-1", nil)

	_, resp, err := websocket.DefaultDialer.Dial(connectURL(ts, "cg-ws", "c1", "epoch-1"), nil)
	if err == nil {
		t.Fatal("expected handshake failure for duplicate epoch")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %v, want 409", resp)
	}
}

func TestPushRoundTrip(t *testing.T) {
	dispatcher := &stubDispatcher{}
	_, ts := newTestHub(t, Options{Dispatcher: dispatcher})

	conn := dialSync(t, ts, "cg-ws", "c1", "epoch-1", nil)

	writePush(t, conn, testPush("c1", 1, 2))

	msg := readDownstream(t, conn)
	if msg.Tag != protocol.DownstreamTagPushResponse {
		t.Fatalf("tag = %q, want pushResponse", msg.Tag)
	}
	if len(msg.PushResponse.Mutations) != 2 {
		t.Fatalf("results = %d, want 2", len(msg.PushResponse.Mutations))
	}
	for i, m := range msg.PushResponse.Mutations {
		if !m.Result.OK() {
			t.Errorf("mutation %d: error %q", i, m.Result.Error)
		}
	}

	entries := dispatcher.dispatched()
	if len(entries) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(entries))
	}
	if entries[0].ClientID != "c1" || len(entries[0].Push.Mutations) != 2 {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestOutOfOrderPushClosesConnection(t *testing.T) {
	dispatcher := &stubDispatcher{
		respond: func(entry pusher.PushEntry) protocol.PushResponse {
			results := []protocol.MutationResult{{
				ID: entry.Push.Mutations[0].MID(),
				Result: protocol.MutationOutcome{
					Error:   protocol.MutationErrorOutOfOrder,
					Details: "expected 1",
				},
			}}
			return protocol.PushResponse{Mutations: results}
		},
	}
	_, ts := newTestHub(t, Options{Dispatcher: dispatcher})

	conn := dialSync(t, ts, "cg-ws", "c1", "epoch-1", nil)
	writePush(t, conn, testPush("c1", 5))

	// The reason arrives in-band before the close frame.
	msg := readDownstream(t, conn)
	if msg.Tag != protocol.DownstreamTagError {
		t.Fatalf("tag = %q, want error", msg.Tag)
	}
	if msg.Err.Kind != protocol.ErrorKindInvalidPush {
		t.Errorf("error kind = %q, want %q", msg.Err.Kind, protocol.ErrorKindInvalidPush)
	}
	if !strings.Contains(msg.Err.Message, "out of order") {
		t.Errorf("error message = %q, want out of order reason", msg.Err.Message)
	}

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if !strings.Contains(closeErr.Text, "out of order") {
		t.Errorf("close text = %q, want out of order reason", closeErr.Text)
	}
}

func TestForwardCookiesReachDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{}
	_, ts := newTestHub(t, Options{Dispatcher: dispatcher, ForwardCookies: true})

	header := http.Header{}
	header.Set("Cookie", "session=abc123")
	conn := dialSync(t, ts, "cg-ws", "c1", "epoch-1", header)

	writePush(t, conn, testPush("c1", 1))
	readDownstream(t, conn)

	params := dispatcher.connectParams()
	if len(params) != 1 || params[0] == nil {
		t.Fatalf("params = %v, want 1 entry", params)
	}
	if got := params[0].Headers["Cookie"]; got != "session=abc123" {
		t.Errorf("cookie = %q, want session=abc123", got)
	}
}

func TestPushURLOverrideReachesDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{}
	_, ts := newTestHub(t, Options{Dispatcher: dispatcher})

	u := connectURL(ts, "cg-ws", "c1", "epoch-1") + "&pushURL=" + url.QueryEscape("https://app.example.com/push")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	writePush(t, conn, testPush("c1", 1))
	readDownstream(t, conn)

	params := dispatcher.connectParams()
	if len(params) != 1 || params[0] == nil {
		t.Fatalf("params = %v, want 1 entry", params)
	}
	if params[0].URL != "https://app.example.com/push" {
		t.Errorf("url = %q, want the connect override", params[0].URL)
	}
}

func TestHubReapsIdleGroups(t *testing.T) {
	hub, _ := newTestHub(t, Options{Dispatcher: &stubDispatcher{}, IdleTimeout: time.Minute})

	if _, err := hub.service("cg-idle"); err != nil {
		t.Fatalf("service: %v", err)
	}
	if hub.Groups() != 1 {
		t.Fatalf("groups = %d, want 1", hub.Groups())
	}

	now := time.Now()
	if n := hub.ReapIdle(now); n != 0 {
		t.Fatalf("first sweep stopped %d groups, want 0 (marks idle)", n)
	}
	if n := hub.ReapIdle(now.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("second sweep stopped %d groups, want 1", n)
	}

	deadline := time.After(5 * time.Second)
	for hub.Groups() != 0 {
		select {
		case <-deadline:
			t.Fatal("group was not removed after reaping")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHubKeepsConnectedGroups(t *testing.T) {
	hub, ts := newTestHub(t, Options{Dispatcher: &stubDispatcher{}, IdleTimeout: time.Minute})

	dialSync(t, ts, "cg-live", "c1", "epoch-1", nil)

	now := time.Now()
	hub.ReapIdle(now)
	if n := hub.ReapIdle(now.Add(2 * time.Minute)); n != 0 {
		t.Fatalf("sweep stopped %d groups, want 0 while connected", n)
	}
	if hub.Groups() != 1 {
		t.Fatalf("groups = %d, want 1", hub.Groups())
	}
}

func TestConnectAfterReapCreatesFreshGroup(t *testing.T) {
	hub, ts := newTestHub(t, Options{Dispatcher: &stubDispatcher{}, IdleTimeout: time.Minute})

	if _, err := hub.service("cg-ws"); err != nil {
		t.Fatalf("service: %v", err)
	}
	now := time.Now()
	hub.ReapIdle(now)
	hub.ReapIdle(now.Add(2 * time.Minute))

	// A connect after retirement must work on a fresh service.
	conn := dialSync(t, ts, "cg-ws", "c1", "epoch-2", nil)
	writePush(t, conn, testPush("c1", 1))
	msg := readDownstream(t, conn)
	if msg.Tag != protocol.DownstreamTagPushResponse {
		t.Fatalf("tag = %q, want pushResponse", msg.Tag)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	hub := NewHub(Options{Dispatcher: &stubDispatcher{}})
	ts := httptest.NewServer(hub.Routes())
	defer ts.Close()

	conn := dialSync(t, ts, "cg-ws", "c1", "epoch-1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}

	// New connects are refused while shut down.
	_, resp, err := websocket.DefaultDialer.Dial(connectURL(ts, "cg-ws", "c2", "epoch-1"), nil)
	if err == nil {
		t.Fatal("expected handshake failure after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %v, want 503", resp)
	}
}
