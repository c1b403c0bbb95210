package pusher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/syncbridge/internal/protocol"
)

// stubDispatcher records calls and answers with a canned response.
type stubDispatcher struct {
	mu      sync.Mutex
	calls   []PushEntry
	entered chan struct{}
	gate    chan struct{}
	respond func(PushEntry) (protocol.PushResponse, error)
}

func (d *stubDispatcher) Dispatch(ctx context.Context, entry PushEntry, params *ConnectParams) (protocol.PushResponse, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return protocol.PushResponse{}, ctx.Err()
		}
	}

	d.mu.Lock()
	d.calls = append(d.calls, entry)
	d.mu.Unlock()

	if d.respond != nil {
		return d.respond(entry)
	}
	return okResponseFor(entry), nil
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *stubDispatcher) call(i int) PushEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[i]
}

func okResponseFor(entry PushEntry) protocol.PushResponse {
	var resp protocol.PushResponse
	for _, m := range entry.Push.Mutations {
		resp.Mutations = append(resp.Mutations, protocol.MutationResult{ID: m.MID()})
	}
	return resp
}

func startService(t *testing.T, d Dispatcher) (*Service, chan error) {
	t.Helper()
	svc := NewService("cg-test", d, nil)
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	return svc, done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit in time")
		return nil
	}
}

func TestService_CoalescesWhileDispatchBlocked(t *testing.T) {
	d := &stubDispatcher{
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	svc, done := startService(t, d)

	if err := svc.EnqueuePush("c1", testPush("c1", 1), ""); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}
	<-d.entered // first dispatch is now blocked on the gate

	for id := int64(2); id <= 4; id++ {
		if err := svc.EnqueuePush("c1", testPush("c1", id), ""); err != nil {
			t.Fatalf("EnqueuePush %d failed: %v", id, err)
		}
	}

	close(d.gate)
	svc.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := d.callCount(); got != 2 {
		t.Fatalf("Expected exactly 2 dispatches, got %d", got)
	}
	if got := len(d.call(0).Push.Mutations); got != 1 {
		t.Errorf("Expected first dispatch with 1 mutation, got %d", got)
	}
	if got := len(d.call(1).Push.Mutations); got != 3 {
		t.Errorf("Expected second dispatch with 3 coalesced mutations, got %d", got)
	}
}

func TestService_DeliversResultsDownstream(t *testing.T) {
	d := &stubDispatcher{}
	svc, done := startService(t, d)

	sub, err := svc.InitConnection("c1", "w1", nil)
	if err != nil {
		t.Fatalf("InitConnection failed: %v", err)
	}

	if err := svc.EnqueuePush("c1", testPush("c1", 1, 2), ""); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := sub.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg.Tag != protocol.DownstreamTagPushResponse {
		t.Errorf("Expected pushResponse tag, got %s", msg.Tag)
	}
	if len(msg.PushResponse.Mutations) != 2 {
		t.Errorf("Expected 2 results, got %d", len(msg.PushResponse.Mutations))
	}

	svc.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Shutdown ends the stream cleanly.
	if _, err := sub.Recv(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("Expected ErrStreamDone after stop, got %v", err)
	}
}

func TestService_EpochReplacementRoutesToNewStream(t *testing.T) {
	d := &stubDispatcher{}
	svc, done := startService(t, d)
	defer func() {
		svc.Stop()
		waitRun(t, done)
	}()

	s1, err := svc.InitConnection("c1", "w1", nil)
	if err != nil {
		t.Fatalf("InitConnection w1 failed: %v", err)
	}
	s2, err := svc.InitConnection("c1", "w2", nil)
	if err != nil {
		t.Fatalf("InitConnection w2 failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s1.Recv(ctx); !errors.Is(err, ErrStreamDone) {
		t.Errorf("Expected first stream done, got %v", err)
	}

	if err := svc.EnqueuePush("c1", testPush("c1", 1), ""); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}
	msg, err := s2.Recv(ctx)
	if err != nil {
		t.Fatalf("Second stream Recv failed: %v", err)
	}
	if len(msg.PushResponse.Mutations) != 1 {
		t.Errorf("Expected 1 result on new stream, got %d", len(msg.PushResponse.Mutations))
	}
}

func TestService_RejectsWrongClientGroup(t *testing.T) {
	svc := NewService("cg-test", &stubDispatcher{}, nil)

	push := testPush("c1", 1)
	push.ClientGroupID = "cg-other"
	if err := svc.EnqueuePush("c1", push, ""); !errors.Is(err, ErrWrongClientGroup) {
		t.Errorf("Expected ErrWrongClientGroup, got %v", err)
	}
}

func TestService_EnqueueAfterStop(t *testing.T) {
	d := &stubDispatcher{}
	svc, done := startService(t, d)

	svc.Stop()
	svc.Stop() // idempotent
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := svc.EnqueuePush("c1", testPush("c1", 1), ""); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestService_CoalesceViolationDropsBatchAndContinues(t *testing.T) {
	d := &stubDispatcher{}
	svc := NewService("cg-test", d, nil)

	// Conflicting jwts for the same client, queued before the loop runs
	// so they land in one batch.
	if err := svc.EnqueuePush("c1", testPush("c1", 1), "jwt-a"); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}
	if err := svc.EnqueuePush("c1", testPush("c1", 2), "jwt-b"); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}
	svc.Stop()

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := d.callCount(); got != 0 {
		t.Errorf("Dropped batch must not dispatch, got %d calls", got)
	}
}

func TestService_DispatchErrorStopsRun(t *testing.T) {
	d := &stubDispatcher{
		respond: func(PushEntry) (protocol.PushResponse, error) {
			return protocol.PushResponse{}, fmt.Errorf("parse push response: garbage")
		},
	}
	svc, done := startService(t, d)

	if err := svc.EnqueuePush("c1", testPush("c1", 1), ""); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}

	err := waitRun(t, done)
	if err == nil {
		t.Fatal("Expected Run to surface dispatch error")
	}
}

func TestService_NotifiesAfterCommittedPush(t *testing.T) {
	var mu sync.Mutex
	var groups []string
	notifier := notifierFunc(func(_ context.Context, cg string) {
		mu.Lock()
		groups = append(groups, cg)
		mu.Unlock()
	})

	d := &stubDispatcher{}
	svc := NewService("cg-test", d, notifier)
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	if err := svc.EnqueuePush("c1", testPush("c1", 1), ""); err != nil {
		t.Fatalf("EnqueuePush failed: %v", err)
	}
	svc.Stop()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(groups) != 1 || groups[0] != "cg-test" {
		t.Errorf("Expected one notification for cg-test, got %v", groups)
	}
}

type notifierFunc func(context.Context, string)

func (f notifierFunc) GroupChanged(ctx context.Context, clientGroupID string) { f(ctx, clientGroupID) }
