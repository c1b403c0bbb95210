// Package transport exposes the pusher pipeline to WebSocket clients.
// Each client group gets one pusher service; the hub creates services
// on first connect, retires them after an idle period, and owns their
// run loops.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/metrics"
	"github.com/erauner12/syncbridge/internal/pusher"
)

// ErrHubClosed rejects connects during shutdown.
var ErrHubClosed = errors.New("hub closed")

// DefaultIdleTimeout retires groups with no connections.
const DefaultIdleTimeout = 5 * time.Minute

// Options configure a Hub.
type Options struct {
	Dispatcher pusher.Dispatcher
	Notifier   pusher.ChangeNotifier
	JWT        auth.JWTCfg

	// ForwardCookies copies each connection's Cookie header into its
	// push params so the upstream sees the client's session.
	ForwardCookies bool

	// IdleTimeout retires groups with no connections. Zero means
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Hub routes client connections to per-group pusher services.
type Hub struct {
	opts Options

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

// group pairs a running service with its lifecycle handles.
type group struct {
	svc    *pusher.Service
	cancel context.CancelFunc
	done   chan struct{}

	// idleSince is zero while the group has connections; the reaper
	// sets it on the first empty sweep and retires the group once the
	// idle timeout elapses.
	idleSince time.Time
	stopping  bool
}

// NewHub creates a hub. Callers should run Run in a goroutine to get
// idle group reaping.
func NewHub(opts Options) *Hub {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Hub{
		opts:   opts,
		groups: make(map[string]*group),
	}
}

// Routes creates the syncd HTTP router: client connects, health, metrics.
func (h *Hub) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/api/sync/v1/connect", h.HandleConnect)

	return r
}

// Groups reports how many client groups currently have a service.
func (h *Hub) Groups() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups)
}

// service returns the live service for the group, creating one if
// needed.
func (h *Hub) service(clientGroupID string) (*pusher.Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if g, ok := h.groups[clientGroupID]; ok && !g.stopping {
		return g.svc, nil
	}

	g := h.startGroup(clientGroupID)
	h.groups[clientGroupID] = g
	return g.svc, nil
}

// lookup returns the group's current service without creating one.
func (h *Hub) lookup(clientGroupID string) *pusher.Service {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[clientGroupID]; ok && !g.stopping {
		return g.svc
	}
	return nil
}

// startGroup spawns the service run loop. Callers hold h.mu.
func (h *Hub) startGroup(clientGroupID string) *group {
	svc := pusher.NewService(clientGroupID, h.opts.Dispatcher, h.opts.Notifier)
	ctx, cancel := context.WithCancel(context.Background())
	g := &group{svc: svc, cancel: cancel, done: make(chan struct{})}

	metrics.ActiveGroups.Inc()
	log.Info().Str("clientGroupID", clientGroupID).Msg("starting pusher service")

	go func() {
		defer close(g.done)
		defer metrics.ActiveGroups.Dec()
		defer cancel()

		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("clientGroupID", clientGroupID).Msg("pusher service failed")
		} else {
			log.Info().Str("clientGroupID", clientGroupID).Msg("pusher service stopped")
		}
		h.removeGroup(clientGroupID, g)
	}()

	return g
}

// removeGroup deletes the entry unless a replacement already took its
// slot.
func (h *Hub) removeGroup(clientGroupID string, g *group) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.groups[clientGroupID]; ok && cur == g {
		delete(h.groups, clientGroupID)
	}
}

// connect resolves the group's service and registers the client's
// output stream. If the reaper retired the group between lookup and
// registration, the registration landed on a dead service; retry once
// on a fresh one.
func (h *Hub) connect(clientGroupID, clientID, wsEpoch string, params *pusher.ConnectParams) (*pusher.Service, *pusher.Subscription, error) {
	for attempt := 0; attempt < 2; attempt++ {
		svc, err := h.service(clientGroupID)
		if err != nil {
			return nil, nil, err
		}
		sub, err := svc.InitConnection(clientID, wsEpoch, params)
		if err != nil {
			return nil, nil, err
		}
		if h.lookup(clientGroupID) == svc {
			return svc, sub, nil
		}
		sub.Cancel()
	}
	return nil, nil, ErrHubClosed
}

// Run sweeps for idle groups until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.IdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ReapIdle(time.Now())
		}
	}
}

// ReapIdle retires every group that has had no connections for the idle
// timeout. Returns how many groups were stopped.
func (h *Hub) ReapIdle(now time.Time) int {
	h.mu.Lock()

	var stopped []*group
	for id, g := range h.groups {
		if g.stopping {
			continue
		}
		if g.svc.ActiveConnections() > 0 {
			g.idleSince = time.Time{}
			continue
		}
		if g.idleSince.IsZero() {
			g.idleSince = now
			continue
		}
		if now.Sub(g.idleSince) < h.opts.IdleTimeout {
			continue
		}
		g.stopping = true
		delete(h.groups, id)
		stopped = append(stopped, g)
		log.Info().Str("clientGroupID", id).Msg("retiring idle pusher service")
	}
	h.mu.Unlock()

	for _, g := range stopped {
		g.svc.Stop()
	}
	return len(stopped)
}

// Shutdown stops every group and waits for their run loops to exit or
// ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	remaining := make([]*group, 0, len(h.groups))
	for _, g := range h.groups {
		g.stopping = true
		remaining = append(remaining, g)
	}
	h.mu.Unlock()

	for _, g := range remaining {
		g.svc.Stop()
	}
	for _, g := range remaining {
		select {
		case <-g.done:
		case <-ctx.Done():
			// Force the stragglers and stop waiting.
			for _, g := range remaining {
				g.cancel()
			}
			return ctx.Err()
		}
	}
	return nil
}
