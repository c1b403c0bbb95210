package pusher

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
)

// ConnectParams carries per-connection overrides for upstream dispatch,
// taken from the sync connection's query parameters.
type ConnectParams struct {
	// URL replaces the configured push endpoint when non-empty.
	URL string
	// Headers are forwarded on dispatch. Authorization and X-Api-Key
	// are system-owned and cannot be overridden here.
	Headers map[string]string
}

// ClientConnection tracks one live sync connection for a client.
type ClientConnection struct {
	ClientID string
	WSEpoch  string
	Params   *ConnectParams
	Out      *Subscription
}

// Registry maps clientIDs to their live connections. A client has at
// most one connection; a newer wsEpoch replaces the older connection
// and ends its stream.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ClientConnection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ClientConnection)}
}

// InitConnection registers a connection for (clientID, wsEpoch) and
// returns its output stream. Reconnecting with a new wsEpoch replaces
// the previous connection; reusing a live epoch is rejected.
func (r *Registry) InitConnection(clientID, wsEpoch string, params *ConnectParams) (*Subscription, error) {
	r.mu.Lock()
	prev, exists := r.conns[clientID]
	if exists && prev.WSEpoch == wsEpoch {
		r.mu.Unlock()
		return nil, ErrConnectionExists
	}

	conn := &ClientConnection{
		ClientID: clientID,
		WSEpoch:  wsEpoch,
		Params:   params,
	}
	conn.Out = newSubscription(func() {
		metrics.ActiveStreams.Dec()
		r.remove(conn)
	})
	r.conns[clientID] = conn
	r.mu.Unlock()
	metrics.ActiveStreams.Inc()

	// Close outside the lock: the old stream's cleanup re-enters the
	// registry and must find the new entry already in place.
	if exists {
		prev.Out.Close()
		log.Debug().
			Str("clientID", clientID).
			Str("oldEpoch", prev.WSEpoch).
			Str("newEpoch", wsEpoch).
			Msg("Replaced sync connection")
	}

	return conn.Out, nil
}

// Get returns the live connection for clientID, if any.
func (r *Registry) Get(clientID string) (*ClientConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	return conn, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll ends every live stream cleanly. Used on service shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*ClientConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Out.Close()
	}
}

// remove drops conn unless a newer connection has already replaced it.
func (r *Registry) remove(conn *ClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[conn.ClientID]; ok && cur == conn {
		delete(r.conns, conn.ClientID)
	}
}
