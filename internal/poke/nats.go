// Package poke broadcasts client-group change notifications over NATS.
// syncd publishes after the upstream acknowledges a push; replicas
// subscribed to a group's subject learn that new data is available for
// its clients without polling.
package poke

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/metrics"
)

const subjectPrefix = "syncbridge.poke."

// Reserved subject characters are replaced so a group ID cannot escape
// the poke namespace or collide across token boundaries.
var subjectEscaper = strings.NewReplacer(" ", "_", ".", "_", "*", "_", ">", "_")

// Subject returns the NATS subject carrying pokes for one client group.
func Subject(clientGroupID string) string {
	return subjectPrefix + subjectEscaper.Replace(clientGroupID)
}

// Notifier publishes pokes on a NATS connection. Methods are safe for
// concurrent use but not on a nil receiver; when pokes are disabled,
// hand the service a nil ChangeNotifier rather than a nil *Notifier.
type Notifier struct {
	conn *nats.Conn
}

// Connect dials NATS with reconnect behavior suited to a long-lived
// daemon: it retries forever with jittered backoff and logs the
// connection state transitions.
func Connect(url string) (*Notifier, error) {
	opts := []nats.Option{
		nats.Name("syncbridge-syncd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
	return &Notifier{conn: nc}, nil
}

// GroupChanged publishes an empty poke for clientGroupID. Delivery is
// best effort; failures are logged and dropped.
func (n *Notifier) GroupChanged(_ context.Context, clientGroupID string) {
	if err := n.conn.Publish(Subject(clientGroupID), nil); err != nil {
		log.Warn().Err(err).Str("clientGroupID", clientGroupID).Msg("poke publish failed")
		return
	}
	metrics.PokesPublished.Inc()
}

// IsConnected reports whether the underlying connection is currently up.
func (n *Notifier) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}

// Close flushes pending pokes and closes the connection.
func (n *Notifier) Close() {
	if err := n.conn.FlushTimeout(2 * time.Second); err != nil {
		log.Warn().Err(err).Msg("NATS flush on close")
	}
	n.conn.Close()
}
