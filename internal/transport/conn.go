package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/syncbridge/internal/auth"
	"github.com/erauner12/syncbridge/internal/protocol"
	"github.com/erauner12/syncbridge/internal/pusher"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Pushes carry whole
	// mutation batches, so this is generous.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Sync clients connect cross-origin; tokens gate access.
		return true
	},
	EnableCompression: true,
}

// wsConn bridges one websocket connection to its pusher subscription.
type wsConn struct {
	svc      *pusher.Service
	sub      *pusher.Subscription
	conn     *websocket.Conn
	clientID string
	jwt      string

	// Buffered channel of outbound frames; closed by recvLoop when the
	// subscription ends.
	send chan []byte

	mu        sync.Mutex
	closeCode int
	closeText string
}

// HandleConnect handles GET /api/sync/v1/connect?clientGroupID=&clientID=&wsEpoch=.
// An optional pushURL parameter overrides the configured upstream for
// this connection. The token travels in the Authorization header or the
// auth query parameter. Registration happens before the upgrade so
// protocol-level rejections still get proper HTTP statuses.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientGroupID := q.Get("clientGroupID")
	clientID := q.Get("clientID")
	wsEpoch := q.Get("wsEpoch")
	if clientGroupID == "" || clientID == "" || wsEpoch == "" {
		http.Error(w, "clientGroupID, clientID and wsEpoch are required", http.StatusBadRequest)
		return
	}

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if h.opts.JWT.HS256Secret != "" {
		if token == "" {
			http.Error(w, "missing auth token", http.StatusUnauthorized)
			return
		}
		if _, err := auth.VerifySubject(h.opts.JWT, token); err != nil {
			log.Warn().Err(err).Str("clientID", clientID).Msg("rejecting sync connect")
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}
	}

	params := &pusher.ConnectParams{URL: q.Get("pushURL")}
	if h.opts.ForwardCookies {
		if cookie := r.Header.Get("Cookie"); cookie != "" {
			params.Headers = map[string]string{"Cookie": cookie}
		}
	}

	svc, sub, err := h.connect(clientGroupID, clientID, wsEpoch, params)
	switch {
	case errors.Is(err, pusher.ErrConnectionExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrHubClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, "connect failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sub.Cancel()
		log.Warn().Err(err).Str("clientID", clientID).Msg("websocket upgrade failed")
		return
	}

	log.Info().
		Str("clientGroupID", clientGroupID).
		Str("clientID", clientID).
		Str("wsEpoch", wsEpoch).
		Msg("sync client connected")

	c := &wsConn{
		svc:      svc,
		sub:      sub,
		conn:     conn,
		clientID: clientID,
		jwt:      token,
		send:     make(chan []byte, 16),
	}

	go c.writePump()
	go c.recvLoop()
	go c.readPump()
}

// setClose records the close frame to send. The first cause wins.
func (c *wsConn) setClose(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		c.closeCode, c.closeText = code, text
	}
}

// closeFrame formats the recorded close reason. Control frame payloads
// are capped at 125 bytes, so long reasons are truncated.
func (c *wsConn) closeFrame() []byte {
	c.mu.Lock()
	code, text := c.closeCode, c.closeText
	c.mu.Unlock()

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	if len(text) > 123 {
		text = text[:123]
	}
	return websocket.FormatCloseMessage(code, text)
}

// readPump pumps pushes from the websocket connection into the service
// queue. Exiting cancels the subscription, which unwinds the other two
// pumps.
func (c *wsConn) readPump() {
	defer func() {
		c.sub.Cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("clientID", c.clientID).Msg("websocket read failed")
			}
			return
		}

		var up protocol.Upstream
		if err := json.Unmarshal(message, &up); err != nil {
			log.Warn().Err(err).Str("clientID", c.clientID).Msg("malformed upstream message")
			c.setClose(websocket.CloseUnsupportedData, "malformed message")
			return
		}

		if err := c.svc.EnqueuePush(c.clientID, up.Push, c.jwt); err != nil {
			log.Warn().Err(err).Str("clientID", c.clientID).Msg("push rejected")
			switch {
			case errors.Is(err, pusher.ErrWrongClientGroup):
				c.setClose(websocket.ClosePolicyViolation, err.Error())
			default:
				c.setClose(websocket.CloseTryAgainLater, "service stopping")
			}
			return
		}
	}
}

// recvLoop drains the subscription into the send channel and decides
// the close frame when the stream ends. Failed streams get an
// ["error", ...] message ahead of the close frame so clients learn the
// reason in-band.
func (c *wsConn) recvLoop() {
	defer close(c.send)

	for {
		msg, err := c.sub.Recv(context.Background())
		if err != nil {
			var invalid protocol.InvalidPush
			switch {
			case errors.As(err, &invalid):
				c.sendErrorFrame(protocol.ErrorKindInvalidPush, invalid.Error())
				c.setClose(websocket.ClosePolicyViolation, invalid.Error())
			case errors.Is(err, pusher.ErrStreamDone):
				c.setClose(websocket.CloseNormalClosure, "connection closed")
			default:
				c.sendErrorFrame(protocol.ErrorKindInternal, "stream error")
				c.setClose(websocket.CloseInternalServerErr, "stream error")
			}
			return
		}

		data, err := json.Marshal(msg)
		if err != nil {
			log.Error().Err(err).Str("clientID", c.clientID).Msg("marshal downstream message")
			continue
		}

		select {
		case c.send <- data:
		case <-c.sub.Done():
			// The connection died while we were blocked; remaining
			// messages are moot.
			return
		}
	}
}

// sendErrorFrame queues an ["error", ...] message. The subscription is
// already done here, so waiting on Done would drop the frame; a bounded
// wait covers the case where writePump died and send backed up.
func (c *wsConn) sendErrorFrame(kind, message string) {
	data, err := json.Marshal(protocol.ErrorMessage(kind, message))
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-time.After(writeWait):
	}
}

// writePump pumps frames to the websocket connection and keeps the
// connection alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// recvLoop ended the stream; say goodbye properly.
				c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame())
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("clientID", c.clientID).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
