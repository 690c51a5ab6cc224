package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds each outbound frame; maxWriteTimeouts consecutive
	// expiries disconnect the subscriber.
	writeTimeout     = 5 * time.Second
	maxWriteTimeouts = 3

	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 25 * time.Second

	// idleTimeout disconnects clients that send nothing, not even pongs.
	idleTimeout = 60 * time.Second

	// maxInboundBytes caps client control messages. Subscribers talk back
	// only in pings; anything bigger is a protocol violation.
	maxInboundBytes = 4 * 1024
)

var pongPayload = []byte(`{"type":"pong"}`)
var pingPayload = []byte(`{"type":"ping"}`)

// WSHandler upgrades subscriber connections and bridges them to the hub.
type WSHandler struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates the websocket endpoint. allowedOrigins gates the
// upgrade handshake; "*" allows everything.
func NewWSHandler(hub *Hub, allowedOrigins []string, logger *slog.Logger) *WSHandler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return &WSHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header.
				return origin == "" || allowAll || allowed[origin]
			},
		},
	}
}

// ServeHTTP handles GET /v1/alerts/stream. The optional project query
// parameter scopes delivery to one project.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	project := r.URL.Query().Get("project")
	sub := h.hub.Subscribe(project)
	h.logger.Info("broadcast: subscriber connected",
		"remote", conn.RemoteAddr().String(), "project", project)

	pongs := make(chan struct{}, 4)
	done := make(chan struct{})
	go h.writeLoop(conn, sub, pongs, done)

	h.readLoop(conn, pongs)

	close(done)
	sub.Close()
	conn.Close()
	h.logger.Info("broadcast: subscriber disconnected",
		"remote", conn.RemoteAddr().String(), "dropped", sub.Dropped())
}

// readLoop consumes client frames: pings get answered, oversize messages get
// the connection closed, and any read activity resets the idle deadline.
func (h *WSHandler) readLoop(conn *websocket.Conn, pongs chan<- struct{}) {
	conn.SetReadLimit(maxInboundBytes)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too large"),
					time.Now().Add(writeTimeout))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var control struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &control) == nil && control.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// writeLoop is the connection's only writer: queued alerts, pong replies,
// and keepalive pings all funnel through it.
func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *Subscription, pongs <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	timeouts := 0
	write := func(payload []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteMessage(websocket.TextMessage, payload)
		if err == nil {
			timeouts = 0
			return true
		}
		if isTimeout(err) {
			timeouts++
			if timeouts >= maxWriteTimeouts {
				h.logger.Warn("broadcast: subscriber too slow, disconnecting",
					"remote", conn.RemoteAddr().String(), "timeouts", timeouts)
				return false
			}
			return true
		}
		return false
	}

	for {
		select {
		case <-done:
			return
		case payload, ok := <-sub.C():
			if !ok {
				return
			}
			if !write(payload) {
				conn.Close()
				return
			}
		case <-pongs:
			if !write(pongPayload) {
				conn.Close()
				return
			}
		case <-ticker.C:
			if !write(pingPayload) {
				conn.Close()
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
