package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vctt94/fairvault/pkg/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
)

// Authenticator establishes the identity of a connecting player.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
}

// WSHandler serves the session protocol over websocket connections.
type WSHandler struct {
	server   *Server
	auth     Authenticator
	upgrader websocket.Upgrader
}

// NewWSHandler returns an http.Handler for session connections. checkOrigin
// may be nil to accept only same-origin browsers.
func NewWSHandler(s *Server, a Authenticator, checkOrigin func(*http.Request) bool) *WSHandler {
	return &WSHandler{
		server: s,
		auth:   a,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		h.server.log.Debugf("Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, string(CodeAuth), http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.server.log.Warnf("Websocket upgrade failed for %s: %v", id.PlayerID, err)
		return
	}

	c := h.server.hub.register(id.PlayerID)
	h.server.log.Infof("Player %s connected from %s", id.PlayerID, r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	go h.writeLoop(ws, c)
	h.readLoop(ctx, ws, c, id)

	cancel()
	h.server.hub.unregister(id.PlayerID, c)
	h.server.log.Infof("Player %s disconnected", id.PlayerID)
}

// readLoop handles requests one at a time so a player's actions on a
// connection apply in the order sent.
func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, c *conn, id auth.Identity) {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.server.log.Debugf("Read from %s: %v", id.PlayerID, err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		reply := h.server.HandleMessage(ctx, id, data)
		b, err := json.Marshal(reply)
		if err != nil {
			h.server.log.Errorf("Failed to encode reply: %v", err)
			continue
		}
		select {
		case c.send <- b:
		case <-c.done:
			return
		}
	}
}

// writeLoop owns all writes to ws: replies, notifications and keepalive
// pings.
func (h *WSHandler) writeLoop(ws *websocket.Conn, c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case b := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
