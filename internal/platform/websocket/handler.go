package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	maxMessageSize = 4096
	closeWait      = time.Second
)

// SessionWatch calls signedOut once the session carried by ctx ends. The
// returned func stops watching.
type SessionWatch func(ctx context.Context, signedOut func()) (stop func())

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Handler struct {
	hub      *Hub
	watch    SessionWatch
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from the given origins. An empty list or "*"
// accepts any origin. watch may be nil.
func NewHandler(hub *Hub, origins []string, watch SessionWatch) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub:   hub,
		watch: watch,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the request and serves the connection until the
// peer goes away or the session signs out.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	client := NewClient(ctx, uuid.New().String())
	conn := &gorillaConnAdapter{ws}
	h.hub.Register(client)

	if h.watch != nil {
		stop := h.watch(ctx, func() {
			zerolog.Ctx(ctx).Info().Str("client_id", client.ID).Msg("websocket: session ended, closing")
			conn.closeWith(gorillawebsocket.ClosePolicyViolation, "signed out")
		})
		defer stop()
	}

	go writePump(client, conn)
	h.readPump(client, conn)
	return nil
}

// readPump processes inbound messages until the connection fails. It is the
// only caller of ProcessMessage and Unregister for client.
func (h *Handler) readPump(client *Client, conn Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.hub.send(client, Frame{Type: FrameError, Message: "malformed message"})
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

// writePump forwards queued frames. After a write failure it closes the
// connection and keeps draining so senders never block.
func writePump(client *Client, conn Conn) {
	failed := false
	for message := range client.Send {
		if failed {
			continue
		}
		if err := conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			failed = true
			conn.Close()
		}
	}
}

type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}

// closeWith sends a close frame and closes the connection. Safe to call
// concurrently with writes.
func (a *gorillaConnAdapter) closeWith(code int, reason string) {
	msg := gorillawebsocket.FormatCloseMessage(code, reason)
	_ = a.conn.WriteControl(gorillawebsocket.CloseMessage, msg, time.Now().Add(closeWait))
	a.conn.Close()
}
