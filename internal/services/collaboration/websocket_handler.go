package collaboration

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"pagecollab/internal/idgen"
	"pagecollab/internal/middleware"
	"pagecollab/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET TRANSPORT

Each connection gets two goroutines:
- ReadPump:  socket -> Gateway.OnMessage, and Gateway.OnDisconnect on exit
- WritePump: send channel -> socket, plus periodic pings

The gateway only ever calls Send, which queues without blocking. When the
queue is full the client is too slow to keep up, so it is closed; its
ReadPump then reports the disconnect like any other.

Close only signals the WritePump. The WritePump flushes whatever is still
queued (e.g. participant_removed), sends a close frame and then closes the
socket, which in turn ends the ReadPump.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one WebSocket connection. It implements Connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection with a send queue of bufferSize.
func NewClient(id string, conn *websocket.Conn, bufferSize int) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
}

// ID returns the connection id, which is also the participant id.
func (c *Client) ID() string { return c.id }

// Send queues msg without blocking. A full queue closes the client.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("⚠️  Client %s buffer full, closing connection", c.id)
		c.Close()
		return false
	}
}

// Close asks the WritePump to flush and close the socket. Safe to call
// repeatedly.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// ReadPump feeds inbound messages to the gateway until the socket fails.
func (c *Client) ReadPump(ctx context.Context, gw *Gateway) {
	defer func() {
		gw.OnDisconnect(ctx, c)
		c.Close()
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		gw.OnMessage(ctx, c, message)
	}
}

// WritePump drains the send queue to the socket and keeps the peer alive
// with pings. It owns the socket: it is the only place the socket is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// flush writes what is still queued, then a close frame, all within one
// writeWait window.
func (c *Client) flush() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// AdminResolver decides from the upgrade request whether the connecting
// participant is an admin. Clients can never declare admin themselves.
type AdminResolver func(r *http.Request) bool

// TokenAdminResolver grants admin to requests carrying one of tokens, either
// as the admin_token query parameter or as an "Authorization: Bearer" header.
func TokenAdminResolver(tokens []string) AdminResolver {
	return func(r *http.Request) bool {
		got := r.URL.Query().Get("admin_token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if got == "" {
			return false
		}
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(got), []byte(t)) == 1 {
				return true
			}
		}
		return false
	}
}

// WebSocketHandler upgrades document connections and hands them to the gateway
type WebSocketHandler struct {
	gateway        *Gateway
	upgrader       websocket.Upgrader
	sendBufferSize int
	newID          idgen.Generator
	isAdmin        AdminResolver
}

// HandlerOption configures a WebSocketHandler.
type HandlerOption func(*WebSocketHandler)

// WithAdminResolver sets who is granted the admin capability on connect.
// Without it nobody is.
func WithAdminResolver(resolve AdminResolver) HandlerOption {
	return func(h *WebSocketHandler) { h.isAdmin = resolve }
}

// NewWebSocketHandler creates a new WebSocket handler. An empty
// allowedOrigins accepts every origin.
func NewWebSocketHandler(gateway *Gateway, sendBufferSize int, allowedOrigins []string, opts ...HandlerOption) *WebSocketHandler {
	h := &WebSocketHandler{
		gateway:        gateway,
		sendBufferSize: sendBufferSize,
		newID:          idgen.Prefixed("conn_", idgen.Default),
		isAdmin:        func(*http.Request) bool { return false },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleDocumentConnection handles a WebSocket connection for one document.
// The participant descriptor comes from query parameters: name, avatar,
// color and capabilities (comma separated; only read and write are honored).
// Admin comes from the AdminResolver alone.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if documentID == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}
	descriptor := descriptorFromQuery(r)
	if h.isAdmin(r) {
		descriptor.Capabilities = grantAdmin(descriptor.Capabilities)
	}

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.name", descriptor.DisplayName),
	)
	defer span.End()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	client := NewClient(h.newID(), conn, h.sendBufferSize)
	go client.WritePump()

	// The request context ends with the handler; the pumps outlive it.
	connCtx := context.WithoutCancel(ctx)
	if _, err := h.gateway.OnConnect(connCtx, client, documentID, descriptor); err != nil {
		log.Printf("Failed to join document %s: %v", documentID, err)
		middleware.AddSpanError(ctx, err)
		client.Close()
		return
	}

	go client.ReadPump(connCtx, h.gateway)

	log.Printf("✓ WebSocket connection established for document %s (client: %s)", documentID, client.ID())
}

func descriptorFromQuery(r *http.Request) models.ParticipantDescriptor {
	q := r.URL.Query()
	d := models.ParticipantDescriptor{
		DisplayName: q.Get("name"),
		Avatar:      q.Get("avatar"),
		Color:       q.Get("color"),
	}
	if caps := q.Get("capabilities"); caps != "" {
		for _, name := range strings.Split(caps, ",") {
			c := models.Capability(strings.TrimSpace(name))
			if c.Known() && c != models.CapabilityAdmin && !d.Capabilities.Has(c) {
				d.Capabilities = append(d.Capabilities, c)
			}
		}
	}
	return d
}

// grantAdmin adds admin to caps, starting from the defaults when caps is empty.
func grantAdmin(caps models.Capabilities) models.Capabilities {
	if len(caps) == 0 {
		caps = models.DefaultCapabilities()
	}
	if !caps.Has(models.CapabilityAdmin) {
		caps = append(caps, models.CapabilityAdmin)
	}
	return caps
}
