package graphqlws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/tycoworks/tycostream-sub001/internal/hub"
	"github.com/tycoworks/tycostream-sub001/internal/schema"
	"github.com/tycoworks/tycostream-sub001/internal/view"
)

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 25 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
}

// Handler serves GraphQL subscriptions over websockets, mapping each
// subscription operation onto a hub subscription filtered through a
// view.
type Handler struct {
	registry *hub.Registry
	sources  map[string]*schema.SourceDefinition
	schema   *ast.Schema
	logger   *logrus.Logger
	upgrader websocket.Upgrader
}

// NewHandler derives the GraphQL schema from the catalog and returns a
// websocket handler for it.
func NewHandler(registry *hub.Registry, sources map[string]*schema.SourceDefinition, logger *logrus.Logger) (*Handler, error) {
	gqlSchema, err := LoadSchema(sources)
	if err != nil {
		return nil, err
	}
	return &Handler{
		registry: registry,
		sources:  sources,
		schema:   gqlSchema,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
			Subprotocols:    []string{"graphql-transport-ws"},
		},
	}, nil
}

// SDL returns the generated schema text.
func (h *Handler) SDL() string {
	return GenerateSDL(h.sources)
}

// ServeWS upgrades the request and runs the graphql-transport-ws
// session until the client disconnects.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	conn := &wsConn{
		handler: h,
		ws:      ws,
		ops:     make(map[string]*operation),
	}
	go conn.pingLoop()
	conn.readLoop()
}

// wsConn is one websocket session and its live operations.
type wsConn struct {
	handler *Handler
	ws      *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	closed      bool
	ops         map[string]*operation
}

// operation is one running subscription within a session.
type operation struct {
	id   string
	sub  *hub.Subscription
	done chan struct{}
}

func (c *wsConn) readLoop() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.WithError(err).Debug("WebSocket connection error")
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.handler.logger.WithError(err).Warn("Invalid subscription message")
			continue
		}

		switch msg.Type {
		case msgConnectionInit:
			c.mu.Lock()
			c.initialized = true
			c.mu.Unlock()
			c.write(wsMessage{Type: msgConnectionAck})
		case msgPing:
			c.write(wsMessage{Type: msgPong})
		case msgSubscribe:
			c.handleSubscribe(msg)
		case msgComplete:
			c.cancelOperation(msg.ID)
		}
	}
}

func (c *wsConn) handleSubscribe(msg wsMessage) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		c.closeWith(4401, "unauthorized: connection_init not received")
		return
	}
	if _, exists := c.ops[msg.ID]; exists {
		c.mu.Unlock()
		c.closeWith(4409, "subscriber already exists: "+msg.ID)
		return
	}
	c.mu.Unlock()

	var payload subscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.writeError(msg.ID, "invalid subscribe payload")
		return
	}

	req, err := ParseSubscription(c.handler.schema, payload.Query, payload.OperationName, payload.Variables)
	if err != nil {
		c.writeError(msg.ID, err.Error())
		return
	}

	source, ok := c.handler.sources[req.Source]
	if !ok {
		c.writeError(msg.ID, "unknown source "+req.Source)
		return
	}

	filter, err := req.Filter()
	if err != nil {
		c.writeError(msg.ID, err.Error())
		return
	}

	sub, err := c.handler.registry.Subscribe(req.Source, false)
	if err != nil {
		c.writeError(msg.ID, err.Error())
		return
	}

	op := &operation{id: msg.ID, sub: sub, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.ops[msg.ID] = op
	c.mu.Unlock()

	go c.run(op, req, view.New(source.PrimaryKey, filter, c.handler.logger))
}

// run pumps one subscription: hub events through the view, shaped onto
// the wire.
func (c *wsConn) run(op *operation, req *SubscriptionRequest, v *view.View) {
	defer close(op.done)
	defer c.removeOperation(op.id)

	for ev := range op.sub.Events() {
		out, ok := v.Apply(ev)
		if !ok {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"data": map[string]any{req.Alias: req.Shape(out)},
		})
		if err != nil {
			c.handler.logger.WithError(err).Error("Failed to marshal subscription payload")
			continue
		}
		c.write(wsMessage{ID: op.id, Type: msgNext, Payload: payload})
	}

	if err := op.sub.Err(); err != nil && !errors.Is(err, hub.ErrShuttingDown) {
		c.writeError(op.id, err.Error())
		return
	}
	c.write(wsMessage{ID: op.id, Type: msgComplete})
}

func (c *wsConn) cancelOperation(id string) {
	c.mu.Lock()
	op, ok := c.ops[id]
	c.mu.Unlock()
	if ok {
		op.sub.Close()
		<-op.done
	}
}

func (c *wsConn) removeOperation(id string) {
	c.mu.Lock()
	delete(c.ops, id)
	c.mu.Unlock()
}

// teardown cancels every live operation and closes the socket.
func (c *wsConn) teardown() {
	c.mu.Lock()
	c.closed = true
	ops := make([]*operation, 0, len(c.ops))
	for _, op := range c.ops {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	for _, op := range ops {
		op.sub.Close()
		<-op.done
	}
	c.ws.Close()
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *wsConn) write(msg wsMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.handler.logger.WithError(err).Debug("WebSocket write failed")
	}
}

func (c *wsConn) writeError(id, message string) {
	payload, _ := json.Marshal([]map[string]any{{"message": message}})
	c.write(wsMessage{ID: id, Type: msgError, Payload: payload})
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.ws.Close()
}
