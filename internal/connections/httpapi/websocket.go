package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/sensor-reporter/internal/connection"
)

const (
	wsSendBufferSize = 64
	wsMaxMessageSize = 4 << 10
	wsWriteWait      = 10 * time.Second
)

// event is one frame sent to websocket clients.
type event struct {
	Type  string `json:"type"`
	State State  `json:"state"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub fans publications out to websocket clients.
type hub struct {
	log connection.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient is one websocket connection. With filter set only those
// destinations are sent.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	filter map[string]bool
}

func newHub(log connection.Logger) *hub {
	return &hub{log: log, clients: make(map[*wsClient]struct{})}
}

func (h *hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove closes c's send channel once.
func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast queues s for every interested client. Slow clients miss frames.
func (h *hub) broadcast(s State) {
	data, err := json.Marshal(event{Type: "state", State: s})
	if err != nil {
		h.log.Error("encoding websocket event", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.filter != nil && !c.filter[s.Destination] {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Debug("websocket client lagging, frame dropped", "client", c.id)
		}
	}
}

// closeAll disconnects every client and refuses new ones.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the request. Repeated dest query parameters
// restrict the stream to those destinations. Current states matching the
// filter are sent first.
func (c *Channel) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	if dests := r.URL.Query()["dest"]; len(dests) > 0 {
		client.filter = make(map[string]bool, len(dests))
		for _, d := range dests {
			client.filter[d] = true
		}
	}

	for _, s := range c.snapshot() {
		if client.filter != nil && !client.filter[s.Destination] {
			continue
		}
		if data, err := json.Marshal(event{Type: "state", State: s}); err == nil {
			select {
			case client.send <- data:
			default:
			}
		}
	}

	if !c.hub.add(client) {
		conn.Close()
		return
	}
	c.log.Debug("websocket client connected", "client", client.id, "clients", c.hub.count())

	go c.writePump(client)
	go c.readPump(client)
}

// readPump discards client frames and detects the connection closing.
func (c *Channel) readPump(client *wsClient) {
	defer func() {
		c.hub.remove(client)
		client.conn.Close()
		c.log.Debug("websocket client disconnected", "client", client.id)
	}()

	wait := 2 * c.pingInterval
	client.conn.SetReadLimit(wsMaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // read error caught below
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read error", "client", client.id, "error", err)
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // read error caught above
	}
}

func (c *Channel) writePump(client *wsClient) {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write error caught below
			if !ok {
				//nolint:errcheck // best-effort close frame
				client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "channel closing"))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck // write error caught below
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
