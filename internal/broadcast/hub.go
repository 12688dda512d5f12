package broadcast

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type hubClient struct {
	id   string
	conn *websocket.Conn
}

// Hub maintains the set of connected observers and fans frames out to them.
// A slow observer that falls behind is dropped rather than allowed to stall
// the feed.
type Hub struct {
	logger *zap.Logger

	clients    map[string]*hubClient
	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}

	// Greeter builds the frames sent to a freshly connected observer,
	// typically the current state snapshot.
	Greeter func() []model.WireMessage
}

// NewHub creates a hub. Run must be called before ServeWS.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("hub"),
		clients:    make(map[string]*hubClient),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for _, c := range h.clients {
				c.conn.Close()
			}
			h.clients = map[string]*hubClient{}
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.logger.Info("Observer connected",
				zap.String("observer_id", c.id),
				zap.String("remote_addr", c.conn.RemoteAddr().String()))
			h.greet(c)
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.conn.Close()
				h.logger.Info("Observer disconnected", zap.String("observer_id", c.id))
			}
		case frame := <-h.broadcast:
			for id, c := range h.clients {
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					h.logger.Warn("Dropping slow observer",
						zap.String("observer_id", id),
						zap.Error(err))
					delete(h.clients, id)
					c.conn.Close()
				}
			}
		}
	}
}

// Close disconnects all observers and stops Run.
func (h *Hub) Close() {
	close(h.done)
}

func (h *Hub) greet(c *hubClient) {
	if h.Greeter == nil {
		return
	}
	for _, msg := range h.Greeter() {
		frame, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

// State fans a state frame out to all observers.
func (h *Hub) State(s model.StateSnapshot) {
	h.send(model.WireMessage{Type: "state", Data: s})
}

// Log fans a log frame out to all observers.
func (h *Hub) Log(ev model.LogEvent) {
	h.send(model.WireMessage{Type: "log", Channel: ev.Channel, Text: ev.Text})
}

func (h *Hub) send(msg model.WireMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		// Feed overrun. Observers get the next state push anyway.
	}
}

// ServeWS upgrades an HTTP request to a websocket observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	c := &hubClient{id: uuid.NewString(), conn: conn}
	h.register <- c

	// Read pump, only to notice the close.
	go func() {
		defer func() { h.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
