package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	permitpay "github.com/permitpay/permitpay-go"
)

const (
	// hubBuffer bounds the broadcast queue between the engine and the hub.
	hubBuffer = 256
	// clientBuffer bounds each subscriber's send queue. A subscriber that
	// falls this far behind is disconnected rather than allowed to stall
	// the hub.
	clientBuffer = 32

	writeWait = 10 * time.Second
)

// EventHub fans settlement and configuration events out to WebSocket
// subscribers. It implements permitpay.EventSink, so it plugs straight into
// the engine; Emit never blocks a settlement.
type EventHub struct {
	logger *slog.Logger

	upgrader   websocket.Upgrader
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan permitpay.Event
	done       chan struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan permitpay.Event
}

// NewEventHub creates a hub. Call Run once (usually via go hub.Run())
// before accepting subscribers.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan permitpay.Event, hubBuffer),
		done:       make(chan struct{}),
	}
}

// Emit queues an event for broadcast. If the hub's queue is full the event
// is dropped for the stream; sinks are observability, settlements never wait
// on them.
func (h *EventHub) Emit(event permitpay.Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.logger.Warn("event hub queue full, dropping event", "kind", event.Kind)
	}
}

// Run owns the client set and serializes all hub state changes. It returns
// when Close is called.
func (h *EventHub) Run() {
	clients := make(map[*hubClient]struct{})

	for {
		select {
		case client := <-h.register:
			clients[client] = struct{}{}

		case client := <-h.unregister:
			if _, ok := clients[client]; ok {
				delete(clients, client)
				close(client.send)
			}

		case event := <-h.broadcast:
			for client := range clients {
				select {
				case client.send <- event:
				default:
					// Slow subscriber; cut it loose.
					delete(clients, client)
					close(client.send)
				}
			}

		case <-h.done:
			for client := range clients {
				close(client.send)
			}
			return
		}
	}
}

// Close stops the hub. Connected subscribers are sent a close frame by
// their write pumps draining out.
func (h *EventHub) Close() {
	close(h.done)
}

// ServeHTTP upgrades the connection and subscribes it to the event stream.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan permitpay.Event, clientBuffer)}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *EventHub) writePump(client *hubClient) {
	defer client.conn.Close()

	for event := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteJSON(event); err != nil {
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// readPump discards inbound frames; the stream is one-way. It exists to
// notice the peer closing.
func (h *EventHub) readPump(client *hubClient) {
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			select {
			case h.unregister <- client:
			case <-h.done:
			}
			return
		}
	}
}
