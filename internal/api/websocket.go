package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/foundry/pkg/messages"
)

// EventSource provides a live event feed, satisfied by internal/events.Bus.
// The returned function cancels the subscription.
type EventSource interface {
	SubscribeEphemeral(eventType string, handler func(*messages.EventMessage)) (func() error, error)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The status surface is same-deployment; token auth already gates the
	// upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// decisionStream fans decision events out to connected websocket clients.
type decisionStream struct {
	source EventSource

	mu      sync.Mutex
	clients map[*websocket.Conn]chan *messages.EventMessage
	cancel  func() error
}

func newDecisionStream(source EventSource) *decisionStream {
	return &decisionStream{
		source:  source,
		clients: make(map[*websocket.Conn]chan *messages.EventMessage),
	}
}

// handleWebSocket upgrades the connection and streams job.decision events
// until the client goes away.
func (d *decisionStream) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[API] Websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan *messages.EventMessage, 64)
	if err := d.register(conn, ch); err != nil {
		log.Printf("[API] Decision stream subscribe failed: %v", err)
		conn.Close()
		return
	}
	defer d.unregister(conn)

	go d.writeLoop(conn, ch)

	// Read loop: clients send nothing we act on, but reads surface close
	// frames and keep pong handling alive.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *decisionStream) register(conn *websocket.Conn, ch chan *messages.EventMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.clients) == 0 {
		cancel, err := d.source.SubscribeEphemeral("job.decision", d.broadcast)
		if err != nil {
			return err
		}
		d.cancel = cancel
	}
	d.clients[conn] = ch
	return nil
}

func (d *decisionStream) unregister(conn *websocket.Conn) {
	d.mu.Lock()
	if ch, ok := d.clients[conn]; ok {
		delete(d.clients, conn)
		close(ch)
	}
	if len(d.clients) == 0 && d.cancel != nil {
		if err := d.cancel(); err != nil {
			log.Printf("[API] Decision stream unsubscribe failed: %v", err)
		}
		d.cancel = nil
	}
	d.mu.Unlock()
	conn.Close()
}

// broadcast delivers one event to every client, dropping it for clients
// whose buffers are full rather than blocking the feed.
func (d *decisionStream) broadcast(event *messages.EventMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func (d *decisionStream) writeLoop(conn *websocket.Conn, ch chan *messages.EventMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
