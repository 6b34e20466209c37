package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/claimbridge/backend/internal/events"
)

// streamWriteTimeout bounds each client write; a client that cannot
// keep up within it is dropped rather than backpressuring the hub.
const streamWriteTimeout = 5 * time.Second

// Stream relays the local event bus to WebSocket clients. The stream
// is read-only: inbound frames are drained solely to detect closes.
type Stream struct {
	bus        *events.Bus
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	upgrader   websocket.Upgrader
	logger     *log.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewStream subscribes to the bus and starts the hub loop.
func NewStream(bus *events.Bus) *Stream {
	s := &Stream{
		bus:        bus,
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
		stopCh: make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop closes every client connection and halts the hub.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Stream) run() {
	feed := s.bus.Subscribe()
	defer s.bus.Unsubscribe(feed)

	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.clients[conn] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("📡 Stream client connected (total: %d)", total)

		case conn := <-s.unregister:
			s.drop(conn)

		case ev := <-feed:
			s.broadcast(ev)

		case <-s.stopCh:
			s.mu.Lock()
			for conn := range s.clients {
				conn.Close()
				delete(s.clients, conn)
			}
			s.mu.Unlock()
			s.logger.Println("Stream hub stopped")
			return
		}
	}
}

func (s *Stream) broadcast(ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Printf("📡 Dropping slow stream client: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Stream) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
		s.logger.Printf("📡 Stream client disconnected (total: %d)", len(s.clients))
	}
}

// HandleWebSocket upgrades the request and registers the client.
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	select {
	case s.register <- conn:
	case <-s.stopCh:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.unregister <- conn:
			case <-s.stopCh:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
