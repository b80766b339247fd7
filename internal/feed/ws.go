package feed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aryan2574/quantis-sub002/internal/event"
	"github.com/aryan2574/quantis-sub002/internal/infra"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	// sendDepth is the per-client backlog; a client that cannot keep up
	// is disconnected rather than allowed to stall the broadcast.
	sendDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server broadcasts position-change events to websocket subscribers.
type Server struct {
	log event.Log

	mu      sync.Mutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates the broadcaster.
func NewServer(log event.Log) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		log:     log,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to position changes and begins broadcasting.
func (s *Server) Start() {
	if s.log != nil {
		s.log.Subscribe(event.TopicPositions, "feed", s.handle)
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
}

func (s *Server) handle(_ context.Context, msg event.Message) error {
	s.Broadcast(msg.Payload)
	return nil
}

// Broadcast sends one payload to every connected client. Clients whose
// send queue is full are dropped.
func (s *Server) Broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("dropping slow feed client", slog.String("remote", c.conn.RemoteAddr().String()))
			close(c.send)
			delete(s.clients, c)
			infra.GlobalMetrics.DecrementFeedClients()
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendDepth)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	infra.GlobalMetrics.IncrementFeedClients()
	slog.Info("feed client connected", slog.String("remote", conn.RemoteAddr().String()))

	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the feed is one-way but the read
// loop is required to process control frames and detect disconnects.
func (s *Server) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	close(c.send)
	delete(s.clients, c)
	infra.GlobalMetrics.DecrementFeedClients()
	slog.Info("feed client disconnected", slog.String("remote", c.conn.RemoteAddr().String()))
}

// ClientCount reports active subscribers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
