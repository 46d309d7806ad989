package dashboard

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is an internal ops surface behind the operator's own
	// network boundary.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the broadcaster over a /ws WebSocket endpoint.
type Server struct {
	addr        string
	broadcaster *Broadcaster
	logger      *log.Logger
	httpServer  *http.Server
	nextID      int
}

// NewServer creates the dashboard WebSocket server.
func NewServer(addr string, broadcaster *Broadcaster, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Server{addr: addr, broadcaster: broadcaster, logger: logger}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		s.logger.Printf("dashboard: listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard: server error: %v", err)
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Printf("dashboard: shutdown: %v", err)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("dashboard: upgrade: %v", err)
		return
	}

	s.nextID++
	client := &Client{
		ID:   fmt.Sprintf("client-%d", s.nextID),
		Send: make(chan Event, 64),
	}
	s.broadcaster.Register(client)

	go s.writeLoop(conn, client)
	go s.readLoop(conn, client)
}

// writeLoop pushes broadcast events to the client until its channel
// closes.
func (s *Server) writeLoop(conn *websocket.Conn, client *Client) {
	defer conn.Close()
	for event := range client.Send {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			s.broadcaster.Unregister(client)
			return
		}
	}
}

// readLoop discards client frames and unregisters on disconnect.
func (s *Server) readLoop(conn *websocket.Conn, client *Client) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.broadcaster.Unregister(client)
			return
		}
	}
}
