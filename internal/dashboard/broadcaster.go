// Package dashboard publishes engine lifecycle events (resets, risk
// rejections, exhausted correlations, exit emissions) to connected
// WebSocket clients for operational visibility. If no client is connected
// broadcasts are dropped non-blockingly; nothing on the trading path ever
// waits on a dashboard consumer.
package dashboard

import (
	"log"
	"sync"
)

// Client represents one connected WebSocket consumer.
type Client struct {
	ID   string
	Send chan Event
}

// Broadcaster manages client connections and fans events out to them.
type Broadcaster struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *log.Logger
	shutdown   chan struct{}
	once       sync.Once
}

// NewBroadcaster creates a new Broadcaster instance.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	return &Broadcaster{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
}

// Register adds a client to the fan-out set.
func (b *Broadcaster) Register(client *Client) {
	select {
	case b.register <- client:
	case <-b.shutdown:
	}
}

// Unregister removes a client from the fan-out set.
func (b *Broadcaster) Unregister(client *Client) {
	select {
	case b.unregister <- client:
	case <-b.shutdown:
	}
}

// Broadcast queues an event for every connected client. Never blocks the
// caller: if the queue is full the event is dropped.
func (b *Broadcaster) Broadcast(event Event) {
	select {
	case b.broadcast <- event:
	default:
	}
}

// Run drives the broadcaster loop until Shutdown is called. Should be
// started in its own goroutine.
func (b *Broadcaster) Run() {
	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Printf("broadcaster: client %s registered (total: %d)", client.ID, total)

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.Send)
			}
			total := len(b.clients)
			b.mu.Unlock()
			b.logger.Printf("broadcaster: client %s unregistered (total: %d)", client.ID, total)

		case event := <-b.broadcast:
			b.mu.RLock()
			clients := make([]*Client, 0, len(b.clients))
			for client := range b.clients {
				clients = append(clients, client)
			}
			b.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.Send <- event:
				default:
					// A slow client never stalls the broadcaster.
					b.logger.Printf("broadcaster: client %s send queue full, skipping", client.ID)
				}
			}

		case <-b.shutdown:
			b.logger.Println("broadcaster: shutting down")
			return
		}
	}
}

// Shutdown stops the loop and closes all client channels. Safe to call
// multiple times.
func (b *Broadcaster) Shutdown() {
	b.once.Do(func() {
		close(b.shutdown)
		b.mu.Lock()
		defer b.mu.Unlock()
		for client := range b.clients {
			close(client.Send)
		}
		b.clients = make(map[*Client]bool)
	})
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
