// Package opsstream is the /ws/events surface: a live feed of pipeline
// transitions for operators watching a repo work through the queue,
// broadcast to every connected client as they happen.
package opsstream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bemcculley/auto-merge/queue"
)

const maxConnections = 200

// TransitionEvent is one line of the operator feed.
type TransitionEvent struct {
	Event          string    `json:"event"`
	InstallationID int64     `json:"installation_id"`
	Owner          string    `json:"owner"`
	Repo           string    `json:"repo"`
	PRNumber       int       `json:"pr_number"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Hub implements scheduler.EventPublisher, broadcasting every transition
// to all connected WebSocket clients. Single broadcaster loop,
// event-driven rather than ticker-driven: a scheduler transition is
// forwarded the moment it happens instead of waiting for a poll.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan TransitionEvent
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan TransitionEvent, 256),
	}
}

// Run drives the hub's main loop until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("opsstream: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev TransitionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("opsstream: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements scheduler.EventPublisher. Never blocks the caller: a
// full event buffer drops the event rather than stalling a worker loop.
func (h *Hub) Publish(event string, repo queue.RepoKey, item queue.WorkItem, detail string) {
	ev := TransitionEvent{
		Event:          event,
		InstallationID: repo.InstallationID,
		Owner:          repo.Owner,
		Repo:           repo.Repo,
		PRNumber:       item.PRNumber,
		Detail:         detail,
		At:             time.Now(),
	}
	select {
	case h.events <- ev:
	default:
		log.Printf("opsstream: event buffer full, dropping %s for %s/%s#%d", event, repo.Owner, repo.Repo, item.PRNumber)
	}
}

