package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/neon-arena/leaderboard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message types
const (
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeContractEvent     = "contract_event"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypeSubscribed        = "subscribed"
	MessageTypeUnsubscribed      = "unsubscribed"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string       `json:"type"`
	Board     domain.Board `json:"board,omitempty"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	// version orders board messages
	version uint64
}

// LeaderboardUpdate contains a board snapshot for broadcast
type LeaderboardUpdate struct {
	Board        domain.Board         `json:"board"`
	Version      uint64               `json:"version"`
	Entries      []domain.RankedEntry `json:"entries"`
	TotalPlayers int                  `json:"total_players"`
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Subscribed clients by board
	clients map[domain.Board]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Last encoded update per board, replayed to new subscribers
	latest        map[domain.Board][]byte
	latestVersion map[domain.Board]uint64

	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	board  domain.Board
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:       make(map[domain.Board]map[*Client]bool),
		allClients:    make(map[*Client]bool),
		latest:        make(map[domain.Board][]byte),
		latestVersion: make(map[domain.Board]uint64),
		unregister:    make(chan *Client),
		broadcast:     make(chan *Message, 256),
		subscribe:     make(chan *subscriptionRequest, 64),
		unsubscribe:   make(chan *subscriptionRequest, 64),
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all board subscriptions
				for board, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, board)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.clients[req.board]; !ok {
					h.clients[req.board] = make(map[*Client]bool)
				}
				h.clients[req.board][req.client] = true
				if data, ok := h.latest[req.board]; ok {
					req.client.trySend(data)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "board", req.board)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.board]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.board)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "board", req.board)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a board message to its subscribers and anything
// else to every client. Board messages older than the latest one are dropped.
func (h *Hub) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.allClients
	if message.Board != "" {
		if _, seen := h.latest[message.Board]; seen && message.version < h.latestVersion[message.Board] {
			h.logger.Debug("dropping stale board update",
				"board", message.Board,
				"version", message.version,
				"latest_version", h.latestVersion[message.Board],
			)
			return
		}
		h.latest[message.Board] = data
		h.latestVersion[message.Board] = message.version
		targets = h.clients[message.Board]
	}
	for client := range targets {
		if !client.trySend(data) {
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// BroadcastLeaderboardUpdate sends a board snapshot read at the given contract
// version to its subscribers
func (h *Hub) BroadcastLeaderboardUpdate(board domain.Board, version uint64, entries []domain.RankedEntry, totalPlayers int) {
	h.enqueue(&Message{
		Type:  MessageTypeLeaderboardUpdate,
		Board: board,
		Data: LeaderboardUpdate{
			Board:        board,
			Version:      version,
			Entries:      entries,
			TotalPlayers: totalPlayers,
		},
		Timestamp: time.Now(),
		version:   version,
	})
}

// BroadcastEvents sends each contract event to every client
func (h *Hub) BroadcastEvents(events []domain.Event) {
	for _, e := range events {
		h.enqueue(&Message{
			Type:      MessageTypeContractEvent,
			Data:      e,
			Timestamp: e.Timestamp,
		})
	}
}

// Register adds a client to the hub. It takes effect before returning so
// replies to the client's first message are never dropped.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.allClients[client] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", "client_id", client.id)
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a board subscription
func (h *Hub) Subscribe(client *Client, board domain.Board) {
	h.subscribe <- &subscriptionRequest{client: client, board: board}
}

// Unsubscribe removes a client from a board subscription
func (h *Hub) Unsubscribe(client *Client, board domain.Board) {
	h.unsubscribe <- &subscriptionRequest{client: client, board: board}
}

// GetSubscriberCount returns the number of subscribers for a board
func (h *Hub) GetSubscriberCount(board domain.Board) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[board])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// Stats reports connection and subscription counts
func (h *Hub) Stats() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := map[string]int{"total_connections": len(h.allClients)}
	for _, board := range domain.Boards {
		stats[string(board)+"_subscribers"] = len(h.clients[board])
	}
	return stats
}
