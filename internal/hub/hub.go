package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

// ErrHubStopped is returned by broadcasts after Run has returned.
var ErrHubStopped = errors.New("hub: stopped")

// Config holds the websocket keepalive settings shared by every client.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultConfig returns 30s pings, 60s pong wait and 10s write wait.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

type Hub struct {
	clients    map[string]*Client            // clientID -> client
	rooms      map[string]map[string]*Client // "namespace:conversationID" -> clientID -> client
	unregister chan *Client
	broadcast  chan *RoomMessage
	done       chan struct{}
	mu         sync.RWMutex
	config     Config
}

// RoomMessage is one encoded frame for every member of a room.
type RoomMessage struct {
	Namespace      string
	ConversationID string
	Message        []byte
	Exclude        string // Client ID to exclude
}

func NewHub(cfg Config) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *RoomMessage, 256),
		done:       make(chan struct{}),
		config:     cfg,
	}
}

func roomKey(namespace, conversationID string) string {
	return fmt.Sprintf("%s:%s", namespace, conversationID)
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for key, members := range h.rooms {
					delete(members, client.ID)
					if len(members) == 0 {
						delete(h.rooms, key)
					}
				}
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			key := roomKey(msg.Namespace, msg.ConversationID)
			h.mu.RLock()
			if members, ok := h.rooms[key]; ok {
				for clientID, client := range members {
					if clientID == msg.Exclude {
						continue
					}
					select {
					case client.Send <- msg.Message:
					default:
						go h.removeClient(client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		close(client.Send)
		delete(h.clients, id)
	}
	h.rooms = make(map[string]map[string]*Client)
}

// Register adds client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[client.ID] = client
	l := log.L()
	l.Debug().Str(log.FieldClientID, client.ID).Str(log.FieldNamespace, client.Namespace).Msg("client registered")
	return true
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// JoinRoom adds client to a conversation of its namespace. Unregistered
// clients are ignored.
func (h *Hub) JoinRoom(client *Client, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return false
	}

	key := roomKey(client.Namespace, conversationID)
	if _, ok := h.rooms[key]; !ok {
		h.rooms[key] = make(map[string]*Client)
	}
	h.rooms[key][client.ID] = client
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldUserID, client.Identity.UserID).Str("room", key).Msg("client joined room")
	return true
}

// LeaveRoom removes client from a conversation of its namespace.
func (h *Hub) LeaveRoom(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := roomKey(client.Namespace, conversationID)
	if members, ok := h.rooms[key]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldConversationID, conversationID).Msg("client left room")
}

// InRoom reports whether client has joined conversationID.
func (h *Hub) InRoom(client *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomKey(client.Namespace, conversationID)][client.ID]
	return ok
}

// BroadcastToRoom encodes a frame and queues it for every room member
// except the client with id exclude.
func (h *Hub) BroadcastToRoom(namespace, conversationID, event string, payload interface{}, exclude string) error {
	data, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- &RoomMessage{
		Namespace:      namespace,
		ConversationID: conversationID,
		Message:        data,
		Exclude:        exclude,
	}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) RoomClientCount(namespace, conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey(namespace, conversationID)])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// send queues data for one client. A full buffer drops the client.
func (h *Hub) send(client *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		go h.removeClient(client)
		return false
	}
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	f, err := domain.NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return f.Marshal()
}
