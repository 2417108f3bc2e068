package socket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/logger"
	"github.com/feriteja/naskah/pkg/metrics"
)

const (
	UpdateType         = "UPDATE"          // Text content replaced
	CellsType          = "CELLS"           // Spreadsheet cells written
	CursorType         = "CURSOR"          // User moved their mouse/cursor
	PresenceUpdateType = "PRESENCE_UPDATE" // A user joined or left
	CommentType        = "COMMENT"         // New comment added
	CommentUpdateType  = "COMMENT_UPDATE"  // Comment resolved/reopened
	CommentDeleteType  = "COMMENT_DELETE"  // Comment deleted
	MetadataType       = "METADATA"        // Document title/info
	MembersType        = "MEMBERS"         // Editor set changed
	ShareType          = "SHARE"           // Public share toggled
	LockStatusType     = "LOCK_STATUS"     // Lock holder changed, or reply to a heartbeat
	HeartbeatType      = "HEARTBEAT"       // Client asks to acquire or renew the lock
	ReleaseType        = "RELEASE"         // Client gives the lock up
)

type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type UserStatus struct {
	UserID   string          `json:"user_id"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
	LastSeen time.Time       `json:"last_seen"`
}

// Sessions is the document side the hub calls into for admission and for the
// lock messages sessions send.
type Sessions interface {
	Authorize(ctx context.Context, docID, userID string) error
	AcquireOrRenewLock(ctx context.Context, docID, userID string) (model.LockState, error)
	ReleaseLock(ctx context.Context, docID, userID string) error
}

type unicast struct {
	client  *Client
	payload []byte
}

type Hub struct {
	Rooms      map[string]map[*Client]bool
	Broadcast  chan WSMessage
	Register   chan *Client
	Unregister chan *Client
	direct     chan unicast
	done       chan struct{}

	// Sessions must be set before ServeWs is used.
	Sessions Sessions

	mu       sync.Mutex
	Presence map[string]map[string]UserStatus // docID -> userID -> status
}

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	DocID  string
	UserID string
	Send   chan []byte

	// revoked is set when the user lost access; their lock is left to expire.
	revoked atomic.Bool
}

func NewHub() *Hub {
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan WSMessage),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		direct:     make(chan unicast),
		done:       make(chan struct{}),
		Presence:   make(map[string]map[string]UserStatus),
	}
}

// Run serves the hub until ctx is cancelled. It never calls into Sessions so
// that session goroutines may block on the hub while talking to the store.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.Register:
			h.mu.Lock()
			if h.Rooms[client.DocID] == nil {
				h.Rooms[client.DocID] = make(map[*Client]bool)
				h.Presence[client.DocID] = make(map[string]UserStatus)
			}
			h.Rooms[client.DocID][client] = true
			h.Presence[client.DocID][client.UserID] = UserStatus{UserID: client.UserID, LastSeen: time.Now()}
			h.mu.Unlock()

			metrics.WebsocketConnections.Inc()
			logger.Sugar.Infof("User %s joined doc %s", client.UserID, client.DocID)
			h.broadcastPresenceUpdate(client.DocID)

		case client := <-h.Unregister:
			if h.removeClient(client) {
				h.broadcastPresenceUpdate(client.DocID)
			}

		case msg := <-h.direct:
			h.mu.Lock()
			_, ok := h.Rooms[msg.client.DocID][msg.client]
			h.mu.Unlock()
			if !ok {
				continue
			}
			select {
			case msg.client.Send <- msg.payload:
			default:
				logger.Sugar.Warnf("Client %s's send buffer is full, dropping reply", msg.client.UserID)
			}

		case msg := <-h.Broadcast:
			payload, err := json.Marshal(msg)
			if err != nil {
				logger.Sugar.Errorf("Error marshalling broadcast message: %v", err)
				continue
			}

			// Relayed edits and cursors are not echoed to the sender's own sessions.
			skipSender := msg.Type == CursorType || msg.Type == UpdateType || msg.Type == CellsType

			h.mu.Lock()
			if msg.Type == CursorType {
				if status, ok := h.Presence[msg.DocID][msg.UserID]; ok {
					status.Cursor = msg.Payload
					status.LastSeen = time.Now()
					h.Presence[msg.DocID][msg.UserID] = status
				}
			}
			clientsToSend := make([]*Client, 0, len(h.Rooms[msg.DocID]))
			for client := range h.Rooms[msg.DocID] {
				if skipSender && client.UserID == msg.UserID {
					continue
				}
				clientsToSend = append(clientsToSend, client)
			}
			h.mu.Unlock()

			for _, client := range clientsToSend {
				select {
				case client.Send <- payload:
				default:
					// The client is lagging; drop it rather than block the hub.
					logger.Sugar.Warnf("Client %s's send buffer is full. Unregistering.", client.UserID)
					if h.removeClient(client) {
						client.Conn.Close()
					}
				}
			}
		}
	}
}

// removeClient drops client from its room and closes its Send channel. It
// reports false when the client was already gone.
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.Rooms[client.DocID]
	if _, ok := room[client]; !ok {
		return false
	}
	delete(room, client)
	close(client.Send)
	metrics.WebsocketConnections.Dec()

	stillHere := false
	for other := range room {
		if other.UserID == client.UserID {
			stillHere = true
			break
		}
	}
	if !stillHere {
		delete(h.Presence[client.DocID], client.UserID)
	}

	if len(room) == 0 {
		delete(h.Rooms, client.DocID)
		delete(h.Presence, client.DocID)
		logger.Sugar.Infof("Closed and cleaned up empty room: %s", client.DocID)
	}
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.Rooms {
		for client := range room {
			client.Conn.Close()
		}
	}
}

// Publish hands a server event to the hub for fan-out. It returns without
// delivering once the hub has stopped.
func (h *Hub) Publish(msg WSMessage) {
	select {
	case h.Broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) reply(client *Client, payload []byte) {
	select {
	case h.direct <- unicast{client: client, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) register(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// RemoveDocument disconnects every client in the document's room. This is
// called when a document is deleted via the API.
func (h *Hub) RemoveDocument(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Closing the connection makes readPump exit and unregister.
	for client := range h.Rooms[docID] {
		client.Conn.Close()
	}
}

// RemoveUser disconnects userID's sessions on a document after their access
// was revoked.
func (h *Hub) RemoveUser(docID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.Rooms[docID] {
		if client.UserID == userID {
			client.revoked.Store(true)
			client.Conn.Close()
		}
	}
}

func (h *Hub) broadcastPresenceUpdate(docID string) {
	var userStatuses []UserStatus
	var clientsToSend []*Client

	h.mu.Lock()
	if _, ok := h.Presence[docID]; ok {
		userStatuses = make([]UserStatus, 0, len(h.Presence[docID]))
		for _, status := range h.Presence[docID] {
			userStatuses = append(userStatuses, status)
		}

		clientsToSend = make([]*Client, 0, len(h.Rooms[docID]))
		for client := range h.Rooms[docID] {
			clientsToSend = append(clientsToSend, client)
		}
	}
	h.mu.Unlock()

	if len(clientsToSend) == 0 {
		return
	}

	payload, err := json.Marshal(userStatuses)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling presence broadcast: %v", err)
		return
	}
	broadcastPayload, _ := json.Marshal(WSMessage{Type: PresenceUpdateType, DocID: docID, Payload: payload})

	for _, client := range clientsToSend {
		select {
		case client.Send <- broadcastPayload:
		default:
			// Don't unregister here, just log. The pumps will handle unresponsive clients.
			logger.Sugar.Warnf("Client %s's send buffer was full during presence update.", client.UserID)
		}
	}
}
