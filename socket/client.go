package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/feriteja/naskah/internal/document/lock"
	"github.com/feriteja/naskah/internal/document/model"
	"github.com/feriteja/naskah/pkg/apperr"
	"github.com/feriteja/naskah/pkg/logger"
)

const (
	// HeartbeatInterval is how often sessions are expected to renew the lock
	// and how often the server pings.
	HeartbeatInterval = 30 * time.Second

	pongWait       = 2 * HeartbeatInterval
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sessionTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LockReply answers a HEARTBEAT or RELEASE on the sender's own connection.
type LockReply struct {
	Lock   *model.LockState `json:"lock,omitempty"`
	Error  string           `json:"error,omitempty"`
	Holder string           `json:"holder,omitempty"`
}

// ServeWs admits userID to the room of the document named by the docId
// query parameter. Only owners and editors are admitted.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}
	if hub.Sessions == nil {
		http.Error(w, "Realtime sessions unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := hub.Sessions.Authorize(r.Context(), docID, userID); err != nil {
		logger.Sugar.Warnf("Connection rejected for %s on doc %s: %v", userID, docID, err)
		http.Error(w, apperr.StatusOf(err).String(), apperr.HTTPStatus(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return
	}

	client := &Client{
		Hub:    hub,
		Conn:   conn,
		DocID:  docID,
		UserID: userID,
		Send:   make(chan []byte, 256),
	}

	if !hub.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		// Best effort; a crashed or revoked session is recovered by lock expiry instead.
		if !c.revoked.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
			if err := c.Hub.Sessions.ReleaseLock(ctx, c.DocID, c.UserID); err != nil {
				logger.Sugar.Debugf("Release on disconnect for %s on doc %s: %v", c.UserID, c.DocID, err)
			}
			cancel()
		}
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}

		// Set server-authoritative fields to prevent spoofing.
		msg.DocID = c.DocID
		msg.UserID = c.UserID

		switch msg.Type {
		case HeartbeatType:
			c.handleLock(func(ctx context.Context) (*model.LockState, error) {
				state, err := c.Hub.Sessions.AcquireOrRenewLock(ctx, c.DocID, c.UserID)
				return &state, err
			})
		case ReleaseType:
			c.handleLock(func(ctx context.Context) (*model.LockState, error) {
				return &model.LockState{}, c.Hub.Sessions.ReleaseLock(ctx, c.DocID, c.UserID)
			})
		case CursorType:
			c.Hub.Publish(msg)
		default:
			// Content changes go through the REST API so they pass the lock.
			logger.Sugar.Warnf("Ignoring %s message from %s on doc %s", msg.Type, c.UserID, c.DocID)
		}
	}
}

func (c *Client) handleLock(call func(ctx context.Context) (*model.LockState, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
	defer cancel()

	var reply LockReply
	state, err := call(ctx)
	if err != nil {
		reply.Error = apperr.CodeOf(err)
		var held *lock.HeldError
		if errors.As(err, &held) {
			reply.Holder = held.Holder
		}
	} else {
		reply.Lock = state
	}

	payload, _ := json.Marshal(reply)
	msg, _ := json.Marshal(WSMessage{Type: LockStatusType, DocID: c.DocID, UserID: c.UserID, Payload: payload})
	c.Hub.reply(c, msg)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // Connection is dead
			}
		case <-c.Hub.done:
			return
		}
	}
}
