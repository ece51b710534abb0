package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Prismer-AI/directmsg"
)

// Hub relays channel events between the sockets joined to a conversation
// room.
type Hub struct {
	store  *Store
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan directmsg.Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

func newHub(store *Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:  store,
		logger: logger.With("component", "hub"),
		rooms:  make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request and serves the socket until
// it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the response.
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		userID: userID,
		conn:   conn,
		send:   make(chan directmsg.Envelope, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	defer h.remove(c)

	h.logger.Debug("socket connected", "user_id", userID)
	go c.writeLoop()
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	for {
		var env directmsg.Envelope
		if err := wsjson.Read(c.ctx, c.conn, &env); err != nil {
			h.logger.Debug("socket closed", "user_id", c.userID, "error", err)
			return
		}
		switch env.Type {
		case directmsg.EventJoinConversation:
			var p directmsg.RoomPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			if _, err := h.store.Conversation(c.ctx, p.ConversationID, c.userID); err != nil {
				h.logger.Info("join rejected", "user_id", c.userID, "conversation_id", p.ConversationID, "error", err)
				continue
			}
			h.join(c, p.ConversationID)
		case directmsg.EventLeaveConversation:
			var p directmsg.RoomPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.leave(c, p.ConversationID)
		case directmsg.EventSendMessage:
			var p directmsg.PushedMessage
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			h.relay(c, p)
		default:
			h.logger.Debug("ignoring event", "type", env.Type)
		}
	}
}

// relay forwards the persisted copy of a sent message to the room, except
// to the sending socket. Messages that were never persisted, or that the
// socket's user did not send, are dropped.
func (h *Hub) relay(from *client, p directmsg.PushedMessage) {
	msg, err := h.store.Message(from.ctx, p.Message.ID)
	if err != nil {
		h.logger.Info("relay dropped", "message_id", p.Message.ID, "error", err)
		return
	}
	if msg.Sender.ID != from.userID || msg.ConversationID != p.ConversationID {
		h.logger.Info("relay dropped, sender mismatch", "message_id", msg.ID, "user_id", from.userID)
		return
	}
	payload, err := json.Marshal(directmsg.PushedMessage{ConversationID: msg.ConversationID, Message: *msg})
	if err != nil {
		return
	}
	h.Broadcast(msg.ConversationID, directmsg.Envelope{Type: directmsg.EventNewMessage, Payload: payload}, from)
}

// Broadcast queues ev for every socket in the room except skip. Full
// queues drop the event.
func (h *Hub) Broadcast(conversationID string, ev directmsg.Envelope, skip *client) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c == skip {
			continue
		}
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("send queue full, dropping event", "user_id", c.userID, "type", ev.Type)
		}
	}
}

// RoomSize returns the number of sockets joined to conversationID.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) join(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*client]struct{})
	}
	h.rooms[conversationID][c] = struct{}{}
}

func (h *Hub) leave(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[conversationID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) remove(c *client) {
	c.cancel()
	h.mu.Lock()
	for id, set := range h.rooms {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, ev)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}
