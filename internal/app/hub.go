package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabsync/internal/protocol"
	"collabsync/internal/rbac"
	"collabsync/internal/session"
	"collabsync/internal/util"
	"collabsync/internal/versions"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 << 20
	roomOpTimeout  = 5 * time.Second
	defaultBuffer  = 256
	defaultTimeout = 10 * time.Second
)

// relayAuthorizer admits a token to a document's room.
type relayAuthorizer interface {
	AuthorizeRelay(ctx context.Context, token, documentID string) (Session, error)
}

// AuthorizeRelay admits any reader of an existing document.
func (s *Service) AuthorizeRelay(ctx context.Context, token, documentID string) (Session, error) {
	session, err := s.SessionFromToken(token)
	if err != nil {
		return Session{}, err
	}
	if err := s.require(session, rbac.ActionRead); err != nil {
		return Session{}, err
	}
	exists, err := s.store.DocumentExists(ctx, documentID)
	if err != nil {
		return Session{}, err
	}
	if !exists {
		return Session{}, versions.ErrDocumentNotFound
	}
	return session, nil
}

type HubConfig struct {
	WriteTimeout time.Duration
	SendBuffer   int
}

// Hub relays live frames between the connections of each document room.
// Frames are fanned out under the room lock, so every connection sees the
// room's frames in the same order. Content updates are echoed to their
// sender too; cursor moves go to the others only. Identity fields are
// stamped from the verified token, and content from readers is dropped.
type Hub struct {
	auth       relayAuthorizer
	rooms      session.RoomStore
	instanceID string
	cfg        HubConfig
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	local map[string]*room
}

type room struct {
	documentID string
	sub        *session.Subscription

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id     string
	conn   *websocket.Conn
	editor protocol.Editor
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	// canWrite gates content frames; readers only see them.
	canWrite bool

	// joined is only touched by the connection's read goroutine.
	joined bool
}

func NewHub(auth relayAuthorizer, rooms session.RoomStore, cfg HubConfig) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultBuffer
	}
	return &Hub{
		auth:       auth,
		rooms:      rooms,
		instanceID: util.NewID("hub"),
		cfg:        cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		local: make(map[string]*room),
	}
}

// ServeWS upgrades GET /ws/document/{id}?token= and runs the connection
// until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = bearerToken(r)
	}
	sess, err := h.auth.AuthorizeRelay(r.Context(), token, documentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade %s: %v", documentID, err)
		return
	}

	c := &client{
		id:     util.NewID("conn"),
		conn:   conn,
		editor: protocol.Editor{EditorID: sess.UserID, DisplayName: sess.UserName},
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),

		canWrite: rbac.Can(rbac.Normalize(sess.Role), rbac.ActionWrite),
	}
	rm, err := h.attach(documentID, c)
	if err != nil {
		log.Printf("relay: attach %s: %v", documentID, err)
		_ = conn.Close()
		return
	}
	log.Printf("relay: %s connected to %s as %s", c.id, documentID, c.editor.EditorID)

	go h.writePump(c)
	h.join(rm, c)
	h.readPump(rm, c)
	h.disconnect(rm, c)
}

// Ping checks the room store the hub fans out through.
func (h *Hub) Ping(ctx context.Context) error {
	return h.rooms.Ping(ctx)
}

// Close drops every connection and room subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*room, 0, len(h.local))
	for _, rm := range h.local {
		rooms = append(rooms, rm)
	}
	h.mu.Unlock()
	for _, rm := range rooms {
		rm.mu.Lock()
		for c := range rm.clients {
			c.kill()
		}
		rm.mu.Unlock()
	}
}

func (h *Hub) attach(documentID string, c *client) (*room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.local[documentID]
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), roomOpTimeout)
		defer cancel()
		sub, err := h.rooms.Subscribe(ctx, documentID)
		if err != nil {
			return nil, err
		}
		rm = &room{documentID: documentID, sub: sub, clients: make(map[*client]struct{})}
		h.local[documentID] = rm
		go h.forwardRemote(rm)
	}
	rm.mu.Lock()
	rm.clients[c] = struct{}{}
	rm.mu.Unlock()
	return rm, nil
}

func (h *Hub) detach(rm *room, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm.mu.Lock()
	delete(rm.clients, c)
	empty := len(rm.clients) == 0
	rm.mu.Unlock()
	if empty && h.local[rm.documentID] == rm {
		delete(h.local, rm.documentID)
		rm.sub.Close()
	}
}

// forwardRemote delivers events published by other instances to the local
// connections of the room.
func (h *Hub) forwardRemote(rm *room) {
	for event := range rm.sub.C {
		if event.Origin == h.instanceID {
			continue
		}
		h.deliver(rm, event.Message, nil)
	}
}

func (h *Hub) join(rm *room, c *client) {
	ctx, cancel := context.WithTimeout(context.Background(), roomOpTimeout)
	defer cancel()
	if _, err := h.rooms.Join(ctx, rm.documentID, c.editor); err != nil {
		log.Printf("relay: join %s: %v", rm.documentID, err)
		return
	}
	c.joined = true
	h.broadcastPresence(ctx, rm)
	h.broadcast(ctx, rm, protocol.Join(rm.documentID, c.editor), nil)
}

func (h *Hub) leave(rm *room, c *client) {
	if !c.joined {
		return
	}
	c.joined = false
	ctx, cancel := context.WithTimeout(context.Background(), roomOpTimeout)
	defer cancel()
	gone, err := h.rooms.Leave(ctx, rm.documentID, c.editor.EditorID)
	if err != nil {
		log.Printf("relay: leave %s: %v", rm.documentID, err)
		return
	}
	if !gone {
		return
	}
	h.broadcastPresence(ctx, rm)
	h.broadcast(ctx, rm, protocol.Leave(rm.documentID, c.editor.EditorID), nil)
}

func (h *Hub) disconnect(rm *room, c *client) {
	h.leave(rm, c)
	h.detach(rm, c)
	c.kill()
	log.Printf("relay: %s left %s", c.id, rm.documentID)
}

func (h *Hub) broadcastPresence(ctx context.Context, rm *room) {
	editors, err := h.rooms.Editors(ctx, rm.documentID)
	if err != nil {
		log.Printf("relay: list %s: %v", rm.documentID, err)
		return
	}
	h.broadcast(ctx, rm, protocol.OnlineUsers(rm.documentID, editors), nil)
}

// broadcast delivers locally, then publishes for the other instances.
func (h *Hub) broadcast(ctx context.Context, rm *room, msg protocol.Message, except *client) {
	h.deliver(rm, msg, except)
	if err := h.rooms.Publish(ctx, rm.documentID, session.Event{Origin: h.instanceID, Message: msg}); err != nil {
		log.Printf("relay: publish %s on %s: %v", msg.Type, rm.documentID, err)
	}
}

func (h *Hub) deliver(rm *room, msg protocol.Message, except *client) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("relay: encode %s: %v", msg.Type, err)
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for c := range rm.clients {
		if c == except {
			continue
		}
		c.enqueue(payload)
	}
}

func (h *Hub) readPump(rm *room, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("relay: %s read: %v", c.id, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("relay: %s dropping frame: %v", c.id, err)
			continue
		}
		h.handleFrame(rm, c, msg)
	}
}

func (h *Hub) handleFrame(rm *room, c *client, msg protocol.Message) {
	msg.DocumentID = rm.documentID
	msg.EditorID = c.editor.EditorID
	msg.DisplayName = c.editor.DisplayName
	msg.Users = nil

	ctx, cancel := context.WithTimeout(context.Background(), roomOpTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeJoin:
		if !c.joined {
			h.join(rm, c)
			return
		}
		// A repeated join only asks for the current snapshot.
		editors, err := h.rooms.Editors(ctx, rm.documentID)
		if err != nil {
			log.Printf("relay: list %s: %v", rm.documentID, err)
			return
		}
		payload, err := protocol.Encode(protocol.OnlineUsers(rm.documentID, editors))
		if err != nil {
			return
		}
		rm.mu.Lock()
		c.enqueue(payload)
		rm.mu.Unlock()
	case protocol.TypeLeave:
		h.leave(rm, c)
	case protocol.TypeContentUpdate:
		if !c.canWrite {
			log.Printf("relay: %s may not edit %s, dropping content", c.id, rm.documentID)
			return
		}
		h.broadcast(ctx, rm, msg, nil)
	case protocol.TypeCursorPosition:
		h.broadcast(ctx, rm, msg, c)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("relay: %s write: %v", c.id, err)
				c.kill()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				c.kill()
				return
			}
		}
	}
}

// enqueue never blocks; a connection that cannot keep up is dropped.
func (c *client) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("relay: %s too slow, dropping connection", c.id)
		c.kill()
	}
}

func (c *client) kill() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
