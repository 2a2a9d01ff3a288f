// Package hub pushes call and transfer updates to agent consoles over
// websockets, keyed by participant identity.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/token"
)

// Event types sent to clients.
const (
	TypeSnapshot          = "snapshot"
	TypeTransferStatus    = "transfer_status"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeTrackState        = "track_state"
	TypeSessionEnded      = "session_ended"
	TypeError             = "error"
)

// Message types accepted from clients.
const (
	MsgJoin     = "join"
	MsgLeave    = "leave"
	MsgSetTrack = "set_track"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Event is one server to client message.
type Event struct {
	Type         string              `json:"type"`
	CallID       string              `json:"call_id,omitempty"`
	TransferID   string              `json:"transfer_id,omitempty"`
	Room         string              `json:"room,omitempty"`
	Identity     string              `json:"identity,omitempty"`
	Stage        string              `json:"stage,omitempty"`
	Track        media.TrackKind     `json:"track,omitempty"`
	Enabled      bool                `json:"enabled"`
	Participants []media.Participant `json:"participants,omitempty"`
	Detail       map[string]any      `json:"detail,omitempty"`
}

// ClientMessage is one client to server message.
type ClientMessage struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Name    string          `json:"name,omitempty"`
	Token   string          `json:"token,omitempty"`
	Track   media.TrackKind `json:"track,omitempty"`
	Enabled bool            `json:"enabled"`
}

// Verifier checks a room credential before a client may announce a join.
type Verifier interface {
	Verify(ctx context.Context, raw, room string) (*token.Claims, error)
}

type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity string
}

// Hub fans events out to connected clients and keeps its own room
// membership view from presence updates.
type Hub struct {
	presence *media.Presence
	verifier Verifier
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*client]bool
	members map[string]map[string]bool // room -> identities
}

// New returns a Hub subscribed to presence. verifier may be nil, in which
// case joins are accepted without a credential. An empty origins list
// allows any origin.
func New(presence *media.Presence, verifier Verifier, origins []string) *Hub {
	h := &Hub{
		presence: presence,
		verifier: verifier,
		clients:  make(map[string]map[*client]bool),
		members:  make(map[string]map[string]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 {
				return true
			}
			for _, o := range origins {
				if o == origin || o == "*" {
					return true
				}
			}
			return false
		},
	}
	presence.Subscribe(h.onPresence)
	return h
}

// Serve upgrades the request and attaches the connection to identity.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, identity string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade %s: %v", identity, err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), identity: identity}

	h.mu.Lock()
	if h.clients[identity] == nil {
		h.clients[identity] = make(map[*client]bool)
	}
	h.clients[identity][c] = true
	h.mu.Unlock()
	log.Printf("hub: %s connected", identity)

	for _, ev := range h.Snapshot(identity) {
		h.deliver(c, ev)
	}

	go c.writePump()
	go c.readPump()
}

// Snapshot returns the identity's current rooms with their members and
// track state. An identity in no room gets a single empty snapshot.
func (h *Hub) Snapshot(identity string) []Event {
	rooms := h.presence.Rooms(identity)
	if len(rooms) == 0 {
		return []Event{{Type: TypeSnapshot, Identity: identity}}
	}
	out := make([]Event, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, Event{
			Type:         TypeSnapshot,
			Room:         room,
			Identity:     identity,
			Participants: h.presence.Participants(room),
		})
	}
	return out
}

// Send delivers ev to every connection of the given identities.
func (h *Hub) Send(ev Event, identities ...string) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("hub: marshal %s: %v", ev.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		if seen[id] {
			continue
		}
		seen[id] = true
		for c := range h.clients[id] {
			h.enqueueLocked(c, data)
		}
	}
}

// Broadcast delivers ev to every connected client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("hub: marshal %s: %v", ev.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conns := range h.clients {
		for c := range conns {
			h.enqueueLocked(c, data)
		}
	}
}

// Connected returns the number of open connections for identity.
func (h *Hub) Connected(identity string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[identity])
}

// Members returns the identities the hub believes are in room.
func (h *Hub) Members(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.memberList(room)
}

func (h *Hub) deliver(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("hub: marshal %s: %v", ev.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enqueueLocked(c, data)
}

// enqueueLocked drops clients that cannot keep up.
func (h *Hub) enqueueLocked(c *client, data []byte) {
	if !h.clients[c.identity][c] {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("hub: %s send buffer full, dropping connection", c.identity)
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	conns := h.clients[c.identity]
	if !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.identity)
	}
	close(c.send)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	log.Printf("hub: %s disconnected", c.identity)
}

func (h *Hub) addMember(room, identity string) {
	if h.members[room] == nil {
		h.members[room] = make(map[string]bool)
	}
	h.members[room][identity] = true
}

func (h *Hub) memberList(room string) []string {
	out := make([]string, 0, len(h.members[room]))
	for id := range h.members[room] {
		out = append(out, id)
	}
	return out
}

// onPresence runs inside Presence.Apply and must not call back into it.
func (h *Hub) onPresence(e media.Event) {
	h.mu.Lock()
	var (
		notify []string
		ended  []string
	)
	switch e.Kind {
	case media.ParticipantJoined:
		h.addMember(e.Room, e.Identity)
		notify = h.memberList(e.Room)
	case media.ParticipantLeft:
		delete(h.members[e.Room], e.Identity)
		notify = h.memberList(e.Room)
		ended = []string{e.Identity}
	case media.TrackChanged:
		notify = h.memberList(e.Room)
	case media.RoomFinished:
		ended = h.memberList(e.Room)
		delete(h.members, e.Room)
	}
	h.mu.Unlock()

	switch e.Kind {
	case media.ParticipantJoined:
		h.Send(Event{Type: TypeParticipantJoined, Room: e.Room, Identity: e.Identity,
			Detail: map[string]any{"name": e.Name}}, notify...)
	case media.ParticipantLeft:
		h.Send(Event{Type: TypeParticipantLeft, Room: e.Room, Identity: e.Identity}, notify...)
	case media.TrackChanged:
		h.Send(Event{Type: TypeTrackState, Room: e.Room, Identity: e.Identity, Track: e.Track, Enabled: e.Enabled}, notify...)
	}
	for _, id := range ended {
		h.Send(Event{Type: TypeSessionEnded, Room: e.Room, Identity: id}, id)
	}
}

// handle applies one client message on behalf of c.
func (h *Hub) handle(c *client, msg ClientMessage) {
	switch msg.Type {
	case MsgJoin:
		if msg.Room == "" {
			h.deliver(c, errorEvent("join: room is required"))
			return
		}
		name := msg.Name
		if h.verifier != nil {
			claims, err := h.verifier.Verify(context.Background(), msg.Token, msg.Room)
			if err != nil {
				h.deliver(c, errorEvent("join: "+err.Error()))
				return
			}
			if claims.Subject != c.identity {
				h.deliver(c, errorEvent("join: token is for "+claims.Subject))
				return
			}
			if name == "" {
				name = claims.Name
			}
		}
		h.presence.Apply(media.Event{Kind: media.ParticipantJoined, Room: msg.Room, Identity: c.identity, Name: name})
		h.deliver(c, h.roomSnapshot(c.identity, msg.Room))
	case MsgLeave:
		rooms := []string{msg.Room}
		if msg.Room == "" {
			rooms = h.presence.Rooms(c.identity)
		}
		for _, room := range rooms {
			h.presence.Apply(media.Event{Kind: media.ParticipantLeft, Room: room, Identity: c.identity})
		}
	case MsgSetTrack:
		if msg.Track != media.TrackAudio && msg.Track != media.TrackVideo {
			h.deliver(c, errorEvent("set_track: track must be audio or video"))
			return
		}
		rooms := []string{msg.Room}
		if msg.Room == "" {
			rooms = h.presence.Rooms(c.identity)
		}
		applied := false
		for _, room := range rooms {
			if _, ok := h.presence.SetTrack(room, c.identity, msg.Track, msg.Enabled); ok {
				applied = true
			}
		}
		if !applied {
			h.deliver(c, errorEvent("set_track: not in a room"))
		}
	default:
		h.deliver(c, errorEvent("unknown message type "+msg.Type))
	}
}

func (h *Hub) roomSnapshot(identity, room string) Event {
	return Event{Type: TypeSnapshot, Room: room, Identity: identity, Participants: h.presence.Participants(room)}
}

func errorEvent(detail string) Event {
	return Event{Type: TypeError, Detail: map[string]any{"detail": detail}}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.deliver(c, errorEvent("malformed message"))
			continue
		}
		c.hub.handle(c, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
