package media

import (
	"sort"
	"sync"
	"time"
)

// EventKind names a presence change.
type EventKind string

const (
	ParticipantJoined EventKind = "participant_joined"
	ParticipantLeft   EventKind = "participant_left"
	TrackChanged      EventKind = "track_state"
	RoomFinished      EventKind = "room_finished"
)

// Event is a presence change in a room.
type Event struct {
	Kind     EventKind `json:"kind"`
	Room     string    `json:"room"`
	Identity string    `json:"identity,omitempty"`
	Name     string    `json:"name,omitempty"`
	Track    TrackKind `json:"track,omitempty"`
	Enabled  bool      `json:"enabled,omitempty"`
}

// Presence is the in-memory view of room membership and track state, fed
// by media server webhooks and by the local room service.
type Presence struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Participant
	listeners []func(Event)
}

// NewPresence returns an empty registry.
func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]map[string]*Participant)}
}

// Subscribe registers fn to receive every applied event. fn runs
// synchronously and must not call back into Presence.
func (p *Presence) Subscribe(fn func(Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Apply records e and notifies subscribers. Events that change nothing
// (a leave for an absent identity) are dropped.
func (p *Presence) Apply(e Event) {
	p.mu.Lock()
	changed := p.applyLocked(e)
	listeners := append([]func(Event){}, p.listeners...)
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range listeners {
		fn(e)
	}
}

func (p *Presence) applyLocked(e Event) bool {
	switch e.Kind {
	case ParticipantJoined:
		room := p.rooms[e.Room]
		if room == nil {
			room = make(map[string]*Participant)
			p.rooms[e.Room] = room
		}
		if _, ok := room[e.Identity]; ok {
			return false
		}
		room[e.Identity] = &Participant{
			Identity:     e.Identity,
			Name:         e.Name,
			JoinedAt:     time.Now(),
			AudioEnabled: true,
			VideoEnabled: true,
		}
		return true
	case ParticipantLeft:
		room := p.rooms[e.Room]
		if _, ok := room[e.Identity]; !ok {
			return false
		}
		delete(room, e.Identity)
		return true
	case TrackChanged:
		part, ok := p.rooms[e.Room][e.Identity]
		if !ok {
			return false
		}
		if e.Track == TrackVideo {
			part.VideoEnabled = e.Enabled
		} else {
			part.AudioEnabled = e.Enabled
		}
		return true
	case RoomFinished:
		if _, ok := p.rooms[e.Room]; !ok {
			return false
		}
		delete(p.rooms, e.Room)
		return true
	}
	return false
}

// Participants returns the identities in room sorted by join time.
func (p *Presence) Participants(room string) []Participant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Participant, 0, len(p.rooms[room]))
	for _, part := range p.rooms[room] {
		out = append(out, *part)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Participant returns one participant's state.
func (p *Presence) Participant(room, identity string) (Participant, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	part, ok := p.rooms[room][identity]
	if !ok {
		return Participant{}, false
	}
	return *part, true
}

// Rooms returns the rooms identity is currently in.
func (p *Presence) Rooms(identity string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for name, room := range p.rooms {
		if _, ok := room[identity]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SetTrack records a client-reported track change and returns the
// resulting participant state.
func (p *Presence) SetTrack(room, identity string, kind TrackKind, enabled bool) (Participant, bool) {
	p.Apply(Event{Kind: TrackChanged, Room: room, Identity: identity, Track: kind, Enabled: enabled})
	return p.Participant(room, identity)
}
