package media

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process RoomService. Membership comes from the shared
// Presence registry.
type Local struct {
	mu       sync.Mutex
	rooms    map[string]bool
	presence *Presence
}

// NewLocal returns a Local service backed by presence.
func NewLocal(presence *Presence) *Local {
	if presence == nil {
		presence = NewPresence()
	}
	return &Local{rooms: make(map[string]bool), presence: presence}
}

// CreateRoom implements RoomService. Creating an existing room is a no-op.
func (l *Local) CreateRoom(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[name] = true
	return nil
}

// DeleteRoom implements RoomService, disconnecting everyone in the room.
func (l *Local) DeleteRoom(_ context.Context, name string) error {
	l.mu.Lock()
	exists := l.rooms[name]
	delete(l.rooms, name)
	l.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	for _, part := range l.presence.Participants(name) {
		l.presence.Apply(Event{Kind: ParticipantLeft, Room: name, Identity: part.Identity})
	}
	l.presence.Apply(Event{Kind: RoomFinished, Room: name})
	return nil
}

// RemoveParticipant implements RoomService.
func (l *Local) RemoveParticipant(_ context.Context, room, identity string) error {
	if _, ok := l.presence.Participant(room, identity); !ok {
		return fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, identity, room)
	}
	l.presence.Apply(Event{Kind: ParticipantLeft, Room: room, Identity: identity})
	return nil
}

// ListParticipants implements RoomService.
func (l *Local) ListParticipants(_ context.Context, room string) ([]Participant, error) {
	return l.presence.Participants(room), nil
}

// HasRoom reports whether name was created and not yet deleted.
func (l *Local) HasRoom(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rooms[name]
}
