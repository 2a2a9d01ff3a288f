// Package media manages rooms on the real-time media server and tracks
// who is present in them.
package media

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/zulandar/switchboard/internal/config"
)

var (
	// ErrRoomNotFound is returned when the media server has no such room.
	ErrRoomNotFound = errors.New("media: room not found")
	// ErrParticipantNotFound is returned when the identity is not in the room.
	ErrParticipantNotFound = errors.New("media: participant not found")
)

// TrackKind is a published track type.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Participant is one identity connected to a room.
type Participant struct {
	Identity     string    `json:"identity"`
	Name         string    `json:"name,omitempty"`
	JoinedAt     time.Time `json:"joined_at"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
}

// TrackEnabled reports the state of the given track.
func (p Participant) TrackEnabled(kind TrackKind) bool {
	if kind == TrackVideo {
		return p.VideoEnabled
	}
	return p.AudioEnabled
}

// RoomService creates and tears down rooms and evicts participants.
type RoomService interface {
	CreateRoom(ctx context.Context, name string) error
	DeleteRoom(ctx context.Context, name string) error
	RemoveParticipant(ctx context.Context, room, identity string) error
	ListParticipants(ctx context.Context, room string) ([]Participant, error)
}

// AdminTokener mints server credentials for room management calls.
type AdminTokener interface {
	AdminToken(room string) (string, error)
}

// NewRoomService returns the LiveKit-backed service when a media server URL
// is configured, and the in-process Local service otherwise.
func NewRoomService(c config.LiveKitConfig, tokens AdminTokener, presence *Presence) RoomService {
	if c.URL == "" {
		log.Printf("media: no livekit url configured, using local room service")
		return NewLocal(presence)
	}
	return NewLiveKit(c.URL, tokens)
}
