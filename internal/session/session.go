// Package session is the agent console's call surface: mute, camera and
// hang-up over whatever media client carries the call.
package session

import (
	"context"
	"sync"

	"github.com/zulandar/switchboard/internal/hub"
	"github.com/zulandar/switchboard/internal/media"
)

// ConnState is the media connection state.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// MediaClient is the media connection a Session delegates to. Track state
// reported by TrackEnabled must be the state the media server holds, not a
// local guess.
type MediaClient interface {
	SetTrackEnabled(ctx context.Context, kind media.TrackKind, enabled bool) error
	TrackEnabled(kind media.TrackKind) bool
	State() ConnState
	Events() <-chan hub.Event
	Disconnect() error
}

// Session wraps a MediaClient for one call.
type Session struct {
	client  MediaClient
	endOnce sync.Once
}

// New returns a Session over client.
func New(client MediaClient) *Session {
	return &Session{client: client}
}

// ToggleMute flips the microphone and returns whether it is now muted.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	on := s.client.TrackEnabled(media.TrackAudio)
	if err := s.client.SetTrackEnabled(ctx, media.TrackAudio, !on); err != nil {
		return s.Muted(), err
	}
	return s.Muted(), nil
}

// ToggleCamera flips the camera and returns whether it is now on.
func (s *Session) ToggleCamera(ctx context.Context) (bool, error) {
	on := s.client.TrackEnabled(media.TrackVideo)
	if err := s.client.SetTrackEnabled(ctx, media.TrackVideo, !on); err != nil {
		return s.CameraOn(), err
	}
	return s.CameraOn(), nil
}

// Muted reports whether the microphone track is disabled.
func (s *Session) Muted() bool { return !s.client.TrackEnabled(media.TrackAudio) }

// CameraOn reports whether the camera track is enabled.
func (s *Session) CameraOn() bool { return s.client.TrackEnabled(media.TrackVideo) }

// State returns the connection state.
func (s *Session) State() ConnState { return s.client.State() }

// Events streams participant and transfer updates for the call.
func (s *Session) Events() <-chan hub.Event { return s.client.Events() }

// End hangs up. Only the first call disconnects; later calls return nil.
func (s *Session) End() error {
	var err error
	s.endOnce.Do(func() { err = s.client.Disconnect() })
	return err
}
