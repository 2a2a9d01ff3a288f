package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchboard/internal/hub"
	"github.com/zulandar/switchboard/internal/media"
)

// fakeMedia is a MediaClient whose server-side track state can diverge
// from what was requested.
type fakeMedia struct {
	mu          sync.Mutex
	tracks      map[media.TrackKind]bool
	refuse      bool
	disconnects int
	events      chan hub.Event
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		tracks: map[media.TrackKind]bool{media.TrackAudio: true, media.TrackVideo: true},
		events: make(chan hub.Event),
	}
}

func (f *fakeMedia) SetTrackEnabled(_ context.Context, kind media.TrackKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return errors.New("track locked by moderator")
	}
	f.tracks[kind] = enabled
	return nil
}

func (f *fakeMedia) TrackEnabled(kind media.TrackKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[kind]
}

func (f *fakeMedia) State() ConnState { return StateConnected }

func (f *fakeMedia) Events() <-chan hub.Event { return f.events }

func (f *fakeMedia) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	if f.disconnects > 1 {
		return errors.New("already disconnected")
	}
	return nil
}

func TestSession_ToggleMuteAndCamera(t *testing.T) {
	f := newFakeMedia()
	s := New(f)
	ctx := context.Background()

	muted, err := s.ToggleMute(ctx)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, s.Muted())

	on, err := s.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, s.CameraOn())

	muted, err = s.ToggleMute(ctx)
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestSession_ReadsStateFromClient(t *testing.T) {
	f := newFakeMedia()
	s := New(f)

	// The media server changes the track behind the session's back.
	f.mu.Lock()
	f.tracks[media.TrackAudio] = false
	f.mu.Unlock()
	assert.True(t, s.Muted())

	f.refuse = true
	muted, err := s.ToggleMute(context.Background())
	assert.Error(t, err)
	assert.True(t, muted, "refused toggle must report the unchanged state")
}

func TestSession_EndIsIdempotent(t *testing.T) {
	f := newFakeMedia()
	s := New(f)

	assert.NoError(t, s.End())
	assert.NoError(t, s.End())
	assert.Equal(t, 1, f.disconnects)
}

// hijackRecorder remembers the raw connection behind each websocket so a
// test can drop it.
type hijackRecorder struct {
	http.ResponseWriter
	onConn func(net.Conn)
}

func (h hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := h.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		h.onConn(conn)
	}
	return conn, rw, err
}

type hubServer struct {
	presence *media.Presence
	hub      *hub.Hub
	srv      *httptest.Server

	mu    sync.Mutex
	conns []net.Conn
}

func newHubServer(t *testing.T) *hubServer {
	t.Helper()
	hs := &hubServer{presence: media.NewPresence()}
	hs.hub = hub.New(hs.presence, nil, nil)
	hs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := hijackRecorder{ResponseWriter: w, onConn: func(c net.Conn) {
			hs.mu.Lock()
			hs.conns = append(hs.conns, c)
			hs.mu.Unlock()
		}}
		hs.hub.Serve(rec, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(hs.srv.Close)
	return hs
}

// drop closes every websocket the server has accepted.
func (hs *hubServer) drop() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	for _, c := range hs.conns {
		c.Close()
	}
	hs.conns = nil
}

func dialHub(t *testing.T, hs *hubServer) *HubClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialHub(ctx, HubOpts{
		URL: hs.srv.URL, Identity: "agent_001", Room: "room_1", Name: "Sarah",
		BaseDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	require.Eventually(t, func() bool {
		_, ok := hs.presence.Participant("room_1", "agent_001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestHubClient_ToggleMuteReachesServer(t *testing.T) {
	hs := newHubServer(t)
	s := New(dialHub(t, hs))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	muted, err := s.ToggleMute(ctx)

	require.NoError(t, err)
	assert.True(t, muted)
	p, _ := hs.presence.Participant("room_1", "agent_001")
	assert.False(t, p.AudioEnabled)
	assert.True(t, p.VideoEnabled)
	assert.Equal(t, StateConnected, s.State())
}

func TestHubClient_TrackStateSurvivesReconnect(t *testing.T) {
	hs := newHubServer(t)
	c := dialHub(t, hs)
	s := New(c)

	// The connection drops and the server mutes the agent meanwhile.
	hs.drop()
	hs.presence.SetTrack("room_1", "agent_001", media.TrackAudio, false)

	// After reconnecting, the session reports the server's state.
	require.Eventually(t, func() bool {
		return s.State() == StateConnected && s.Muted()
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, s.CameraOn())
}

func TestHubClient_SessionEndedByServer(t *testing.T) {
	hs := newHubServer(t)
	c := dialHub(t, hs)
	s := New(c)

	hs.presence.Apply(media.Event{Kind: media.RoomFinished, Room: "room_1"})

	var last hub.Event
	for ev := range s.Events() {
		last = ev
	}
	assert.Equal(t, hub.TypeSessionEnded, last.Type)
	assert.Equal(t, StateDisconnected, s.State())
	assert.NoError(t, s.End())
	assert.NoError(t, s.End())
}

func TestHubClient_EndLeavesRoom(t *testing.T) {
	hs := newHubServer(t)
	s := New(dialHub(t, hs))

	require.NoError(t, s.End())
	require.NoError(t, s.End())

	assert.Eventually(t, func() bool {
		_, ok := hs.presence.Participant("room_1", "agent_001")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, err := s.ToggleMute(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHubURL(t *testing.T) {
	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{"http://localhost:8000", "ws://localhost:8000/ws/agent_001", false},
		{"https://sb.example.com/api/v1/", "wss://sb.example.com/api/v1/ws/agent_001", false},
		{"ws://localhost:8000", "ws://localhost:8000/ws/agent_001", false},
		{"ftp://localhost", "", true},
	}
	for _, tt := range tests {
		got, err := hubURL(tt.base, "agent_001")
		if (err != nil) != tt.wantErr {
			t.Errorf("hubURL(%q) error = %v, wantErr %v", tt.base, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("hubURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
