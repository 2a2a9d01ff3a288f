package media

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchboard/internal/config"
)

type staticTokener string

func (s staticTokener) AdminToken(string) (string, error) { return string(s), nil }

func TestPresence_JoinLeaveTrack(t *testing.T) {
	p := NewPresence()
	var mu sync.Mutex
	var seen []EventKind
	p.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Kind)
		mu.Unlock()
	})

	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "agent_a1", Name: "Sarah"})
	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "agent_a1"}) // duplicate
	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "caller_1"})

	part, ok := p.Participant("room_1", "agent_a1")
	require.True(t, ok)
	assert.Equal(t, "Sarah", part.Name)
	assert.True(t, part.AudioEnabled)

	part, ok = p.SetTrack("room_1", "agent_a1", TrackAudio, false)
	require.True(t, ok)
	assert.False(t, part.AudioEnabled)
	assert.True(t, part.VideoEnabled)
	assert.False(t, part.TrackEnabled(TrackAudio))

	p.Apply(Event{Kind: ParticipantLeft, Room: "room_1", Identity: "agent_a1"})
	p.Apply(Event{Kind: ParticipantLeft, Room: "room_1", Identity: "agent_a1"}) // absent

	assert.Len(t, p.Participants("room_1"), 1)
	assert.Equal(t, []EventKind{ParticipantJoined, ParticipantJoined, TrackChanged, ParticipantLeft}, seen)
}

func TestPresence_SetTrackUnknownParticipant(t *testing.T) {
	p := NewPresence()
	_, ok := p.SetTrack("room_1", "ghost", TrackVideo, false)
	assert.False(t, ok)
}

func TestPresence_Rooms(t *testing.T) {
	p := NewPresence()
	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "agent_a1"})
	p.Apply(Event{Kind: ParticipantJoined, Room: "transfer_t1", Identity: "agent_a1"})
	assert.Equal(t, []string{"room_1", "transfer_t1"}, p.Rooms("agent_a1"))
}

func TestLocal_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewPresence()
	l := NewLocal(p)

	require.NoError(t, l.CreateRoom(ctx, "room_1"))
	require.NoError(t, l.CreateRoom(ctx, "room_1"))
	assert.True(t, l.HasRoom("room_1"))

	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "agent_a1"})
	p.Apply(Event{Kind: ParticipantJoined, Room: "room_1", Identity: "caller_1"})

	require.NoError(t, l.RemoveParticipant(ctx, "room_1", "agent_a1"))
	err := l.RemoveParticipant(ctx, "room_1", "agent_a1")
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	parts, err := l.ListParticipants(ctx, "room_1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "caller_1", parts[0].Identity)

	require.NoError(t, l.DeleteRoom(ctx, "room_1"))
	assert.False(t, l.HasRoom("room_1"))
	assert.Empty(t, p.Participants("room_1"))
	assert.ErrorIs(t, l.DeleteRoom(ctx, "room_1"), ErrRoomNotFound)
}

func TestNewRoomService_SelectsImplementation(t *testing.T) {
	_, isLocal := NewRoomService(config.LiveKitConfig{}, staticTokener("t"), NewPresence()).(*Local)
	assert.True(t, isLocal)
	_, isLK := NewRoomService(config.LiveKitConfig{URL: "wss://media.example.com"}, staticTokener("t"), nil).(*LiveKit)
	assert.True(t, isLK)
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "https://media.example.com", httpURL("wss://media.example.com/"))
	assert.Equal(t, "http://localhost:7880", httpURL("ws://localhost:7880"))
	assert.Equal(t, "http://localhost:7880", httpURL("http://localhost:7880"))
}

func TestLiveKit_TwirpCalls(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]map[string]any{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		method := r.URL.Path[len(twirpPrefix):]
		mu.Lock()
		calls[method] = body
		mu.Unlock()
		switch method {
		case "ListParticipants":
			w.Write([]byte(`{"participants":[{"identity":"agent_a1","name":"Sarah","joined_at":"1700000000","tracks":[{"type":"AUDIO","muted":true},{"type":"VIDEO"}]}]}`))
		case "RemoveParticipant":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":"not_found","msg":"participant not found"}`))
		default:
			w.Write([]byte(`{}`))
		}
	}))
	defer server.Close()

	lk := NewLiveKit(server.URL, staticTokener("admin-token"))
	ctx := context.Background()

	require.NoError(t, lk.CreateRoom(ctx, "room_1"))
	assert.Equal(t, "room_1", calls["CreateRoom"]["name"])
	assert.EqualValues(t, emptyTimeout, calls["CreateRoom"]["empty_timeout"])

	require.NoError(t, lk.DeleteRoom(ctx, "room_1"))
	assert.Equal(t, "room_1", calls["DeleteRoom"]["room"])

	parts, err := lk.ListParticipants(ctx, "room_1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "agent_a1", parts[0].Identity)
	assert.False(t, parts[0].AudioEnabled)
	assert.True(t, parts[0].VideoEnabled)
	assert.Equal(t, int64(1700000000), parts[0].JoinedAt.Unix())

	err = lk.RemoveParticipant(ctx, "room_1", "agent_a1")
	assert.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestLiveKit_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"unauthenticated","msg":"invalid token"}`))
	}))
	defer server.Close()

	err := NewLiveKit(server.URL, staticTokener("x")).CreateRoom(context.Background(), "room_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthenticated")
	assert.False(t, errors.Is(err, ErrRoomNotFound))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"participant_joined"}`)
	hexSig := Sign("secret", body)
	raw, _ := hex.DecodeString(hexSig)
	b64Sig := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name   string
		header string
		value  string
		secret string
		ok     bool
	}{
		{"hex", "X-LiveKit-Signature", hexSig, "secret", true},
		{"base64 alt header", "Livekit-Signature", b64Sig, "secret", true},
		{"wrong secret", "X-LiveKit-Signature", Sign("other", body), "secret", false},
		{"missing", "", "", "secret", false},
		{"disabled", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set(tt.header, tt.value)
			}
			err := VerifySignature(tt.secret, h, body)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrBadSignature)
			}
		})
	}
}

func TestParseWebhook(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Event
		ok   bool
	}{
		{
			name: "livekit participant joined",
			body: `{"event":"participant_joined","room":{"name":"room_1"},"participant":{"identity":"agent_a2","name":"Mike"}}`,
			want: Event{Kind: ParticipantJoined, Room: "room_1", Identity: "agent_a2", Name: "Mike"},
			ok:   true,
		},
		{
			name: "type field and flat room",
			body: `{"type":"participant_left","room_name":"room_1","participant":{"identity":"caller_1"}}`,
			want: Event{Kind: ParticipantLeft, Room: "room_1", Identity: "caller_1"},
			ok:   true,
		},
		{
			name: "track muted",
			body: `{"event":"track_muted","room":{"name":"room_1"},"participant":{"identity":"agent_a1"},"track":{"type":"VIDEO","muted":true}}`,
			want: Event{Kind: TrackChanged, Room: "room_1", Identity: "agent_a1", Track: TrackVideo, Enabled: false},
			ok:   true,
		},
		{
			name: "track unmuted audio",
			body: `{"event":"track_unmuted","room":{"name":"room_1"},"participant":{"identity":"agent_a1"},"track":{"type":"AUDIO"}}`,
			want: Event{Kind: TrackChanged, Room: "room_1", Identity: "agent_a1", Track: TrackAudio, Enabled: true},
			ok:   true,
		},
		{
			name: "room finished",
			body: `{"event":"room_finished","room":{"name":"transfer_t1"}}`,
			want: Event{Kind: RoomFinished, Room: "transfer_t1"},
			ok:   true,
		},
		{
			name: "ignored egress event",
			body: `{"event":"egress_started"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseWebhook([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWebhook_Invalid(t *testing.T) {
	_, _, err := ParseWebhook([]byte(`{not json`))
	assert.Error(t, err)
	_, _, err = ParseWebhook([]byte(`{"event":"participant_joined","participant":{"identity":"x"}}`))
	assert.Error(t, err)
	_, _, err = ParseWebhook([]byte(`{"event":"track_muted","room":{"name":"r"},"participant":{"identity":"x"}}`))
	assert.Error(t, err)
}
