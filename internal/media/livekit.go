package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/httpx"
)

const twirpPrefix = "/twirp/livekit.RoomService/"

// emptyTimeout is how long the media server keeps an empty room.
const emptyTimeout = 300

// LiveKit talks to a LiveKit server's RoomService over Twirp JSON.
type LiveKit struct {
	baseURL string
	tokens  AdminTokener
	client  *http.Client
}

// NewLiveKit returns a LiveKit room service. url may use ws(s):// or
// http(s)://.
func NewLiveKit(url string, tokens AdminTokener) *LiveKit {
	return &LiveKit{
		baseURL: httpURL(url),
		tokens:  tokens,
		client:  httpx.NewClient(httpx.WithName("media: livekit"), httpx.WithTimeout(10*time.Second)),
	}
}

func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	}
	return strings.TrimRight(u, "/")
}

// twirpError is the error body the media server returns for failed calls.
type twirpError struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *twirpError) Error() string {
	return fmt.Sprintf("status %d: %s %s", e.Status, e.Code, e.Msg)
}

func notFound(err error) bool {
	var te *twirpError
	return errors.As(err, &te) && (te.Code == "not_found" || te.Status == http.StatusNotFound)
}

type lkTrack struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

type lkParticipant struct {
	Identity string      `json:"identity"`
	Name     string      `json:"name"`
	JoinedAt json.Number `json:"joined_at"`
	Tracks   []lkTrack   `json:"tracks"`
}

// call posts a Twirp request and decodes the response into out.
func (l *LiveKit) call(ctx context.Context, method, room string, in, out any) error {
	tok, err := l.tokens.AdminToken(room)
	if err != nil {
		return fmt.Errorf("media: %s: %w", method, err)
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("media: %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+twirpPrefix+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("media: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("media: %s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("media: %s: read body: %w", method, err)
	}

	if resp.StatusCode >= 400 {
		te := &twirpError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, te)
		return fmt.Errorf("media: %s: %w", method, te)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("media: %s: decode: %w", method, err)
		}
	}
	return nil
}

// CreateRoom implements RoomService.
func (l *LiveKit) CreateRoom(ctx context.Context, name string) error {
	return l.call(ctx, "CreateRoom", name, map[string]any{
		"name":          name,
		"empty_timeout": emptyTimeout,
	}, nil)
}

// DeleteRoom implements RoomService.
func (l *LiveKit) DeleteRoom(ctx context.Context, name string) error {
	err := l.call(ctx, "DeleteRoom", name, map[string]any{"room": name}, nil)
	if err != nil && notFound(err) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, name)
	}
	return err
}

// RemoveParticipant implements RoomService.
func (l *LiveKit) RemoveParticipant(ctx context.Context, room, identity string) error {
	err := l.call(ctx, "RemoveParticipant", room, map[string]any{"room": room, "identity": identity}, nil)
	if err != nil && notFound(err) {
		return fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, identity, room)
	}
	return err
}

// ListParticipants implements RoomService.
func (l *LiveKit) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	var out struct {
		Participants []lkParticipant `json:"participants"`
	}
	if err := l.call(ctx, "ListParticipants", room, map[string]any{"room": room}, &out); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, room)
		}
		return nil, err
	}
	parts := make([]Participant, 0, len(out.Participants))
	for _, p := range out.Participants {
		joined, _ := p.JoinedAt.Int64()
		part := Participant{Identity: p.Identity, Name: p.Name, JoinedAt: time.Unix(joined, 0)}
		for _, t := range p.Tracks {
			switch strings.ToUpper(t.Type) {
			case "AUDIO":
				part.AudioEnabled = !t.Muted
			case "VIDEO":
				part.VideoEnabled = !t.Muted
			}
		}
		parts = append(parts, part)
	}
	return parts, nil
}
