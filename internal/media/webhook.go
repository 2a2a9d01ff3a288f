package media

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrBadSignature is returned when a webhook body fails verification.
var ErrBadSignature = errors.New("media: webhook signature invalid")

// SignatureHeaders are checked in order for the body signature.
var SignatureHeaders = []string{"X-LiveKit-Signature", "Livekit-Signature"}

type webhookBody struct {
	Event string `json:"event"`
	Type  string `json:"type"`
	Room  *struct {
		Name string `json:"name"`
	} `json:"room"`
	RoomName    string `json:"room_name"`
	Participant *struct {
		Identity string `json:"identity"`
		Name     string `json:"name"`
	} `json:"participant"`
	Track *struct {
		Type  string `json:"type"`
		Muted bool   `json:"muted"`
	} `json:"track"`
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the body signature in h. Hex and base64
// encodings of the HMAC are both accepted. An empty secret disables
// verification.
func VerifySignature(secret string, h http.Header, body []byte) error {
	if secret == "" {
		return nil
	}
	var sig string
	for _, name := range SignatureHeaders {
		if sig = h.Get(name); sig != "" {
			break
		}
	}
	if sig == "" {
		return fmt.Errorf("%w: missing signature header", ErrBadSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if hmac.Equal([]byte(hex.EncodeToString(expected)), []byte(sig)) {
		return nil
	}
	if hmac.Equal([]byte(base64.StdEncoding.EncodeToString(expected)), []byte(sig)) {
		return nil
	}
	return ErrBadSignature
}

// ParseWebhook decodes a media server webhook into a presence Event.
// Unknown event types return ok=false.
func ParseWebhook(body []byte) (Event, bool, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return Event{}, false, fmt.Errorf("media: webhook: %w", err)
	}
	kind := wb.Event
	if kind == "" {
		kind = wb.Type
	}
	e := Event{Room: wb.RoomName}
	if wb.Room != nil && wb.Room.Name != "" {
		e.Room = wb.Room.Name
	}
	if wb.Participant != nil {
		e.Identity = wb.Participant.Identity
		e.Name = wb.Participant.Name
	}

	switch kind {
	case "participant_joined":
		e.Kind = ParticipantJoined
	case "participant_left":
		e.Kind = ParticipantLeft
	case "room_finished":
		e.Kind = RoomFinished
	case "track_published", "track_unmuted", "track_muted", "track_unpublished":
		if wb.Track == nil {
			return Event{}, false, fmt.Errorf("media: webhook: %s without track", kind)
		}
		e.Kind = TrackChanged
		e.Track = TrackAudio
		if strings.EqualFold(wb.Track.Type, "video") {
			e.Track = TrackVideo
		}
		e.Enabled = (kind == "track_published" || kind == "track_unmuted") && !wb.Track.Muted
	default:
		return Event{}, false, nil
	}
	if e.Room == "" {
		return Event{}, false, fmt.Errorf("media: webhook: %s without room", kind)
	}
	if e.Kind != RoomFinished && e.Identity == "" {
		return Event{}, false, fmt.Errorf("media: webhook: %s without participant", kind)
	}
	return e, true, nil
}
