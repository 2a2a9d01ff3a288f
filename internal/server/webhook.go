package server

import (
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
)

const maxWebhookBody = 1 << 20

// handleWebhook applies signed media server room events to presence and
// records joins and leaves in the event log.
func handleWebhook(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			writeError(c, badRequest("read body: %v", err))
			return
		}
		if err := media.VerifySignature(s.WebhookSecret, c.Request.Header, body); err != nil {
			writeError(c, err)
			return
		}
		ev, ok, err := media.ParseWebhook(body)
		if err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		s.Presence.Apply(ev)

		var kind string
		switch ev.Kind {
		case media.ParticipantJoined:
			kind = events.ParticipantJoined
		case media.ParticipantLeft:
			kind = events.ParticipantLeft
		}
		if kind != "" && s.Events != nil {
			callID, transferID := s.roomOwner(c, ev.Room)
			if _, err := s.Events.Emit(c.Request.Context(), events.EmitOpts{
				Kind:       kind,
				TransferID: transferID,
				CallID:     callID,
				Actor:      ev.Identity,
				Detail:     map[string]any{"room": ev.Room, "identity": ev.Identity},
			}); err != nil {
				log.Printf("server: record %s: %v", kind, err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// roomOwner resolves the call and transfer a room belongs to. Briefing
// rooms are named after their transfer.
func (s *Server) roomOwner(c *gin.Context, room string) (callID, transferID string) {
	db := s.DB.WithContext(c.Request.Context())
	if id, ok := strings.CutPrefix(room, "transfer_"); ok {
		var t models.Transfer
		if err := db.Select("id", "call_id").Where("id = ?", id).First(&t).Error; err == nil {
			return t.CallID, t.ID
		}
		return "", ""
	}
	var m models.Call
	if err := db.Select("id").Where("room_name = ?", room).First(&m).Error; err == nil {
		return m.ID, ""
	}
	return "", ""
}
