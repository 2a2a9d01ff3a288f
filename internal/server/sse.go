package server

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/events"
	"gorm.io/gorm"
)

const defaultPollInterval = time.Second

// streamEvent is the data payload of one SSE message.
type streamEvent struct {
	ID         uint           `json:"id"`
	Kind       string         `json:"kind"`
	TransferID string         `json:"transfer_id,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Stage      string         `json:"stage,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// handleSSE streams the transfer event log. Clients resume with the
// Last-Event-ID header or ?after=; new clients only see events recorded
// after they connect. Filters: ?transfer_id= and ?call_id=.
func handleSSE(db *gorm.DB, poll time.Duration) gin.HandlerFunc {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, 0, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		if db == nil {
			return
		}

		ctx := c.Request.Context()
		var lastSeenID uint
		after := c.GetHeader("Last-Event-ID")
		if after == "" {
			after = c.Query("after")
		}
		if after != "" {
			if n, err := strconv.ParseUint(after, 10, 64); err == nil {
				lastSeenID = uint(n)
			}
		} else if id, err := events.LatestID(db.WithContext(ctx)); err == nil {
			lastSeenID = id
		}
		filter := events.ListOpts{
			TransferID: c.Query("transfer_id"),
			CallID:     c.Query("call_id"),
		}

		ticker := time.NewTicker(poll)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, 0, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				filter.AfterID = lastSeenID
				evs, err := events.List(db.WithContext(ctx), filter)
				if err != nil || len(evs) == 0 {
					continue
				}
				for _, ev := range evs {
					writeSSE(c.Writer, ev.ID, ev.Kind, streamEvent{
						ID:         ev.ID,
						Kind:       ev.Kind,
						TransferID: ev.TransferID,
						CallID:     ev.CallID,
						Stage:      ev.Stage,
						Actor:      ev.Actor,
						Detail:     events.DecodeDetail(ev),
						CreatedAt:  ev.CreatedAt,
					})
				}
				lastSeenID = evs[len(evs)-1].ID
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer. A zero id omits the
// id field.
func writeSSE(w io.Writer, id uint, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
