package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/call"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/transfer"
)

func handleStartCall(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.StartCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		res, err := svc.Start(c.Request.Context(), call.StartOpts{
			CallerName:  req.CallerName,
			CallerPhone: req.CallerPhone,
			Priority:    req.Priority,
			AgentID:     req.AgentID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.StartCallResponse{
			CallID:         res.CallID,
			RoomName:       res.RoomName,
			AgentToken:     res.AgentToken,
			CallerToken:    res.CallerToken,
			CallerIdentity: res.CallerIdentity,
			AgentIdentity:  res.AgentIdentity,
			AgentID:        res.Agent.ID,
			AgentName:      res.Agent.Name,
		})
	}
}

func handleJoinRoom(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.JoinRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		res, err := svc.JoinRoom(c.Request.Context(), call.JoinOpts{
			RoomName:        req.RoomName,
			ParticipantName: req.ParticipantName,
			ParticipantType: req.ParticipantType,
			AgentID:         req.AgentID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.JoinRoomResponse{
			Token:               res.Token,
			RoomName:            res.RoomName,
			ParticipantIdentity: res.ParticipantIdentity,
			Role:                string(res.Role),
		})
	}
}

// handleEndCall aborts any transfer still running for the call before
// ending it, so the transfer never outlives its call.
func handleEndCall(calls *call.Service, transfers *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		aborted, err := transfers.AbortActiveForCall(ctx, id, "call_ended")
		if err != nil {
			writeError(c, err)
			return
		}
		ended, err := calls.End(ctx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.EndCallResponse{
			CallID:           ended.ID,
			Status:           ended.Status,
			DurationSeconds:  ended.DurationSeconds,
			AbortedTransfers: aborted,
		})
	}
}

func handleCallStatus(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		out := callView(view.Call)
		out.Participants = participants(view.Participants)
		c.JSON(http.StatusOK, out)
	}
}

func handleActiveCalls(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		calls, err := svc.ListActive(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, callViews(calls))
	}
}

func handleCallHistory(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := call.HistoryFilters{AgentID: c.Query("agent_id")}
		var ok bool
		if f.Limit, f.Offset, ok = page(c); !ok {
			return
		}
		if v := c.Query("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(c, badRequest("since %q is not RFC3339", v))
				return
			}
			f.Since = ts
		}
		calls, err := svc.History(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, callViews(calls))
	}
}

// page reads the limit and offset query parameters. It writes the error
// response itself and reports false when either is malformed.
func page(c *gin.Context) (limit, offset int, ok bool) {
	for _, q := range []struct {
		name string
		dst  *int
	}{{"limit", &limit}, {"offset", &offset}} {
		v := c.Query(q.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(c, badRequest("%s %q is not a number", q.name, v))
			return 0, 0, false
		}
		*q.dst = n
	}
	return limit, offset, true
}

// handleCallSummary returns the handoff summary stored on the call along
// with every transfer it went through.
func handleCallSummary(calls *call.Service, transfers *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		m, err := calls.Get(ctx, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		ts, err := transfers.ForCall(ctx, m.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		out := api.CallSummaryResponse{
			CallID:     m.ID,
			Status:     m.Status,
			AgentID:    m.AgentID,
			Summary:    m.Summary,
			HasSummary: m.Summary != "",
			Transfers:  make([]api.TransferStatus, 0, len(ts)),
		}
		for i := range ts {
			out.Transfers = append(out.Transfers, transferStatus(&ts[i], nil))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleTranscript(svc *call.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.TranscriptRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		if err := svc.AppendTranscript(c.Request.Context(), c.Param("id"), req.Text); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func callView(m *models.Call) api.Call {
	out := api.Call{
		CallID:          m.ID,
		RoomName:        m.RoomName,
		CallerName:      m.CallerName,
		CallerPhone:     m.CallerPhone,
		Priority:        m.Priority,
		AgentID:         m.AgentID,
		Status:          m.Status,
		TransferredFrom: m.TransferredFrom,
		Summary:         m.Summary,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
		DurationSeconds: m.DurationSeconds,
	}
	if m.Agent != nil {
		out.AgentName = m.Agent.Name
	}
	return out
}

func callViews(calls []models.Call) []api.Call {
	out := make([]api.Call, 0, len(calls))
	for i := range calls {
		out = append(out, callView(&calls[i]))
	}
	return out
}

func participants(ps []media.Participant) []api.Participant {
	out := make([]api.Participant, 0, len(ps))
	for _, p := range ps {
		out = append(out, api.Participant{
			Identity:     p.Identity,
			Name:         p.Name,
			JoinedAt:     p.JoinedAt,
			AudioEnabled: p.AudioEnabled,
			VideoEnabled: p.VideoEnabled,
		})
	}
	return out
}
