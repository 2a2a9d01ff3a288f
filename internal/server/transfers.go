package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/transfer"
)

func handleInitiate(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.InitiateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		res, err := svc.Initiate(c.Request.Context(), transfer.InitiateOpts{
			CallID:        req.CallID,
			SourceAgentID: req.SourceAgentID,
			TargetAgentID: req.TargetAgentID,
			Reason:        req.Reason,
			Notes:         req.TransferNotes,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		t := res.Transfer
		c.JSON(http.StatusOK, api.InitiateResponse{
			TransferID: t.ID,
			Status:     t.Stage,
			Message:    "Warm transfer initiated. Source agent can now join the briefing room.",
			Data: api.InitiateData{
				TransferRoomName: t.BriefingRoom,
				SourceAgentToken: res.SourceToken,
				TargetAgentToken: res.TargetToken,
				CallSummary: api.CallSummary{
					Summary:  res.Summary.Text,
					Provider: res.Summary.Provider,
					Fallback: res.Summary.Fallback,
				},
				OriginalRoom: t.OriginalRoom,
			},
		})
	}
}

func bindStage(c *gin.Context) (api.StageRequest, bool) {
	var req api.StageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest("%v", err))
		return req, false
	}
	if req.TransferID == "" {
		writeError(c, badRequest("transfer_id is required"))
		return req, false
	}
	return req, true
}

func handleJoinBriefing(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindStage(c)
		if !ok {
			return
		}
		res, err := svc.JoinBriefing(c.Request.Context(), req.TransferID, req.Stage)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.JoinBriefingResponse{
			TransferID: res.Transfer.ID,
			Status:     res.Transfer.Stage,
			Message:    "Briefing started. Brief the target agent before handing over the caller.",
			Data: api.JoinBriefingData{
				TransferRoomName: res.Transfer.BriefingRoom,
				SourceAgentToken: res.SourceToken,
			},
		})
	}
}

func handleCompleteBriefing(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindStage(c)
		if !ok {
			return
		}
		res, err := svc.CompleteBriefing(c.Request.Context(), req.TransferID, req.Stage)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.CompleteBriefingResponse{
			TransferID: res.Transfer.ID,
			Status:     res.Transfer.Stage,
			Message:    "Briefing complete. Target agent can now join the original room.",
			Data: api.CompleteBriefingData{
				TargetAgentToken: res.TargetToken,
				OriginalRoomName: res.Transfer.OriginalRoom,
				TargetInBriefing: res.TargetInBriefing,
			},
		})
	}
}

func handleFinalize(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := bindStage(c)
		if !ok {
			return
		}
		t, err := svc.Finalize(c.Request.Context(), req.TransferID, req.Stage)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.FinalizeResponse{
			TransferID: t.ID,
			Status:     t.Stage,
			Message:    "Transfer completed. The target agent now owns the call.",
			FinalRoom:  t.OriginalRoom,
			NewAgentID: t.TargetAgentID,
		})
	}
}

func handleAbort(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.AbortRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		if req.TransferID == "" {
			writeError(c, badRequest("transfer_id is required"))
			return
		}
		res, err := svc.Abort(c.Request.Context(), req.TransferID, req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.AbortResponse{
			TransferID:    res.Transfer.ID,
			Status:        res.Transfer.Stage,
			Message:       "Transfer aborted. The call stays with the source agent.",
			RevokedTokens: res.RevokedTokens,
		})
	}
}

func handleTransferStatus(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := svc.Status(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, transferStatus(view.Transfer, view.BriefingParticipants))
	}
}

func handleActiveTransfers(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ts, err := svc.ListActive(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]api.TransferStatus, 0, len(ts))
		for i := range ts {
			out = append(out, transferStatus(&ts[i], nil))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleTransferHistory(svc *transfer.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		f := transfer.HistoryFilters{AgentID: c.Query("agent_id"), Stage: c.Query("status")}
		var ok bool
		if f.Limit, f.Offset, ok = page(c); !ok {
			return
		}
		ts, err := svc.History(c.Request.Context(), f)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]api.TransferStatus, 0, len(ts))
		for i := range ts {
			out = append(out, transferStatus(&ts[i], nil))
		}
		c.JSON(http.StatusOK, out)
	}
}

func transferStatus(t *models.Transfer, present []string) api.TransferStatus {
	if present == nil {
		present = []string{}
	}
	st := api.TransferStatus{
		TransferID:       t.ID,
		Status:           t.Stage,
		CallID:           t.CallID,
		OriginalRoom:     t.OriginalRoom,
		TransferRoomName: t.BriefingRoom,
		SourceAgent:      api.AgentRef{ID: t.SourceAgentID},
		TargetAgent:      api.AgentRef{ID: t.TargetAgentID},
		Reason:           t.Reason,
		Notes:            t.Notes,
		Summary:          t.Summary,
		AbortReason:      t.AbortReason,
		BriefingPresent:  present,
		CreatedAt:        t.CreatedAt,
		CompletedAt:      t.CompletedAt,
		AbortedAt:        t.AbortedAt,
	}
	if t.SourceAgent != nil {
		st.SourceAgent.Name = t.SourceAgent.Name
	}
	if t.TargetAgent != nil {
		st.TargetAgent.Name = t.TargetAgent.Name
	}
	return st
}
