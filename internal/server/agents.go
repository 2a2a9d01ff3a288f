package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/api"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

func handleListAgents(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := c.Query("status")
		if status != "" && !agent.ValidStatus(status) {
			writeError(c, badRequest("status %q must be one of %v", status, agent.Statuses))
			return
		}
		agents, err := agent.List(db.WithContext(c.Request.Context()), agent.ListFilters{
			Status: status,
			Skill:  c.Query("skill"),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agentViews(agents))
	}
}

func handleAvailableAgents(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		agents, err := agent.ListAvailable(db.WithContext(c.Request.Context()))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agentViews(agents))
	}
}

func handleGetAgent(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, err := agent.Get(db.WithContext(c.Request.Context()), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agentView(*a))
	}
}

func handleCreateAgent(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.CreateAgentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(c, badRequest("name is required"))
			return
		}
		if req.Status != "" && !agent.ValidStatus(req.Status) {
			writeError(c, badRequest("status %q must be one of %v", req.Status, agent.Statuses))
			return
		}
		tx := db.WithContext(c.Request.Context())
		if req.ID != "" {
			if _, err := agent.Get(tx, req.ID); err == nil {
				writeError(c, badRequest("agent %s already exists", req.ID))
				return
			} else if !errors.Is(err, agent.ErrNotFound) {
				writeError(c, err)
				return
			}
		}
		a, err := agent.Create(tx, agent.CreateOpts{
			ID:                 req.ID,
			Name:               req.Name,
			Email:              req.Email,
			Status:             req.Status,
			MaxConcurrentCalls: req.MaxConcurrentCalls,
			Skills:             req.Skills,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, agentView(*a))
	}
}

func handleAgentStatus(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.AgentStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, badRequest("%v", err))
			return
		}
		if !agent.ValidStatus(req.Status) {
			writeError(c, badRequest("status %q must be one of %v", req.Status, agent.Statuses))
			return
		}
		tx := db.WithContext(c.Request.Context())
		id := c.Param("id")
		if err := agent.SetStatus(tx, id, req.Status); err != nil {
			writeError(c, err)
			return
		}
		a, err := agent.Get(tx, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, agentView(*a))
	}
}

func handleAgentPerformance(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := agent.GetPerformance(db.WithContext(c.Request.Context()), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, api.AgentPerformance{
			AgentID:             p.Agent.ID,
			Name:                p.Agent.Name,
			Status:              p.Agent.Status,
			CurrentCalls:        p.Agent.CurrentCalls,
			TotalCallsHandled:   p.TotalCallsHandled,
			SuccessfulTransfers: p.SuccessfulTransfers,
			TransfersReceived:   p.TransfersReceived,
			TransfersAborted:    p.TransfersAborted,
			TransferSuccessRate: p.TransferSuccessRate(),
			CallsEnded:          p.CallsEnded,
			AvgCallSeconds:      p.AvgCallSeconds,
		})
	}
}

func agentView(a models.Agent) api.Agent {
	skills := agent.Skills(a)
	if skills == nil {
		skills = []string{}
	}
	return api.Agent{
		ID:                  a.ID,
		Name:                a.Name,
		Email:               a.Email,
		Status:              a.Status,
		Available:           a.Available(),
		CurrentCalls:        a.CurrentCalls,
		MaxConcurrentCalls:  a.MaxConcurrentCalls,
		Skills:              skills,
		TotalCallsHandled:   a.TotalCallsHandled,
		SuccessfulTransfers: a.SuccessfulTransfers,
		LastActive:          a.LastActive,
	}
}

func agentViews(agents []models.Agent) []api.Agent {
	out := make([]api.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView(a))
	}
	return out
}
