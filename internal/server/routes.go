package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/api"
)

// registerRoutes sets up all API routes on g.
func registerRoutes(g *gin.RouterGroup, s *Server) {
	g.GET("/health", handleHealth(s))

	wt := g.Group("/warm-transfer")
	wt.POST("/initiate", handleInitiate(s.Transfers))
	wt.POST("/join-briefing", handleJoinBriefing(s.Transfers))
	wt.POST("/complete-briefing", handleCompleteBriefing(s.Transfers))
	wt.POST("/finalize", handleFinalize(s.Transfers))
	wt.POST("/abort", handleAbort(s.Transfers))
	wt.GET("/active", handleActiveTransfers(s.Transfers))
	wt.GET("/history", handleTransferHistory(s.Transfers))
	wt.GET("/:id/status", handleTransferStatus(s.Transfers))

	calls := g.Group("/calls")
	calls.POST("/start", handleStartCall(s.Calls))
	calls.POST("/join-room", handleJoinRoom(s.Calls))
	calls.GET("/active", handleActiveCalls(s.Calls))
	calls.GET("/history", handleCallHistory(s.Calls))
	calls.POST("/:id/end", handleEndCall(s.Calls, s.Transfers))
	calls.GET("/:id/status", handleCallStatus(s.Calls))
	calls.GET("/:id/summary", handleCallSummary(s.Calls, s.Transfers))
	calls.POST("/:id/transcript", handleTranscript(s.Calls))

	agents := g.Group("/agents")
	agents.GET("", handleListAgents(s.DB))
	agents.POST("", handleCreateAgent(s.DB))
	agents.GET("/available", handleAvailableAgents(s.DB))
	agents.GET("/:id", handleGetAgent(s.DB))
	agents.POST("/:id/status", handleAgentStatus(s.DB))
	agents.GET("/:id/performance", handleAgentPerformance(s.DB))

	g.GET("/transfers/history", handleTransferHistory(s.Transfers))

	g.POST("/webhooks/livekit", handleWebhook(s))
	g.GET("/events", handleSSE(s.DB, s.PollInterval))
	g.GET("/ws/:identity", handleWS(s))
}

func handleHealth(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, api.Health{
			Status:  "healthy",
			Media:   s.MediaMode,
			Summary: s.SummaryProvider,
			Time:    time.Now().UTC(),
		})
	}
}

func handleWS(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.Param("identity")
		if identity == "" {
			writeError(c, badRequest("identity is required"))
			return
		}
		s.Hub.Serve(c.Writer, c.Request, identity)
	}
}
