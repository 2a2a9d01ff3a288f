// Package server exposes calls, agents and warm transfers over HTTP.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/call"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/hub"
	"github.com/zulandar/switchboard/internal/media"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/summary"
	"github.com/zulandar/switchboard/internal/token"
	"github.com/zulandar/switchboard/internal/transfer"
	"gorm.io/gorm"
)

// Server holds the services behind the API.
type Server struct {
	DB        *gorm.DB
	Calls     *call.Service
	Transfers *transfer.Service
	Tokens    *token.Issuer
	Presence  *media.Presence
	Hub       *hub.Hub
	Events    *events.Recorder

	WebhookSecret   string
	CORSOrigins     []string
	MediaMode       string // livekit or local
	SummaryProvider string
	PollInterval    time.Duration // SSE poll period
}

// New wires the services for cfg on top of db. sinks receive every
// recorded event in addition to the websocket hub.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, sinks ...events.Sink) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	issuer, err := token.NewIssuer(db, cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	gen, err := summary.FromConfig(ctx, cfg.Summary)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	presence := media.NewPresence()
	rooms := media.NewRoomService(cfg.LiveKit, issuer, presence)
	rec := events.NewRecorder(db, sinks...)
	dir := agent.Store{DB: db}
	mode := "local"
	if cfg.LiveKit.URL != "" {
		mode = "livekit"
	}

	s := &Server{
		DB:              db,
		Tokens:          issuer,
		Presence:        presence,
		Events:          rec,
		Hub:             hub.New(presence, issuer, cfg.Server.CORSOrigins),
		WebhookSecret:   cfg.LiveKit.WebhookSecret,
		CORSOrigins:     cfg.Server.CORSOrigins,
		MediaMode:       mode,
		SummaryProvider: cfg.Summary.Provider,
		Calls: &call.Service{
			DB: db, Agents: dir, Tokens: issuer, Rooms: rooms, Events: rec,
		},
		Transfers: &transfer.Service{
			DB: db, Agents: dir, Tokens: issuer, Rooms: rooms, Events: rec,
			Summaries: summary.WithFallback(gen),
		},
	}
	rec.AddSink(s.Hub.Sink(s.transferParties))
	return s, nil
}

// transferParties returns the media identities of both agents of the
// event's transfer.
func (s *Server) transferParties(ctx context.Context, ev models.TransferEvent) []string {
	t, err := s.Transfers.Get(ctx, ev.TransferID)
	if err != nil {
		return nil
	}
	return []string{agent.Identity(t.SourceAgentID), agent.Identity(t.TargetAgentID)}
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Server *Server
	Port   int
	Out    io.Writer
}

// Start launches the HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Server == nil || opts.Server.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8000
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           opts.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Switchboard API running at http://localhost:%d (media: %s, summary: %s)\n",
			opts.Port, opts.Server.MediaMode, opts.Server.SummaryProvider)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Router builds the gin engine with every route mounted at the root and
// under /api/v1.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors(s.CORSOrigins))

	registerRoutes(&router.RouterGroup, s)
	registerRoutes(router.Group("/api/v1"), s)
	return router
}

// cors answers preflight requests and sets allow headers for permitted
// origins. An empty list allows none.
func cors(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed[origin] || allowed["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
