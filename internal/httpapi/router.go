// Package httpapi exposes the coordination engine over HTTP/JSON: the
// task board, chat, presence, health, watchdog, insight, and SSE
// surfaces, with the shared error envelope and conditional caching.
package httpapi

import (
	"log"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bridge"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/mirror"
	"github.com/jaakkos/teamboard/internal/presence"
	"github.com/jaakkos/teamboard/internal/repository"
	"github.com/jaakkos/teamboard/internal/watchdog"
)

// Server wires the engine services into HTTP handlers.
type Server struct {
	tasks    *board.Service
	chat     *chat.Service
	presence *presence.Service
	mentions *presence.MentionTracker
	bus      *bus.Bus
	dog      *watchdog.Watchdog
	bridge   *bridge.Service
	bundles  *mirror.BundleBuilder
	mirror   *mirror.Mirror
	store    repository.Store
	roles    *config.Registry
	cfg      config.BoardHealth
	logger   *log.Logger
	clock    func() time.Time
	started  time.Time

	batchMu     sync.Mutex
	batchWindow time.Duration // SSE flush window, adjustable at runtime
}

// Deps collects the server's constructor dependencies.
type Deps struct {
	Tasks       *board.Service
	Chat        *chat.Service
	Presence    *presence.Service
	Mentions    *presence.MentionTracker
	Bus         *bus.Bus
	Watchdog    *watchdog.Watchdog
	Bridge      *bridge.Service
	Bundles     *mirror.BundleBuilder
	Mirror      *mirror.Mirror
	Store       repository.Store
	Roles       *config.Registry
	Health      config.BoardHealth
	Logger      *log.Logger
	Clock       func() time.Time
	BatchWindow time.Duration // SSE flush window; 0 means the default
}

// New creates the HTTP server.
func New(d Deps) *Server {
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	window := d.BatchWindow
	if window <= 0 {
		window = defaultBatchWindow
	}
	return &Server{
		tasks:    d.Tasks,
		chat:     d.Chat,
		presence: d.Presence,
		mentions: d.Mentions,
		bus:      d.Bus,
		dog:      d.Watchdog,
		bridge:   d.Bridge,
		bundles:  d.Bundles,
		mirror:   d.Mirror,
		store:    d.Store,
		roles:    d.Roles,
		cfg:      d.Health,
		logger:   d.Logger,
		clock:    clock,
		started:  clock(),

		batchWindow: window,
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "If-None-Match", "If-Modified-Since"},
	}))

	tasks := r.Group("/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.POST("", s.createTask)
		tasks.GET("/backlog", s.backlog)
		tasks.GET("/next", s.nextTask)
		tasks.GET("/search", s.searchTasks)
		tasks.POST("/batch-create", s.batchCreate)
		tasks.GET("/export", s.exportTasks)
		tasks.POST("/import", s.importTasks)
		tasks.GET("/:id", s.getTask)
		tasks.PATCH("/:id", s.patchTask)
		tasks.DELETE("/:id", s.deleteTask)
		tasks.GET("/:id/history", s.taskHistory)
		tasks.GET("/:id/comments", s.listComments)
		tasks.POST("/:id/comments", s.addComment)
		tasks.POST("/:id/claim", s.claimTask)
		tasks.POST("/:id/outcome", s.recordOutcome)
		tasks.POST("/:id/review", s.reviewTask)
		tasks.POST("/:id/review-bundle", s.reviewBundle)
	}

	chatGroup := r.Group("/chat")
	{
		chatGroup.GET("/messages", s.listMessages)
		chatGroup.POST("/messages", s.postMessage)
		chatGroup.PATCH("/messages/:id", s.editMessage)
		chatGroup.DELETE("/messages/:id", s.deleteMessage)
		chatGroup.POST("/messages/:id/react", s.reactMessage)
		chatGroup.GET("/messages/:id/thread", s.messageThread)
		chatGroup.GET("/channels", s.listChannels)
		chatGroup.GET("/search", s.searchMessages)
	}

	inbox := r.Group("/inbox")
	{
		inbox.GET("/:agent", s.inbox)
		inbox.POST("/:agent/ack", s.ackInbox)
		inbox.GET("/:agent/mentions", s.inboxMentions)
	}

	pres := r.Group("/presence")
	{
		pres.GET("", s.listPresence)
		pres.POST("/:agent", s.updatePresence)
		pres.POST("/:agent/focus", s.setFocus)
	}

	health := r.Group("/health")
	{
		health.GET("", s.health)
		health.GET("/team", s.healthTeam)
		health.GET("/agents", s.healthAgents)
		health.GET("/workflow", s.healthWorkflow)
		health.GET("/compliance", s.healthCompliance)
		health.GET("/system", s.healthSystem)
		health.GET("/build", s.healthBuild)
		health.GET("/idle-nudge", s.idleNudgeSnapshot)
		health.POST("/idle-nudge/tick", s.idleNudgeTick)
		health.GET("/cadence-watchdog", s.cadenceSnapshot)
		health.POST("/cadence-watchdog/tick", s.cadenceTick)
		health.GET("/mention-rescue", s.mentionRescueSnapshot)
		health.POST("/mention-rescue/tick", s.mentionRescueTick)
	}

	dog := r.Group("/watchdog")
	{
		dog.POST("/check", s.watchdogCheck)
		dog.POST("/rollback", s.watchdogRollback)
		dog.GET("/audit", s.watchdogAudit)
	}

	insights := r.Group("/insights")
	{
		insights.GET("", s.listInsights)
		insights.POST("", s.upsertInsight)
		insights.GET("/:id", s.getInsight)
		insights.POST("/:id/triage", s.triageInsight)
	}

	r.GET("/events", s.events)
	r.GET("/activity", s.activity)
	r.GET("/api/state", s.dashboardState)
	r.POST("/admin/reset", s.adminReset)
	r.GET("/admin/sse-batch-window", s.getBatchWindow)
	r.POST("/admin/sse-batch-window", s.setBatchWindow)

	return r
}
