// Package api exposes engine operations over HTTP: workflow control,
// event queries, a live websocket stream, health, and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	drovererrors "drover/internal/errors"
	"drover/internal/engine"
	"drover/internal/event"
	"drover/internal/logging"
	"drover/internal/observability"
	"drover/internal/state"
)

// Server is the thin HTTP boundary over the engine. It holds no workflow
// state of its own.
type Server struct {
	engine   *engine.Engine
	bus      *event.Bus
	health   *observability.HealthTracker
	metrics  *observability.MetricsCollector
	logger   logging.Logger
	cors     []string
	upgrader websocket.Upgrader
}

// Options configure the server. Engine and Bus are required.
type Options struct {
	Engine      *engine.Engine
	Bus         *event.Bus
	Health      *observability.HealthTracker
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
	CORSOrigins []string
}

// NewServer builds the server and its route table.
func NewServer(opts Options) *Server {
	health := opts.Health
	if health == nil {
		health = observability.NewHealthTracker()
	}
	return &Server{
		engine:  opts.Engine,
		bus:     opts.Bus,
		health:  health,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger),
		cors:    opts.CORSOrigins,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router assembles the gin route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(s.cors) > 0 {
		corsConfig.AllowOrigins = s.cors
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api")
	{
		api.POST("/workflows", s.handleCreate)
		api.GET("/workflows", s.handleList)
		api.GET("/workflows/:id", s.handleGet)
		api.GET("/workflows/:id/phases", s.handlePhases)
		api.GET("/workflows/:id/events", s.handleEvents)
		api.POST("/workflows/:id/start", s.handleStart)
		api.POST("/workflows/:id/pause", s.handlePause)
		api.POST("/workflows/:id/resume", s.handleResume)
		api.POST("/workflows/:id/cancel", s.handleCancel)
		api.POST("/workflows/:id/archive", s.handleArchive)
		api.GET("/stats", s.handleStats)
		api.GET("/events/ws", s.handleEventStream)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	snapshot := s.health.Snapshot()
	status := http.StatusOK
	if s.health.Overall() == observability.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     s.health.Overall(),
		"components": snapshot,
	})
}

// createRequest is the JSON body of POST /api/workflows.
type createRequest struct {
	Name            string            `json:"name"`
	Kind            string            `json:"kind"`
	TaskDescription string            `json:"task_description"`
	IssueRef        string            `json:"issue_ref"`
	Branch          string            `json:"branch"`
	BaseBranch      string            `json:"base_branch"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
	ModelSet        string            `json:"model_set"`
	BudgetUSD       float64           `json:"budget_usd"`
	Start           bool              `json:"start"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	w, err := s.engine.Create(c.Request.Context(), engine.CreateSpec{
		Name:            req.Name,
		Kind:            state.WorkflowKind(req.Kind),
		TaskDescription: req.TaskDescription,
		IssueRef:        req.IssueRef,
		Branch:          req.Branch,
		BaseBranch:      req.BaseBranch,
		Tags:            req.Tags,
		Metadata:        req.Metadata,
		ModelSet:        state.ModelSet(req.ModelSet),
		BudgetUSD:       req.BudgetUSD,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if req.Start {
		if err := s.engine.Start(c.Request.Context(), w.ID); err != nil {
			s.writeError(c, err)
			return
		}
		w, err = s.engine.Get(c.Request.Context(), w.ID)
		if err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) handleList(c *gin.Context) {
	filter := state.ListFilter{
		IssueRef:        c.Query("issue_ref"),
		Tag:             c.Query("tag"),
		IncludeArchived: c.Query("include_archived") == "true",
		Limit:           intQuery(c, "limit", 50),
		Offset:          intQuery(c, "offset", 0),
	}
	if st := c.Query("state"); st != "" {
		filter.States = []state.WorkflowState{state.WorkflowState(st)}
	}
	if kind := c.Query("kind"); kind != "" {
		filter.Kinds = []state.WorkflowKind{state.WorkflowKind(kind)}
	}
	workflows, err := s.engine.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflows": workflows, "count": len(workflows)})
}

func (s *Server) handleGet(c *gin.Context) {
	w, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) handlePhases(c *gin.Context) {
	phases, err := s.engine.Phases(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"phases": phases})
}

func (s *Server) handleEvents(c *gin.Context) {
	sinceSeq, _ := strconv.ParseInt(c.DefaultQuery("since_seq", "0"), 10, 64)
	events, err := s.engine.Events(c.Request.Context(), c.Param("id"), sinceSeq, intQuery(c, "limit", 200))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleStart(c *gin.Context) {
	s.control(c, func() error { return s.engine.Start(c.Request.Context(), c.Param("id")) })
}

func (s *Server) handlePause(c *gin.Context) {
	s.control(c, func() error { return s.engine.Pause(c.Request.Context(), c.Param("id")) })
}

func (s *Server) handleResume(c *gin.Context) {
	s.control(c, func() error { return s.engine.Resume(c.Request.Context(), c.Param("id")) })
}

func (s *Server) handleCancel(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	s.control(c, func() error { return s.engine.Cancel(c.Request.Context(), c.Param("id"), body.Reason) })
}

func (s *Server) handleArchive(c *gin.Context) {
	s.control(c, func() error { return s.engine.Archive(c.Request.Context(), c.Param("id")) })
}

func (s *Server) control(c *gin.Context, op func() error) {
	if err := op(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.engine.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleEventStream upgrades to a websocket and forwards matching bus events
// until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var filter *event.Filter
	if types := c.QueryArray("type"); len(types) > 0 {
		filter = &event.Filter{EventTypes: make([]event.Type, 0, len(types))}
		for _, t := range types {
			filter.EventTypes = append(filter.EventTypes, event.Type(t))
		}
	}

	// The handler only enqueues; a dedicated writer goroutine owns the
	// connection so slow clients cannot stall bus dispatch.
	queue := make(chan event.Event, 64)
	subID := s.bus.Subscribe(func(_ context.Context, e event.Event) error {
		select {
		case queue <- e:
		default:
			s.logger.Warn("event stream queue full, dropping %s for %s", e.EventType, e.WorkflowID)
		}
		return nil
	}, filter)
	defer s.bus.Unsubscribe(subID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case e := <-queue:
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, state.ErrNotFound):
		status = http.StatusNotFound
	case state.IsInvalidTransition(err) || state.IsConflict(err):
		status = http.StatusConflict
	case drovererrors.IsPermanent(err):
		status = http.StatusBadRequest
	case drovererrors.IsTransient(err) || drovererrors.IsDegraded(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
