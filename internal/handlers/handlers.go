package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/139QQ/Baostock-sub011/internal/engine"
	"github.com/139QQ/Baostock-sub011/internal/failover"
	"github.com/139QQ/Baostock-sub011/internal/market"
	"github.com/139QQ/Baostock-sub011/internal/routing"
	"github.com/139QQ/Baostock-sub011/internal/scheduler"
	"github.com/139QQ/Baostock-sub011/pkg/logging"
	"github.com/139QQ/Baostock-sub011/pkg/version"
)

const serviceName = "marketd"

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Service string `json:"service"`
	Message string `json:"message,omitempty"`
}

// StatusResponse wraps the engine snapshot with service identity.
type StatusResponse struct {
	Status  string          `json:"status"`
	Service string          `json:"service"`
	Version string          `json:"version"`
	Uptime  string          `json:"uptime"`
	Engine  engine.Snapshot `json:"engine"`
}

// Handlers contains the HTTP handlers for the service.
type Handlers struct {
	engine    *engine.Engine
	logger    logging.Logger
	startTime time.Time
}

// New creates a new handlers instance.
func New(eng *engine.Engine, logger logging.Logger) *Handlers {
	return &Handlers{
		engine:    eng,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RegisterRoutes attaches every service route. Control routes mutate state;
// pass auth middleware to guard them.
func (h *Handlers) RegisterRoutes(router *gin.Engine, control ...gin.HandlerFunc) {
	router.GET("/status", h.HandleStatus)
	router.GET("/categories", h.HandleCategories)
	router.GET("/categories/activity", h.HandleActivity)
	router.GET("/categories/adjustments", h.HandleAdjustments)
	router.GET("/strategies/performance", h.HandleStrategyPerformance)
	router.GET("/scheduler/tasks", h.HandleTasks)
	router.GET("/sources", h.HandleSources)
	router.GET("/sources/events", h.HandleSourceEvents)
	router.GET("/fetch/:category", h.HandleFetch)
	router.POST("/fetch/:category/batch", h.HandleBatchFetch)
	router.GET("/ws", h.HandleWebSocketAll)
	router.GET("/ws/:category", h.HandleWebSocket)

	ctl := router.Group("/control", control...)
	ctl.POST("/tasks", h.HandleRegisterTask)
	ctl.DELETE("/tasks/:category", h.HandleUnregisterTask)
	ctl.PUT("/tasks/:category/interval", h.HandleSetInterval)
	ctl.PUT("/tasks/:category/enabled", h.HandleSetEnabled)
	ctl.POST("/sources/:id/activate", h.HandleActivateSource)
	ctl.POST("/sources/:id/reset", h.HandleResetSource)
	ctl.POST("/refresh/:category", h.HandleRefresh)

	router.NoRoute(h.HandleNotFound)
}

// HandleStatus reports the full engine state aggregate.
func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Service: serviceName,
		Version: version.Version,
		Uptime:  time.Since(h.startTime).String(),
		Engine:  h.engine.Snapshot(c.Request.Context()),
	})
}

// HandleCategories lists the configured categories.
func (h *Handlers) HandleCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"categories": h.engine.Categories()})
}

// HandleStrategyPerformance reports per-strategy scores and aggregates.
func (h *Handlers) HandleStrategyPerformance(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": h.engine.StrategyStatuses()})
}

// HandleActivity reports per-category activity aggregates.
func (h *Handlers) HandleActivity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activity": h.engine.ActivityStats()})
}

// HandleAdjustments reports the interval adjustment history.
func (h *Handlers) HandleAdjustments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"adjustments": h.engine.Adjustments()})
}

// HandleTasks lists the polling tasks.
func (h *Handlers) HandleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.engine.Tasks()})
}

// HandleSources lists the data sources with health state.
func (h *Handlers) HandleSources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":  h.engine.ActiveSourceID(),
		"sources": h.engine.Sources(),
	})
}

// HandleSourceEvents reports the degradation audit history.
func (h *Handlers) HandleSourceEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.engine.SourceEvents()})
}

// HandleFetch serves an on-demand fetch. Query params: keys (comma
// separated), refresh=true to bypass the cache, urgency=high|low, and
// prefer=push|poll|ondemand to pin a strategy kind.
func (h *Handlers) HandleFetch(c *gin.Context) {
	category := market.Category(c.Param("category"))
	params := market.Params{}
	if raw := c.Query("keys"); raw != "" {
		params.Keys = strings.Split(raw, ",")
	}

	var opts []engine.FetchOption
	if c.Query("refresh") == "true" {
		opts = append(opts, engine.WithRefresh())
	}
	switch c.Query("urgency") {
	case "high":
		opts = append(opts, engine.WithUrgency(routing.UrgencyHigh))
	case "low":
		opts = append(opts, engine.WithUrgency(routing.UrgencyLow))
	}
	if prefer := c.Query("prefer"); prefer != "" {
		opts = append(opts, engine.WithPreference(market.SourceKind(prefer)))
	}

	item, err := h.engine.Fetch(c.Request.Context(), category, params, opts...)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type batchFetchRequest struct {
	Keys  []string          `json:"keys"`
	Extra map[string]string `json:"extra,omitempty"`
}

// HandleBatchFetch fetches a batchable category in bounded chunks. Partial
// coverage returns the result with the failure noted rather than an error
// status.
func (h *Handlers) HandleBatchFetch(c *gin.Context) {
	category := market.Category(c.Param("category"))
	var req batchFetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}

	result, err := h.engine.FetchBatch(c.Request.Context(), category, market.Params{Keys: req.Keys, Extra: req.Extra})
	if err != nil {
		var partial *market.BatchPartialError
		if errors.As(err, &partial) {
			c.JSON(http.StatusOK, gin.H{"result": result, "partial": partial.Error()})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type registerTaskRequest struct {
	Category   string            `json:"category"`
	Interval   string            `json:"interval,omitempty"`
	Keys       []string          `json:"keys,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

// HandleRegisterTask registers a polling task. A missing interval takes the
// category default; a missing enabled flag defaults to true.
func (h *Handlers) HandleRegisterTask(c *gin.Context) {
	var req registerTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if req.Category == "" {
		h.badRequest(c, "category is required")
		return
	}

	task := scheduler.PollingTask{
		Category:   market.Category(req.Category),
		Params:     market.Params{Keys: req.Keys, Extra: req.Extra},
		Enabled:    true,
		MaxRetries: req.MaxRetries,
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.Interval != "" {
		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			h.badRequest(c, "invalid interval: "+err.Error())
			return
		}
		task.Interval = interval
	}

	if err := h.engine.RegisterTask(task); err != nil {
		h.respondError(c, err)
		return
	}
	registered, _ := h.engine.Task(task.Category)
	c.JSON(http.StatusCreated, gin.H{"task": registered})
}

// HandleUnregisterTask removes a polling task.
func (h *Handlers) HandleUnregisterTask(c *gin.Context) {
	category := market.Category(c.Param("category"))
	if err := h.engine.UnregisterTask(category); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": category})
}

type intervalRequest struct {
	Interval string `json:"interval"`
}

// HandleSetInterval changes a task's polling interval.
func (h *Handlers) HandleSetInterval(c *gin.Context) {
	category := market.Category(c.Param("category"))
	var req intervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	interval, err := time.ParseDuration(req.Interval)
	if err != nil {
		h.badRequest(c, "invalid interval: "+err.Error())
		return
	}
	if err := h.engine.AdjustInterval(category, interval); err != nil {
		h.respondError(c, err)
		return
	}
	task, _ := h.engine.Task(category)
	c.JSON(http.StatusOK, gin.H{"task": task})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// HandleSetEnabled pauses or resumes a polling task.
func (h *Handlers) HandleSetEnabled(c *gin.Context) {
	category := market.Category(c.Param("category"))
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid JSON body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		h.badRequest(c, "enabled is required")
		return
	}
	if err := h.engine.SetTaskEnabled(category, *req.Enabled); err != nil {
		h.respondError(c, err)
		return
	}
	task, _ := h.engine.Task(category)
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// HandleActivateSource forces the active data source.
func (h *Handlers) HandleActivateSource(c *gin.Context) {
	id := failover.SourceID(c.Param("id"))
	if err := h.engine.ManualSwitch(id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": h.engine.ActiveSourceID()})
}

// HandleResetSource clears a source's failure state.
func (h *Handlers) HandleResetSource(c *gin.Context) {
	id := failover.SourceID(c.Param("id"))
	if err := h.engine.ResetSource(id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": id})
}

// HandleRefresh forces a live fetch for a category.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	category := market.Category(c.Param("category"))
	item, err := h.engine.Refresh(c.Request.Context(), category)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// HandleWebSocket upgrades to a websocket subscribed to one category.
// Subscriptions can be changed afterwards with subscribe/unsubscribe
// control messages.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	category := market.Category(c.Param("category"))
	if !h.knownCategory(category) {
		h.respondError(c, engine.ErrUnknownCategory)
		return
	}
	h.engine.Hub().ServeWS(c.Writer, c.Request, category)
}

// HandleWebSocketAll upgrades to a websocket with no initial subscriptions.
func (h *Handlers) HandleWebSocketAll(c *gin.Context) {
	h.engine.Hub().ServeWS(c.Writer, c.Request)
}

// HandleNotFound provides a custom 404 handler.
func (h *Handlers) HandleNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Service: serviceName,
		Message: "endpoint not found",
	})
}

func (h *Handlers) knownCategory(category market.Category) bool {
	for _, info := range h.engine.Categories() {
		if info.ID == category {
			return true
		}
	}
	return false
}

func (h *Handlers) badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_request",
		Service: serviceName,
		Message: message,
	})
}

// respondError maps engine errors onto HTTP statuses: unknown entities to
// 404, configuration mistakes to 400, routing dead ends to 503, timeouts
// to 504, everything else to 502.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var configErr *market.ConfigError
	switch {
	case errors.Is(err, engine.ErrUnknownCategory),
		errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, failover.ErrUnknownSource):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Service: serviceName, Message: err.Error()})
	case errors.As(err, &configErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Service: serviceName, Message: err.Error()})
	case errors.Is(err, market.ErrStrategyUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no_strategy", Service: serviceName, Message: err.Error()})
	case errors.Is(err, market.ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{Error: "fetch_timeout", Service: serviceName, Message: err.Error()})
	default:
		if h.logger != nil {
			h.logger.WithFields(logging.Fields{"error": err.Error()}).Warn("Request failed upstream")
		}
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "upstream_error", Service: serviceName, Message: err.Error()})
	}
}
