// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/config"
	"github.com/realmhq/realmd/internal/realm/events"
	"github.com/realmhq/realmd/internal/realm/hostres"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/orchestrator"
	"github.com/realmhq/realmd/internal/server/db"
	"github.com/realmhq/realmd/internal/server/eventbus"
)

// New constructs the HTTP API router backed by the orchestrator engine. The
// binder is shared across requests; it carries the host's measurement
// capability.
func New(logger *slog.Logger, engine orchestrator.Engine, binder *measure.Binder, bus eventbus.Bus) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	api := &apiServer{logger: logger, engine: engine, binder: binder, bus: bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		realms := v1.Group("/realms")
		{
			realms.GET("", api.listRealms)
			realms.POST("", api.launchRealm)
			realms.GET(":name", api.getRealm)
		}

		evs := v1.Group("/events")
		{
			evs.GET("/realms", api.streamRealmEvents)
		}
	}

	r.GET("/ws/v1/realms", api.realmWebSocket)

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

type apiServer struct {
	logger *slog.Logger
	engine orchestrator.Engine
	binder *measure.Binder
	bus    eventbus.Bus
}

// launchRealmRequest is one launch attempt. The boot configuration fields are
// flattened into the request body alongside the launch name.
type launchRealmRequest struct {
	Name             string `json:"name" binding:"required"`
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`
	config.RawConfig
}

type sessionResponse struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	SessionID       string     `json:"session_id,omitempty"`
	PID             *int64     `json:"pid,omitempty"`
	Realm           bool       `json:"realm"`
	VCPUs           int        `json:"vcpus"`
	AffinityCPUs    string     `json:"affinity_cpus,omitempty"`
	MemoryBytes     int64      `json:"memory_bytes"`
	MeasurementAlgo string     `json:"measurement_algo"`
	Cmdline         string     `json:"cmdline,omitempty"`
	Measurement     any        `json:"measurement,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

func sessionToResponse(session *db.Session) sessionResponse {
	if session == nil {
		return sessionResponse{}
	}
	resp := sessionResponse{
		ID:              session.ID,
		Name:            session.Name,
		Status:          string(session.Status),
		SessionID:       session.SessionID,
		PID:             session.PID,
		Realm:           session.Realm,
		VCPUs:           session.VCPUs,
		AffinityCPUs:    session.AffinityCPUs,
		MemoryBytes:     session.MemoryBytes,
		MeasurementAlgo: session.MeasurementAlgo,
		Cmdline:         session.Cmdline,
	}
	if len(session.MeasurementJSON) > 0 {
		var record measure.Record
		if err := json.Unmarshal(session.MeasurementJSON, &record); err == nil {
			resp.Measurement = record
		}
	}
	if !session.CreatedAt.IsZero() {
		t := session.CreatedAt
		resp.CreatedAt = &t
	}
	if !session.UpdatedAt.IsZero() {
		t := session.UpdatedAt
		resp.UpdatedAt = &t
	}
	return resp
}

func (api *apiServer) listRealms(c *gin.Context) {
	sessions, err := api.engine.ListSessions(c.Request.Context())
	if err != nil {
		api.logger.Error("list realms", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list realms"})
		return
	}
	resp := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		resp = append(resp, sessionToResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getRealm(c *gin.Context) {
	name := c.Param("name")
	session, err := api.engine.GetSession(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrLaunchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "realm not found"})
			return
		}
		api.logger.Error("get realm", "realm", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch realm"})
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(session))
}

// launchRealm runs the full pipeline for one request. Validation collects
// every violation before rejecting so the caller can fix them all at once.
func (api *apiServer) launchRealm(c *gin.Context) {
	var req launchRealmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var handshakeTimeout time.Duration
	if req.HandshakeTimeout != "" {
		d, err := time.ParseDuration(req.HandshakeTimeout)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid handshake_timeout"})
			return
		}
		handshakeTimeout = d
	}

	validated, err := config.Validate(req.RawConfig)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			violations := make([]gin.H, 0, len(cfgErr.Violations))
			for _, v := range cfgErr.Violations {
				violations = append(violations, gin.H{"field": v.Field, "reason": v.Reason})
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid boot configuration", "violations": violations})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	desc, err := assemble.Assemble(validated)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := api.binder.Bind(c.Request.Context(), desc)
	if err != nil {
		api.logger.Error("bind measurement", "realm", req.Name, "error", err)
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}

	outcome, err := api.engine.Launch(c.Request.Context(), orchestrator.LaunchRequest{
		Name:             req.Name,
		Descriptor:       desc,
		Record:           record,
		HandshakeTimeout: handshakeTimeout,
	})
	if err != nil {
		api.logger.Error("launch realm", "realm", req.Name, "error", err)
		c.JSON(statusFromError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

func (api *apiServer) streamRealmEvents(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.bus.Subscribe(events.TopicRealmEvents, eventsCh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			realmEvent, ok := payload.(events.RealmEvent)
			if !ok {
				continue
			}
			data, err := json.Marshal(realmEvent)
			if err != nil {
				api.logger.Error("marshal realm event", "error", err)
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + realmEvent.Type + "\n")); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// realmWebSocket pushes lifecycle events over a WebSocket connection.
func (api *apiServer) realmWebSocket(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}

	conn, err := (&websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("realm ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.bus.Subscribe(events.TopicRealmEvents, eventsCh)
	if err != nil {
		api.logger.Error("realm ws subscribe", "error", err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			realmEvent, ok := payload.(events.RealmEvent)
			if !ok {
				continue
			}
			if err := conn.WriteJSON(realmEvent); err != nil {
				return
			}
		}
	}
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, assemble.ErrRealmNoMeasurement),
		errors.Is(err, measure.ErrUnsupportedAlgorithm):
		return http.StatusBadRequest
	case errors.Is(err, measure.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hostres.ErrUnavailable),
		errors.Is(err, orchestrator.ErrLaunchExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrHandshakeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrLaunchNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
