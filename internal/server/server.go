package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/lokutor-ai/lokutor-call/pkg/orchestrator"
)

// CallController is the part of the orchestrator the control API drives.
type CallController interface {
	StartCall(ctx context.Context) error
	EndCall()
	ToggleMute() bool
	Snapshot() orchestrator.Snapshot
	Subscribe(buffer int) (<-chan orchestrator.CallEvent, func())
}

// ModelLister reports the models a generator backend can serve.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
	Name() string
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string   `json:"status"`
	Generator string   `json:"generator"`
	Models    []string `json:"models,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type Server struct {
	calls  CallController
	models ModelLister
	logger orchestrator.Logger
	engine *gin.Engine
	http   *http.Server
}

func New(calls CallController, models ModelLister, logger orchestrator.Logger) *Server {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{calls: calls, models: models, logger: logger}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.RegisterRoutes(s.engine)
	return s
}

func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", s.handleHealth)

	call := router.Group("/call")
	{
		call.POST("/start", s.handleStart)
		call.POST("/end", s.handleEnd)
		call.POST("/mute", s.handleMute)
		call.GET("/state", s.handleState)
		call.GET("/events", s.handleEvents)
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.http = &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("control api listening", "addr", l.Addr().String())
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.calls.StartCall(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleEnd(c *gin.Context) {
	s.calls.EndCall()
	c.JSON(http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleMute(c *gin.Context) {
	s.calls.ToggleMute()
	c.JSON(http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.calls.Snapshot())
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.models == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	models, err := s.models.Models(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:    "degraded",
			Generator: s.models.Name(),
			Error:     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Generator: s.models.Name(), Models: models})
}

// handleEvents streams call events over a websocket until either side closes.
// The current snapshot is sent first so clients start in sync.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	events, unsubscribe := s.calls.Subscribe(128)
	defer unsubscribe()

	// Clients never send; CloseRead turns their close frame into ctx cancellation.
	ctx := conn.CloseRead(c.Request.Context())

	snap := s.calls.Snapshot()
	hello := orchestrator.CallEvent{
		Type:   orchestrator.StateChanged,
		CallID: snap.CallID,
		State:  snap.State,
		Muted:  snap.Muted,
		Error:  snap.Error,
		At:     time.Now(),
	}
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "orchestrator closed")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.CallEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrCallActive):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrDeviceUnavailable), errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
