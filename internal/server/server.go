// Package server exposes the engine over HTTP and WebSocket using Gin.
// Subscribe, unsubscribe and health are plain JSON endpoints; the stream
// endpoint upgrades to a WebSocket and forwards the session's fan-out
// dispatcher output until the client disconnects.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tickflow/config"
	"tickflow/internal/service"
	"tickflow/logger"
)

// Server hosts the boundary API for one engine instance.
type Server struct {
	cfg        config.ServerConfig
	log        *logger.Log
	svc        *service.Service
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer constructs the API server when the server feature is enabled.
// When disabled the returned server is nil and Run becomes a no-op.
func NewServer(cfg config.ServerConfig, svc *service.Service) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}

	return &Server{
		cfg: cfg,
		log: logger.GetLogger(),
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter(ctx)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api_server").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type subscribeRequest struct {
	SessionID string `json:"session_id"`
	Symbol    string `json:"symbol" binding:"required"`
}

func (s *Server) buildRouter(ctx context.Context) (*gin.Engine, error) {
	if config.IsProductionLike(config.AppEnvironment()) {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	api := router.Group("/api")

	api.POST("/subscribe", func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "message": err.Error()})
			return
		}
		res := s.svc.Subscribe(c.Request.Context(), sessionID(c, req.SessionID), req.Symbol)
		status := http.StatusOK
		if !res.Accepted {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, res)
	})

	api.POST("/unsubscribe", func(c *gin.Context) {
		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "message": err.Error()})
			return
		}
		res := s.svc.Unsubscribe(c.Request.Context(), sessionID(c, req.SessionID), req.Symbol)
		status := http.StatusOK
		if !res.Accepted {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, res)
	})

	api.GET("/health", func(c *gin.Context) {
		health := s.svc.HealthCheck()
		status := http.StatusOK
		if !health.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, health)
	})

	api.GET("/view", func(c *gin.Context) {
		id := sessionID(c, c.Query("session_id"))
		c.JSON(http.StatusOK, gin.H{
			"session_id": id,
			"symbols":    s.svc.Subscriptions(id),
			"prices":     s.svc.View(id),
		})
	})

	api.GET("/stream", func(c *gin.Context) {
		s.handleStream(ctx, c)
	})

	return router, nil
}

// handleStream upgrades the request and pumps the session's dispatcher
// output to the socket. The pump ends when the client goes away or the
// server shuts down.
func (s *Server) handleStream(ctx context.Context, c *gin.Context) {
	id := sessionID(c, c.Query("session_id"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("api_server").WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := s.svc.StreamUpdates(streamCtx, id)
	defer dispatcher.Close()

	log := s.log.WithComponent("api_server").WithFields(logger.Fields{"session_id": id})
	log.Info("stream opened")

	// Reads only serve to detect the client closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-streamCtx.Done():
			log.Info("stream closed")
			return
		case u, ok := <-dispatcher.Updates():
			if !ok {
				log.Info("stream closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		}
	}
}

// sessionID resolves the client's session identity from the request body,
// the X-Session-ID header, or mints a fresh one.
func sessionID(c *gin.Context, explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if header := strings.TrimSpace(c.GetHeader("X-Session-ID")); header != "" {
		return header
	}
	return uuid.NewString()
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	return addr
}
