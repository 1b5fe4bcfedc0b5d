// Package server exposes the Telegram webhook endpoint and a health check.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/supportbot/internal/config"
	"github.com/edgard/supportbot/internal/logger"
)

// SecretHeader carries the webhook secret Telegram echoes back.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Submitter accepts an update for asynchronous handling.
type Submitter interface {
	Submit(update *models.Update) error
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP front end for webhook mode.
type Server struct {
	cfg    config.TelegramConfig
	submit Submitter
	health Pinger
	log    *slog.Logger
	engine *gin.Engine
}

// New builds the routes. health may be nil.
func New(cfg config.TelegramConfig, submit Submitter, health Pinger, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		submit: submit,
		health: health,
		log:    log.With("component", "webhook_server"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), logger.GinMiddleware(s.log))
	s.engine.POST(cfg.WebhookPath, s.handleUpdate)
	s.engine.GET("/healthz", s.handleHealth)
	return s
}

// Handler returns the router for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleUpdate(c *gin.Context) {
	if s.cfg.WebhookSecret != "" {
		got := c.GetHeader(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	var update models.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.log.WarnContext(c.Request.Context(), "Rejecting unparseable update", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid update"})
		return
	}

	if err := s.submit.Submit(&update); err != nil {
		// Telegram redelivers on non-2xx, and dedup absorbs any repeat.
		s.log.WarnContext(c.Request.Context(), "Update not accepted", "update_id", update.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			c.String(http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	c.String(http.StatusOK, "ok")
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Webhook server listening", "addr", ln.Addr().String(), "path", s.cfg.WebhookPath)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("webhook server shutdown: %w", err)
	}
	s.log.Info("Webhook server stopped")
	return nil
}
