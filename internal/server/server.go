// Package server exposes the assistant over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/history"
	"github.com/mohammad-safakhou/shopvoice/internal/httpx"
	"github.com/mohammad-safakhou/shopvoice/internal/voice"
)

// maxAudioBytes matches the transcription API upload limit.
const maxAudioBytes = 25 << 20

// Server serves the ask, audio and history endpoints.
type Server struct {
	assistant *voice.Assistant
	history   history.Store
	log       *zap.Logger
}

func New(assistant *voice.Assistant, hist history.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if hist == nil {
		hist = history.NewMemory(0, 0)
	}
	return &Server{assistant: assistant, history: hist, log: log.Named("server")}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.healthz)

	api := e.Group("/api")
	api.POST("/ask", s.ask)
	api.POST("/ask/audio", s.askAudio)
	api.GET("/history/:session", s.listHistory)
	api.DELETE("/history/:session", s.clearHistory)
}

func (s *Server) Echo() *echo.Echo {
	e := httpx.New(s.log)
	s.Register(e)
	return e
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	e := s.Echo()
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("assistant api listening", zap.String("addr", addr), zap.Bool("voice", s.assistant.Available()))
		errCh <- e.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status": "ok",
		"voice":  s.assistant.Available(),
	})
}
