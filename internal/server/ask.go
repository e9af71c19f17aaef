package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/history"
	"github.com/mohammad-safakhou/shopvoice/internal/pipeline"
	"github.com/mohammad-safakhou/shopvoice/internal/voice"
)

// failureMessage is all an end user sees when a run fails.
const failureMessage = "Error processing query"

type AskRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	Speak     bool   `json:"speak"`
}

type AskResponse struct {
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id"`
	Transcript string          `json:"transcript,omitempty"`
	Response   string          `json:"response"`
	Done       bool            `json:"done"`
	Passes     int             `json:"passes"`
	Warnings   []string        `json:"warnings,omitempty"`
	Plan       pipeline.Plan   `json:"plan"`
	Knowledge  string          `json:"knowledge"`
	Answer     pipeline.Answer `json:"answer"`
	Audio      string          `json:"audio,omitempty"`
	AudioType  string          `json:"audio_content_type,omitempty"`
}

func (s *Server) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	ctx := c.Request().Context()
	reply, err := s.assistant.Ask(ctx, req.Query, req.Speak)
	if err != nil {
		return replyError(err)
	}
	return s.respond(c, req.SessionID, reply, false)
}

func (s *Server) askAudio(c echo.Context) error {
	fh, err := c.FormFile("audio")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "audio file is required")
	}
	if fh.Size > maxAudioBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio file exceeds 25MB")
	}
	speak := true
	if v := c.FormValue("speak"); v != "" {
		if speak, err = strconv.ParseBool(v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "speak must be a boolean")
		}
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read audio file")
	}
	defer f.Close()

	reply, err := s.assistant.AskAudio(c.Request().Context(), f, fh.Filename, speak)
	if err != nil {
		return replyError(err)
	}
	return s.respond(c, c.FormValue("session_id"), reply, true)
}

func replyError(err error) error {
	switch {
	case errors.Is(err, voice.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "voice is not configured").SetInternal(err)
	case errors.Is(err, voice.ErrEmptyTranscript):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "no speech recognised").SetInternal(err)
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	default:
		return echo.NewHTTPError(http.StatusBadGateway, failureMessage).SetInternal(err)
	}
}

func (s *Server) respond(c echo.Context, session string, reply *voice.Reply, audio bool) error {
	if session == "" {
		session = uuid.NewString()
	}
	res := reply.Result
	out := AskResponse{
		RunID:      res.RunID,
		SessionID:  session,
		Transcript: reply.Transcript,
		Response:   res.Response,
		Done:       res.Done,
		Passes:     res.Passes,
		Warnings:   res.Warnings,
		Plan:       res.Plan,
		Knowledge:  res.Knowledge,
		Answer:     res.Answer,
	}
	if reply.Speech != nil {
		out.Audio = base64.StdEncoding.EncodeToString(voice.WAV(reply.Speech))
		out.AudioType = reply.Speech.ContentType
		if reply.Speech.Format == "pcm" {
			out.AudioType = "audio/wav"
		}
	}

	turn := history.Turn{RunID: res.RunID, Query: res.Input, Response: res.Response, Audio: audio, CreatedAt: time.Now().UTC()}
	if err := s.history.Append(c.Request().Context(), session, turn); err != nil {
		// The answer is still returned; history is best effort.
		s.log.Warn("history append failed", zap.String("session", session), zap.Error(err))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listHistory(c echo.Context) error {
	session := c.Param("session")
	turns, err := s.history.List(c.Request().Context(), session)
	if err != nil {
		if errors.Is(err, history.ErrInvalidSession) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable").SetInternal(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"session_id": session, "turns": turns})
}

func (s *Server) clearHistory(c echo.Context) error {
	if err := s.history.Clear(c.Request().Context(), c.Param("session")); err != nil {
		if errors.Is(err, history.ErrInvalidSession) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable").SetInternal(err)
	}
	return c.NoContent(http.StatusNoContent)
}
