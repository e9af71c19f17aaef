package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/httpx"
	"github.com/mohammad-safakhou/shopvoice/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Name         string
	Version      string
	Instructions string
	// CallTimeout bounds each tools/call; zero means 30s.
	CallTimeout time.Duration
}

// Server answers initialize, tools/list and tools/call against a Registry.
// It keeps no state between requests.
type Server struct {
	registry *Registry
	opts     Options
	log      *zap.Logger
}

func NewServer(reg *Registry, opts Options, log *zap.Logger) *Server {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "shopvoice-tools"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{registry: reg, opts: opts, log: log}
}

// Handle processes one request. The boolean is false for notifications,
// which get no reply.
func (s *Server) Handle(ctx context.Context, req Request) (Response, bool) {
	if req.IsNotification() {
		s.log.Debug("notification", zap.String("method", req.Method))
		return Response{}, false
	}
	switch mcpgo.MCPMethod(req.Method) {
	case mcpgo.MethodInitialize:
		return newResponse(req.ID, s.initialize()), true
	case mcpgo.MethodPing:
		return newResponse(req.ID, struct{}{}), true
	case mcpgo.MethodToolsList:
		return newResponse(req.ID, ListResult{Tools: s.registry.Descriptors()}), true
	case mcpgo.MethodToolsCall:
		return s.callTool(ctx, req), true
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found: "+req.Method), true
	}
}

func (s *Server) initialize() InitializeResult {
	avail := map[string]bool{}
	for _, d := range s.registry.Descriptors() {
		avail[d.Name] = d.Available
	}
	res := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      mcpgo.Implementation{Name: s.opts.Name, Version: s.opts.Version},
		Instructions:    s.opts.Instructions,
	}
	res.Capabilities.Experimental.ToolAvailability = avail
	return res
}

func (s *Server) callTool(ctx context.Context, req Request) (resp Response) {
	var params CallParams
	if len(req.Params) > 0 {
		dec := json.NewDecoder(bytes.NewReader(req.Params))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return errorResponse(req.ID, CodeInternalError, "Tool execution error: invalid params: "+err.Error())
		}
	}

	ctx, span := otel.Tracer("shopvoice/mcp").Start(ctx, "tools/call")
	span.SetAttributes(attribute.String("tool", params.Name))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	started := time.Now()
	log := s.log.With(zap.String("tool", params.Name))
	defer func() {
		if r := recover(); r != nil {
			log.Error("tool panicked", zap.Any("panic", r))
			metrics.ObserveTool(params.Name, metrics.Error, time.Since(started))
			resp = errorResponse(req.ID, CodeInternalError, fmt.Sprintf("Tool execution error: %v", r))
		}
	}()

	result, err := s.registry.Call(ctx, params.Name, params.Arguments)
	elapsed := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveTool(params.Name, metrics.Error, elapsed)
		if errors.Is(err, ErrToolNotFound) {
			log.Info("unknown tool")
			return errorResponse(req.ID, CodeMethodNotFound, "Tool not found: "+params.Name)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", s.opts.CallTimeout, err)
		}
		log.Warn("tool failed", zap.Duration("duration", elapsed), zap.Error(err))
		return errorResponse(req.ID, CodeInternalError, "Tool execution error: "+err.Error())
	}

	raw, err := json.Marshal(result)
	if err != nil {
		metrics.ObserveTool(params.Name, metrics.Error, elapsed)
		return errorResponse(req.ID, CodeInternalError, "Tool execution error: encode result: "+err.Error())
	}
	metrics.ObserveTool(params.Name, metrics.OK, elapsed)
	log.Info("tool call", zap.Duration("duration", elapsed))
	return newResponse(req.ID, CallResult{
		Content:           []mcpgo.TextContent{mcpgo.NewTextContent(string(raw))},
		StructuredContent: raw,
	})
}

// Register mounts POST /mcp and GET /health.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/mcp", s.handleRPC)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"server":  s.opts.Name,
			"version": s.opts.Version,
		})
	})
}

// Echo returns a ready echo instance serving the tool endpoints and /metrics.
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
		s.log.Info("tool server listening", zap.String("addr", addr))
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

func (s *Server) handleRPC(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return s.reply(c, errorResponse(nil, CodeParseError, "Parse error: "+err.Error()))
	}
	var req Request
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.log.Info("malformed request", zap.Error(err))
		return s.reply(c, errorResponse(nil, CodeParseError, "Parse error: "+err.Error()))
	}
	resp, ok := s.Handle(c.Request().Context(), req)
	if !ok {
		return c.NoContent(http.StatusAccepted)
	}
	return s.reply(c, resp)
}

// reply writes JSON, or one SSE frame when the client only accepts event streams.
func (s *Server) reply(c echo.Context, resp Response) error {
	if !wantsEventStream(c.Request().Header.Get(echo.HeaderAccept)) {
		return c.JSON(http.StatusOK, resp)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func wantsEventStream(accept string) bool {
	accept = strings.ToLower(accept)
	if !strings.Contains(accept, "text/event-stream") {
		return false
	}
	return !strings.Contains(accept, "application/json") && !strings.Contains(accept, "*/*")
}
