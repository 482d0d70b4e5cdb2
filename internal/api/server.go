// Package api implements the HTTP surface: health and version, the
// Twilio webhook, provider and tool administration, proactive notify,
// and the mobile companion's token issuing and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"

	"github.com/nugget/rafi-assistant/internal/auth"
	"github.com/nugget/rafi-assistant/internal/buildinfo"
	"github.com/nugget/rafi-assistant/internal/channels"
	"github.com/nugget/rafi-assistant/internal/registry"
	"github.com/nugget/rafi-assistant/internal/scheduler"
	"github.com/nugget/rafi-assistant/internal/tools"
)

// AdminKeyHeader carries the admin key on privileged requests.
const AdminKeyHeader = "X-Rafi-Key"

const (
	maxBodyBytes = 1 << 20
	pairQRSize   = 256
)

// writeJSON encodes v as the response body. Encoding errors after the
// header is sent can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires the server to the running services. Registry is
// required; the rest are optional and the routes that need a missing
// piece answer 503.
type Config struct {
	Address string
	Port    int

	Registry  *registry.Registry
	Processor channels.Handler
	WhatsApp  *channels.WhatsApp
	Tokens    *auth.Issuer

	// AdminKey guards the mutating routes. Empty disables them.
	AdminKey string

	// PublicURL is the externally reachable base URL used in pairing
	// links. When empty the request's Host is used.
	PublicURL string

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server. Call [Server.Start] to listen.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The companion app is not a browser; tokens gate access.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)

	r.Post("/webhooks/whatsapp", s.handleWhatsApp)

	r.Get("/v1/providers", s.handleProviders)
	r.Get("/v1/tools", s.handleTools)
	r.Get("/v1/channels", s.handleChannels)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Put("/v1/providers/active", s.handleSwitchProvider)
		r.Post("/v1/tools/{name}", s.handleInvokeTool)
		r.Post("/v1/notify", s.handleNotify)
		r.Post("/v1/mobile/token", s.handleMobileToken)
		r.Get("/v1/mobile/pair.png", s.handlePairQR)

		r.Get("/v1/tasks", s.handleTasks)
		r.Get("/v1/tasks/{id}/executions", s.handleTaskExecutions)
		r.Post("/v1/tasks/{id}/run", s.handleRunTask)
	})

	r.Get("/ws/mobile", s.handleMobileSocket)
	return r
}

// Start listens until ctx is cancelled or the listener fails, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Webhook replies wait on the LLM.
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", "address", addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			s.errorResponse(w, http.StatusForbidden, "admin key not configured")
			return
		}
		if !auth.KeyMatches(s.cfg.AdminKey, r.Header.Get(AdminKeyHeader)) {
			s.errorResponse(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    strings.ToLower(strings.ReplaceAll(http.StatusText(code), " ", "_")),
			"code":    code,
		},
	}, s.logger)
}

// decodeBody reads an optional JSON body into v. An empty body leaves
// v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	name := "Rafi"
	if c := s.cfg.Registry.Config; c != nil && c.Assistant.Name != "" {
		name = c.Assistant.Name
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WhatsApp == nil || !s.cfg.WhatsApp.IsConfigured() {
		s.errorResponse(w, http.StatusServiceUnavailable, "whatsapp not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if !s.cfg.WhatsApp.VerifyRequest(r) {
		s.logger.Warn("rejected unsigned webhook", "remote", r.RemoteAddr)
		s.errorResponse(w, http.StatusForbidden, "invalid signature")
		return
	}

	ack := s.cfg.WhatsApp.HandleInbound(r.Context(), r.PostForm)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, ack)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Registry.LLM
	if m == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no LLM providers configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":       m.ActiveName(),
		"available":    m.Available(),
		"cost_routing": m.CostRoutingEnabled(),
	}, s.logger)
}

type switchProviderRequest struct {
	Provider    string `json:"provider"`
	CostRouting *bool  `json:"cost_routing,omitempty"`
}

func (s *Server) handleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Registry.LLM
	if m == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no LLM providers configured")
		return
	}
	var req switchProviderRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" && req.CostRouting == nil {
		s.errorResponse(w, http.StatusBadRequest, "provider is required")
		return
	}

	if req.Provider != "" {
		if _, err := m.Switch(req.Provider); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.CostRouting != nil {
		m.SetCostRouting(*req.CostRouting)
	}
	s.handleProviders(w, r)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	var defs []tools.Definition
	if t := s.cfg.Registry.Tools; t != nil {
		defs = t.Definitions()
	}
	if defs == nil {
		defs = []tools.Definition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs}, s.logger)
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	reg := s.cfg.Registry.Tools
	name := chi.URLParam(r, "name")
	if reg == nil || reg.Get(name) == nil {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("Tool %s not found", name))
		return
	}
	args := map[string]any{}
	if err := decodeBody(r, &args); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "arguments must be a JSON object")
		return
	}

	result := reg.Invoke(r.Context(), name, args)
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "result": result}, s.logger)
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	m := s.cfg.Registry.Channels
	if m == nil {
		writeJSON(w, http.StatusOK, map[string]any{"preferred": "", "available": []string{}}, s.logger)
		return
	}
	available := m.AvailableChannels()
	if available == nil {
		available = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"preferred": m.Preferred(),
		"available": available,
	}, s.logger)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Registry.Channels
	if m == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no channels configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	res := m.SendToPreferred(r.Context(), req.Text)
	status := http.StatusOK
	if _, failed := res["error"]; failed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res, s.logger)
}

const defaultExecutionLimit = 20

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	sched := s.cfg.Registry.Scheduler
	if sched == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	tasks, err := sched.ListTasks(false)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not list tasks")
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": sched.Stats()}, s.logger)
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	sched := s.cfg.Registry.Scheduler
	if sched == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := sched.GetTask(id); err != nil {
		s.taskError(w, err)
		return
	}

	limit := defaultExecutionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	execs, err := sched.GetTaskExecutions(id, limit)
	if err != nil {
		s.taskError(w, err)
		return
	}
	if execs == nil {
		execs = []*scheduler.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "executions": execs}, s.logger)
}

// handleRunTask fires a task now. A failed run is still 200; the
// execution record carries the failure.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	sched := s.cfg.Registry.Scheduler
	if sched == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	exec, err := sched.TriggerTask(r.Context(), chi.URLParam(r, "id"))
	if exec == nil {
		s.taskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec, s.logger)
}

func (s *Server) taskError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrTaskNotFound) {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("task request failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "task request failed")
}

func (s *Server) handleMobileToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, auth.ErrNoSecret.Error())
		return
	}
	var req struct {
		CallSID string `json:"call_sid"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, exp, err := s.cfg.Tokens.Issue(req.CallSID)
	if err != nil {
		s.logger.Error("token issue failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp.UTC().Format(time.RFC3339),
		"url":        s.mobileURL(r, token),
	}, s.logger)
}

func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request) {
	token := ""
	if s.cfg.Tokens != nil {
		var err error
		if token, _, err = s.cfg.Tokens.Issue(""); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "could not issue token")
			return
		}
	}
	png, err := qrcode.Encode(s.mobileURL(r, token), qrcode.Medium, pairQRSize)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "could not render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// mobileURL is the websocket URL a companion app connects to.
func (s *Server) mobileURL(r *http.Request, token string) string {
	return MobileURL(s.cfg.PublicURL, r.Host, token)
}

// MobileURL builds the websocket URL for token from a public base URL
// (http, https, ws or wss) or, when base is empty, from host. An empty
// token produces a URL without the t parameter.
func MobileURL(base, host, token string) string {
	if base == "" {
		base = "http://" + host
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u := base + "/ws/mobile"
	if token != "" {
		u += "?t=" + url.QueryEscape(token)
	}
	return u
}

func (s *Server) handleMobileSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tokens != nil {
		if _, err := s.cfg.Tokens.Validate(r.URL.Query().Get("t")); err != nil {
			s.logger.Warn("mobile token rejected", "remote", r.RemoteAddr, "error", err)
			s.errorResponse(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	newMobileSession(conn, s.cfg.Registry, s.cfg.Processor, s.logger).run(r.Context())
}
