// Package httpapi exposes the workflow run engine over a session-
// authenticated HTTP API: login/session management, the tool registry,
// workflow run CRUD with a server-sent event stream, deliverable
// downloads, and the workflow planner.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/ninthseat/engine"
)

const (
	defaultPrefix        = "/api"
	defaultPassword      = "5573"
	defaultSessionSecret = "change-this-in-production"

	maxRequestBodyBytes = 32 << 20 // 32MB
)

var defaultOrigins = []string{"http://localhost:5173"}

// Server routes HTTP requests to a run registry, tool registry, and
// planner. Construct with New and mount Handler on an http.Server.
type Server struct {
	registry *engine.Registry
	toolset  *engine.Toolset
	planner  *engine.Planner
	sessions *sessionCodec
	password string
	prefix   string
	origins  []string
	logger   *slog.Logger
	markdown goldmark.Markdown
}

// Option configures a Server.
type Option func(*Server)

// WithPassword sets the login password. Default "5573".
func WithPassword(password string) Option {
	return func(s *Server) {
		if password != "" {
			s.password = password
		}
	}
}

// WithSessionSecret sets the HMAC key for session cookies.
func WithSessionSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.sessions.secret = []byte(secret)
		}
	}
}

// WithSecureCookies marks session cookies Secure (HTTPS-only).
func WithSecureCookies(secure bool) Option {
	return func(s *Server) { s.sessions.secure = secure }
}

// WithAllowedOrigins sets the CORS origins allowed to send credentials.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithPrefix sets the mount prefix for every route. Default "/api".
func WithPrefix(prefix string) Option {
	return func(s *Server) {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		s.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithToolset exposes a tool registry on /tools and /tools/run.
func WithToolset(ts *engine.Toolset) Option {
	return func(s *Server) { s.toolset = ts }
}

// WithPlanner exposes a workflow planner on /workflows/plan.
func WithPlanner(p *engine.Planner) Option {
	return func(s *Server) { s.planner = p }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an API server over the given run registry.
func New(registry *engine.Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		sessions: &sessionCodec{secret: []byte(defaultSessionSecret)},
		password: defaultPassword,
		prefix:   defaultPrefix,
		origins:  defaultOrigins,
		logger:   slog.New(slog.DiscardHandler),
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table. Health, session inspection, and
// login/logout are open; everything else requires a session cookie.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Route(s.prefix, func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Get("/session", s.handleSession)
		api.Post("/login", s.handleLogin)
		api.Post("/logout", s.handleLogout)

		api.Group(func(auth chi.Router) {
			auth.Use(s.requireSession)
			auth.Get("/home", s.handleHome)
			auth.Get("/tools", s.handleToolList)
			auth.Post("/tools/run", s.handleToolRun)
			auth.Route("/workflow-runs", func(runs chi.Router) {
				runs.Get("/", s.handleRunList)
				runs.Post("/", s.handleRunCreate)
				runs.Get("/{runID}", s.handleRunGet)
				runs.Post("/{runID}/cancel", s.handleRunCancel)
				runs.Delete("/{runID}", s.handleRunDelete)
				runs.Get("/{runID}/events", s.handleRunEvents)
				runs.Get("/{runID}/deliverables", s.handleDeliverableList)
				runs.Get("/{runID}/deliverables/{name}", s.handleDeliverableGet)
			})
			auth.Post("/workflows/plan", s.handlePlan)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- shared plumbing ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeEngineError maps registry errors onto status codes: validation
// 400, unknown ids 404, state conflicts 409, anything else 500.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Message)
		return
	}
	if errors.Is(err, engine.ErrRunNotFound) || errors.Is(err, engine.ErrToolNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		writeError(w, http.StatusConflict, ce.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return fmt.Errorf("request body is required")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}
