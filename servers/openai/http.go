package openai

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/openai-mcp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "openai-mcp-bridge"

// Router is the HTTP surface of the SSE variant: a public health check and the MCP SSE
// endpoints behind a bearer token gate.
type Router struct {
	token  string
	sse    mcp.SSEServer
	logger *slog.Logger
	mux    *chi.Mux
}

// NewRouter mounts sse on /sse and /message, both requiring "Authorization: Bearer <token>".
func NewRouter(sse mcp.SSEServer, token string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		token:  token,
		sse:    sse,
		logger: logger.With(slog.String("component", "http")),
		mux:    chi.NewRouter(),
	}

	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.RealIP)
	r.mux.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(r.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.mux.Use(middleware.Recoverer)

	r.mux.Get("/health", r.handleHealth)

	r.mux.Group(func(g chi.Router) {
		g.Use(r.auth)
		// The event stream stays open for the whole session, so it gets no timeout.
		g.Method(http.MethodGet, "/sse", sse.HandleSSE())
		g.With(middleware.Timeout(30*time.Second)).Method(http.MethodPost, "/message", sse.HandleMessage())
	})

	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		want := "Bearer " + r.token
		got := req.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			r.logger.Warn("rejected request",
				slog.String("path", req.URL.Path),
				slog.String("err", ErrUnauthorized.Error()))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
