package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kaungkhant-thar/chat-app/internal/auth"
	"github.com/kaungkhant-thar/chat-app/internal/config"
	"github.com/kaungkhant-thar/chat-app/internal/metrics"
	"github.com/kaungkhant-thar/chat-app/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the HTTP shell around the signaling hub: health and version
// endpoints, metrics, the ICE server hand-out and the /ws upgrade route.
type Server struct {
	log      *slog.Logger
	cfg      config.Config
	build    BuildInfo
	verifier auth.Verifier
	metrics  *metrics.Metrics

	// mintTURN returns fresh coturn REST credentials for the user; nil when no
	// TURN REST secret is configured.
	mintTURN func(userID string) (turnrest.Credentials, error)

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

// Options carries the collaborators wired in by main.
type Options struct {
	Build   BuildInfo
	Hub     http.Handler
	Metrics *metrics.Metrics
}

func New(cfg config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:      logger,
		cfg:      cfg,
		build:    opts.Build,
		verifier: verifier,
		metrics:  opts.Metrics,
		mux:      http.NewServeMux(),
	}

	if cfg.TURNRESTSecret != "" {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNRESTSecret,
			TTLSeconds:     int64(cfg.TURNRESTTTL / time.Second),
			UsernamePrefix: cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
		s.mintTURN = gen.Generate
	}

	s.registerRoutes(opts)

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: /ws is a long-lived upgraded connection.
	}

	return s, nil
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes(opts Options) {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(opts.Metrics))
	}

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICEServers))

	if opts.Hub != nil {
		s.mux.Handle("GET /ws", opts.Hub)
	}
}

// handleICEServers hands out the configured ICE servers. When a TURN REST
// secret is configured, TURN entries get per-user credentials minted for the
// authenticated caller, so the endpoint requires a valid bearer token in that
// mode.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		// Non-nil so the JSON response encodes as [] rather than null.
		servers = []webrtc.ICEServer{}
	}

	if s.mintTURN != nil {
		var userID string
		token, err := auth.TokenFromRequest(r)
		if err == nil {
			var identity auth.Identity
			identity, err = s.verifier.Verify(token)
			userID = identity.UserID
		}
		if err != nil {
			if s.metrics != nil {
				s.metrics.Inc(metrics.AuthFailures)
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "valid bearer token required")
			return
		}

		creds, err := s.mintTURN(userID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to mint TURN credentials")
			return
		}
		if s.metrics != nil {
			s.metrics.Inc(metrics.TURNCredentialsMinted)
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
		WriteJSON(w, http.StatusOK, map[string]any{
			"iceServers": servers,
			"ttl":        int64(s.cfg.TURNRESTTTL / time.Second),
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, httpErrorResponse{Code: code, Message: message})
}
