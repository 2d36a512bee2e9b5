// Package web serves the browser client, the JSON account endpoints,
// and the websocket upgrade path.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"familycalendar/internal/auth"
	"familycalendar/internal/config"
	"familycalendar/internal/hub"
	"familycalendar/internal/supervisor"
	"familycalendar/internal/ws"
)

//go:embed assets
var assetsFS embed.FS

// Deps is everything the server needs from the rest of the process.
type Deps struct {
	Cfg      *config.Config
	Auth     *auth.Service
	Hub      *hub.Hub
	Registry *hub.Registry
	Log      zerolog.Logger
}

type Server struct {
	deps     Deps
	upgrader websocket.Upgrader

	// base is the running task's context. Sessions inherit it so a
	// server shutdown reaches hijacked websocket connections, which
	// the request context never covers.
	mu   sync.Mutex
	base context.Context
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The browser client is served from this same origin;
			// anything else is rejected by the default origin check.
		},
	}
}

// Task returns the long-lived job running the HTTP listener. The
// server shuts down gracefully when ctx is cancelled; a listener error
// before that is fatal and reported upward.
func (s *Server) Task() supervisor.Task {
	return func(ctx context.Context) error {
		s.mu.Lock()
		s.base = ctx
		s.mu.Unlock()

		addr := net.JoinHostPort(s.deps.Cfg.Network.Interface,
			fmt.Sprintf("%d", s.deps.Cfg.Network.Port))

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("web: listen %s: %w", addr, err)
		}
		s.logListenAddress(ln.Addr())

		srv := &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("web: serve: %w", err)
		}
	}
}

// logListenAddress tells the admin how exposed the server is. Binding
// something non-loopback on a fresh install deserves a loud line.
func (s *Server) logListenAddress(addr net.Addr) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		s.deps.Log.Info().Stringer("addr", addr).Msg("listening")
		return
	}
	evt := s.deps.Log.Info().Stringer("addr", tcp)
	switch {
	case tcp.IP.IsLoopback():
		evt.Str("reach", "this machine only")
	case tcp.IP.IsUnspecified():
		evt.Str("reach", "all interfaces, including public ones")
	case tcp.IP.IsPrivate():
		evt.Str("reach", "local network")
	default:
		evt.Str("reach", "public address")
	}
	evt.Msg("listening")
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAsset("assets/index.html", "text/html; charset=utf-8"))
	mux.HandleFunc("/main.js", s.handleAsset("assets/main.js", "text/javascript; charset=utf-8"))
	mux.HandleFunc("/style.css", s.handleAsset("assets/style.css", "text/css; charset=utf-8"))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/salt", s.handleSalt)
	mux.HandleFunc("/api/change-password", s.handleChangePassword)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleAsset(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if name == "assets/index.html" && r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		b, err := assetsFS.ReadFile(name)
		if err != nil {
			http.Error(w, "asset missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(b)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.deps.Registry.Count(),
	})
}

type credentialsRequest struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Salt         string `json:"salt,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := s.deps.Auth.Register(r.Context(), req.Username, req.PasswordHash, req.Salt); err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "username taken", http.StatusConflict)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token, err := s.deps.Auth.Authenticate(r.Context(), req.Username, req.PasswordHash)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	case errors.Is(err, auth.ErrRateLimited):
		http.Error(w, "too many attempts", http.StatusTooManyRequests)
	default:
		// Wrong user and wrong password answer identically.
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}
}

func (s *Server) handleSalt(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}
	salt, err := s.deps.Auth.Salt(r.Context(), username)
	if err != nil {
		// An unknown user still gets a 404; usernames are not secret
		// in a household deployment and the client needs the signal.
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"salt": salt})
}

type changePasswordRequest struct {
	Username string `json:"username"`
	OldHash  string `json:"old_hash"`
	NewHash  string `json:"new_hash"`
	NewSalt  string `json:"new_salt"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.deps.Auth.ChangePassword(r.Context(),
		req.Username, req.OldHash, req.NewHash, req.NewSalt); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// handleWS authenticates, upgrades, and hands the connection to a
// session that runs until the peer leaves.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cfg.Auth.RequireLogin {
		if _, err := s.deps.Auth.Validate(bearerToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx == nil {
		ctx = r.Context()
	}
	ws.New(conn, s.deps.Hub, s.deps.Registry, s.deps.Log).Run(ctx)
}

// bearerToken pulls the session token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token
// query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
