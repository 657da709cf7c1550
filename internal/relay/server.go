package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"tetatet/internal/auth"
	"tetatet/internal/models"

	"github.com/gorilla/websocket"
)

// Server exposes the relay over HTTP: credential endpoints plus the
// /api/sync websocket carrying the realtime protocol.
type Server struct {
	auth     *auth.Service
	hub      *Hub
	logger   *slog.Logger
	upgrader *websocket.Upgrader
	server   *http.Server
	wg       sync.WaitGroup
}

func NewServer(authService *auth.Service, hub *Hub, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		auth:   authService,
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", postOnly(s.registerHandler))
	mux.HandleFunc("/api/login", postOnly(s.loginHandler))
	mux.HandleFunc("/api/logoff", postOnly(s.logoffHandler))
	mux.HandleFunc("/api/sync", s.syncHandler)

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Handler exposes the mux so the relay can be mounted on an existing
// listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start() error {
	s.logger.Info("relay started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Register(req.Name, req.Email, req.Password)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	s.hub.AddUser(user)
	writeJSON(w, models.AuthResponse{Success: true, Token: token, User: &user})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		writeAuthFailure(w, err)
		return
	}

	writeJSON(w, models.AuthResponse{Success: true, Token: token, User: &user})
}

func (s *Server) logoffHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.auth.Logoff(token); err != nil {
		s.logger.Error("logoff failed", "error", err)
	}
	writeJSON(w, models.AuthResponse{Success: true})
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := s.auth.GetUserID(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, userID)
	if err := conn.Handle(r.Context()); err != nil {
		s.logger.Info("sync connection closed", "user_id", userID, "error", err)
	}
}

// postOnly backports the "POST /path" ServeMux method patterns used above,
// which need Go 1.22: anything but POST gets 405 with an Allow header, as
// the 1.22 mux would respond.
func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeAuthFailure(w http.ResponseWriter, err error) {
	code := auth.CodeInternal
	status := http.StatusUnauthorized
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		code = authErr.Code
		if code == auth.CodeThrottled {
			status = http.StatusTooManyRequests
		}
	} else {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.AuthResponse{Success: false, Code: code})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
