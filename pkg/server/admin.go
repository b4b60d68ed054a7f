package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/canvashub/pkg/serverlog"
)

const maxAdminBodySize = 1 << 20

// AdminHandler serves the admin API, /metrics and /health. Never expose
// it publicly.
func (s *Server) AdminHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAdmin)
	api.HandleFunc("/server", s.adminServerInfo).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.adminListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.adminSession)
	api.HandleFunc("/sessions/{id}/{path:.+}", s.adminSession)
	api.HandleFunc("/log", s.adminLog).Methods(http.MethodGet)
	return r
}

// HealthHandler reports that the server is up
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"sessions": s.registry.Count(),
	})
}

// requireAdmin checks HTTP basic auth when admin credentials are configured
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AdminUser == "" && s.config.AdminPassword == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.config.AdminUser)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(s.config.AdminPassword), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="canvashub"`)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"started":     s.startTime.UTC().Format(time.RFC3339),
		"sessions":    s.registry.Count(),
		"maxSessions": s.config.MaxSessions,
		"users":       s.registry.CountUsers(),
		"guests":      s.config.AllowGuests,
		"persistent":  s.config.Session.AllowPersistent,
	})
}

func (s *Server) adminListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Sessions()
	list := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		list = append(list, sess.Description(false))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) adminSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sess, ok := s.registry.Get(vars["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	method, ok := MethodFromHTTP(r.Method)
	if !ok {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read request body"})
		return
	}

	var path []string
	if p := vars["path"]; p != "" {
		path = strings.Split(strings.Trim(p, "/"), "/")
	}
	result := sess.CallJSONAPI(method, path, body)
	writeJSON(w, result.Status.HTTPStatus(), result.Body)
}

func (s *Server) adminLog(w http.ResponseWriter, r *http.Request) {
	q := serverlog.Query{Session: r.URL.Query().Get("session")}
	if after := r.URL.Query().Get("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "after must be an RFC 3339 timestamp"})
			return
		}
		q.After = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}

	entries := s.events.Query(q)
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.JSON(true))
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
