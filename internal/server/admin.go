package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/1ureka/vlessgate/internal/directory"
	"github.com/1ureka/vlessgate/internal/util"
)

// reply is the success envelope of the admin API.
type reply struct {
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// failure is the error envelope.
type failure struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, failure{Message: msg})
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, reply{Message: "success", Data: data})
}

// admin guards next with the rate limiter and the API token.
func (s *Server) admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		if !s.authorized(r) {
			util.LogWarning("unauthorized admin call %s %s from %s", r.Method, r.URL.Path, clientIP(r))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized accepts the token in a "token" header or as a bearer token.
// With no token configured every call is rejected.
func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.APIToken
	if want == "" {
		return false
	}

	got := r.Header.Get("token")
	if got == "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			got = strings.TrimSpace(token)
		}
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var a directory.Account
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&a); err != nil {
		writeError(w, http.StatusServiceUnavailable, "invalid request body: "+err.Error())
		return
	}

	added, err := s.store.Add(a)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	util.LogInfo("user %s (%s) added, expires %s", added.ID, added.Email, added.ExpiresAt.Format("2006-01-02 15:04"))
	writeOK(w, added)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("uuid"))
	if id == "" {
		writeError(w, http.StatusServiceUnavailable, "User not found")
		return
	}

	removed, err := s.store.Delete(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if removed {
		util.LogInfo("user %s removed", id)
	}
	writeOK(w, map[string]bool{"removed": removed})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeOK(w, s.store.List())
}
