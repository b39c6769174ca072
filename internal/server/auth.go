package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken guards mutating requests with the admin token, read from
// an Authorization bearer header or the token query param. Reads and
// preflights pass through, as does everything when no token is set.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		s.checkToken(w, r, next)
	})
}

// requireTokenForReads guards every method. The stream carries user ids,
// so it is not readable anonymously; browsers pass the token as a query
// param since they cannot set headers on a websocket handshake.
func (s *Server) requireTokenForReads(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.checkToken(w, r, next)
	})
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if s.token == "" {
		next.ServeHTTP(w, r)
		return
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": errorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"},
		})
		return
	}
	next.ServeHTTP(w, r)
}
