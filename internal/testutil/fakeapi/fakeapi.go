// Package fakeapi is an in-process GraphQL endpoint for tests.
package fakeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Call is one recorded request.
type Call struct {
	Op     string
	Auth   string
	Header http.Header
	Vars   map[string]any
}

// Response is what a handler answers with.
type Response struct {
	Status  int
	Data    any
	Errors  []map[string]any
	Raw     string
	Cookies []*http.Cookie
}

// Handler answers one operation.
type Handler func(c Call) Response

// Server records calls and dispatches them by operation name.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
}

// New starts a server closed with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{handlers: map[string]Handler{}}
	r := chi.NewRouter()
	r.Post("/graphql", s.serveGraphQL)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Endpoint is the GraphQL URL.
func (s *Server) Endpoint() string { return s.URL + "/graphql" }

// Handle registers h for op.
func (s *Server) Handle(op string, h Handler) {
	s.mu.Lock()
	s.handlers[op] = h
	s.mu.Unlock()
}

// Calls returns the recorded calls of op, or all calls when op is empty.
func (s *Server) Calls(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (s *Server) Count(op string) int { return len(s.Calls(op)) }

func (s *Server) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query         string         `json:"query"`
		OperationName string         `json:"operationName"`
		Variables     map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	c := Call{Op: body.OperationName, Auth: r.Header.Get("Authorization"), Header: r.Header.Clone(), Vars: body.Variables}

	s.mu.Lock()
	s.calls = append(s.calls, c)
	h := s.handlers[c.Op]
	s.mu.Unlock()

	if h == nil {
		writeJSON(w, http.StatusOK, map[string]any{"errors": []map[string]any{{"message": "no handler for " + c.Op}}})
		return
	}
	resp := h(c)
	for _, ck := range resp.Cookies {
		http.SetCookie(w, ck)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if resp.Raw != "" {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Raw))
		return
	}
	out := map[string]any{}
	if resp.Data != nil {
		out["data"] = resp.Data
	}
	if len(resp.Errors) > 0 {
		out["errors"] = resp.Errors
	}
	writeJSON(w, status, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data answers with a data payload.
func Data(v any) Response { return Response{Data: v} }

// Fail answers with one GraphQL error carrying code.
func Fail(code, message string) Response {
	return Response{Errors: []map[string]any{{"message": message, "extensions": map[string]any{"code": code}}}}
}

// FailTerminal answers with a GraphQL error the server marks as not recoverable.
func FailTerminal(code, message string) Response {
	return Response{Errors: []map[string]any{{
		"message":    message,
		"extensions": map[string]any{"code": code, "recoverable": false},
	}}}
}

// Status answers with a bare HTTP status.
func Status(code int) Response { return Response{Status: code, Raw: http.StatusText(code)} }

// Mint returns an HS256 JWT whose exp claim is exp.
func Mint(t testing.TB, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

// User is a wire user with the given roles.
func User(id, email string, roles ...string) map[string]any {
	rs := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		rs = append(rs, map[string]any{"name": r})
	}
	return map[string]any{
		"id":              id,
		"email":           email,
		"firstName":       "Grace",
		"lastName":        "Hopper",
		"roles":           rs,
		"organisationId":  "org-1",
		"branches":        []map[string]any{{"branchId": "b-1", "branchName": "Central", "role": "member"}},
		"isActive":        true,
		"isEmailVerified": true,
		"createdAt":       "2025-01-01T00:00:00Z",
		"updatedAt":       "2025-01-02T00:00:00Z",
	}
}

// AuthPayload is a wire login payload.
func AuthPayload(access, refresh string, user map[string]any) map[string]any {
	return map[string]any{
		"accessToken":      access,
		"refreshToken":     refresh,
		"expiresIn":        900,
		"refreshExpiresIn": 604800,
		"user":             user,
	}
}
