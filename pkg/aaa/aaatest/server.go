// Package aaatest provides an in-memory AAA REST server for tests.
package aaatest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
)

// Request is a recorded call.
type Request struct {
	Method string
	Path   string
	Body   string
}

// Server fakes one AAA endpoint.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    map[string]*aaa.RemoteUser // by id
	sessions map[string]*aaa.RemoteSession
	requests []Request

	// Down makes every request fail with 503.
	Down bool
	// FailDelete makes session deletes fail with 500.
	FailDelete bool
	// FailPatch makes user patches fail with 500.
	FailPatch bool
}

// NewServer starts a fake endpoint.
func NewServer() *Server {
	s := &Server{
		users:    make(map[string]*aaa.RemoteUser),
		sessions: make(map[string]*aaa.RemoteSession),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Endpoint returns a config pointing at the server.
func (s *Server) Endpoint(name string) aaa.EndpointConfig {
	return aaa.EndpointConfig{Name: name, URL: s.URL, Username: "api", Password: "secret"}
}

// AddUser registers a user; the id defaults to the name.
func (s *Server) AddUser(name, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[name] = &aaa.RemoteUser{ID: name, Name: name, Group: group}
}

// AddSession registers an active session for user.
func (s *Server) AddSession(sess aaa.RemoteSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.ID] = &cp
}

// User returns a copy of a user by name.
func (s *Server) User(name string) (aaa.RemoteUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Name == name {
			return *u, true
		}
	}
	return aaa.RemoteUser{}, false
}

// HasSession reports whether user has an active session.
func (s *Server) HasSession(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.User == user {
			return true
		}
	}
	return false
}

// Requests returns the recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts recorded calls with the given method.
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Body: string(body)})

	if s.Down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	const userPrefix = "/user-manage/user/"
	const sessionPrefix = "/user-manage/session/"

	switch {
	case r.URL.Path == "/user-manage/user" && r.Method == http.MethodGet:
		list := make([]aaa.RemoteUser, 0, len(s.users))
		for _, u := range s.users {
			list = append(list, *u)
		}
		writeJSON(w, list)

	case strings.HasPrefix(r.URL.Path, userPrefix) && r.Method == http.MethodGet:
		name := strings.TrimPrefix(r.URL.Path, userPrefix)
		for _, u := range s.users {
			if u.Name == name {
				writeJSON(w, u)
				return
			}
		}
		http.NotFound(w, r)

	case strings.HasPrefix(r.URL.Path, userPrefix) && r.Method == http.MethodPatch:
		if s.FailPatch {
			http.Error(w, "patch failed", http.StatusInternalServerError)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, userPrefix)
		u, ok := s.users[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var patch aaa.UserPatch
		if err := json.Unmarshal(body, &patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if patch.Group != "" {
			u.Group = patch.Group
		}
		if patch.Name != "" {
			u.Name = patch.Name
		}
		w.WriteHeader(http.StatusNoContent)

	case r.URL.Path == "/user-manage/session" && r.Method == http.MethodGet:
		user := r.URL.Query().Get("user")
		list := make([]aaa.RemoteSession, 0)
		for _, sess := range s.sessions {
			if user == "" || sess.User == user {
				list = append(list, *sess)
			}
		}
		writeJSON(w, list)

	case strings.HasPrefix(r.URL.Path, sessionPrefix) && r.Method == http.MethodDelete:
		if s.FailDelete {
			http.Error(w, "delete failed", http.StatusInternalServerError)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, sessionPrefix)
		if _, ok := s.sessions[id]; !ok {
			http.NotFound(w, r)
			return
		}
		delete(s.sessions, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
