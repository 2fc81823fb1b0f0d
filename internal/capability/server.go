// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package capability implements the loopback-bound callback endpoint a
// child process dials back into to request tool-execution permission. It
// correlates requests to the session that owns the connection, times out
// idle waits, and leaves delivery of the request to a client (and the
// eventual response) to its owner via callbacks.
//
// Grounded on the teacher's WebSocket wiring in
// internal/api/handlers/claude.go/terminal.go (gorilla/websocket duplex
// connections, gorilla/mux path-variable routing) adapted from a UI-facing
// socket to a child-facing one.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/opencollab/sessionrelay/internal/middleware"
)

// DefaultTimeout is the permission round-trip wall-clock budget.
const DefaultTimeout = 30 * time.Second

// Request is the shape the child sends to ask permission for one tool
// invocation.
type Request struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
}

// Response is the shape delivered back to the child.
type Response struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	RequestID string         `json:"requestId"`
	Response  PermissionBody `json:"response"`
}

// PermissionBody is the decision payload: either an allow (optionally with
// an edited input and a session-scoped allowance the client wants
// persisted) or a deny.
type PermissionBody struct {
	Behavior        string          `json:"behavior"` // "allow" | "deny"
	UpdatedInput    json.RawMessage `json:"updatedInput,omitempty"`
	AllowForSession bool            `json:"allowForSession,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// Deny builds the synthesized-deny body the server sends on timeout or
// disconnect.
func Deny(message string) PermissionBody {
	return PermissionBody{Behavior: "deny", Message: message}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type pendingEntry struct {
	conn   *websocket.Conn
	timer  *time.Timer
	cancel func()
}

// Server is the capability callback endpoint.
type Server struct {
	Addr    string
	Timeout time.Duration

	// OnPermissionRequest is invoked for every inbound permission_request;
	// the caller routes it to the session's client listener.
	OnPermissionRequest func(req Request)
	// OnTimeout is invoked when a pending request's wall-clock budget
	// expires with no response.
	OnTimeout func(sessionID, requestID string)
	// OnDisconnect is invoked when a child connection drops with pending
	// requests still outstanding.
	OnDisconnect func(sessionID string, pendingRequestIDs []string)

	httpServer *http.Server

	mu      sync.Mutex
	pending map[string]*pendingEntry // requestID -> entry
	byConn  map[*websocket.Conn]map[string]struct{}
	connSID map[*websocket.Conn]string
}

// New returns a Server bound to addr (host:port, typically 127.0.0.1:0).
func New(addr string, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Server{
		Addr:    addr,
		Timeout: timeout,
		pending: make(map[string]*pendingEntry),
		byConn:  make(map[*websocket.Conn]map[string]struct{}),
		connSID: make(map[*websocket.Conn]string),
	}
	return s
}

// Start begins listening. It blocks until ctx is cancelled or the server
// fails to serve.
func (s *Server) Start(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/capability/{sessionId}", s.handleConn)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)

	s.httpServer = &http.Server{Addr: s.Addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = s.httpServer.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("capability: upgrade: %v", err)
		return
	}

	s.mu.Lock()
	s.byConn[conn] = make(map[string]struct{})
	s.connSID[conn] = sessionID
	s.mu.Unlock()

	defer s.handleDisconnect(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("capability: malformed request: %v", err)
			continue
		}
		if req.Type != "permission_request" {
			continue
		}
		req.SessionID = sessionID
		s.trackPending(conn, req)
		if s.OnPermissionRequest != nil {
			s.OnPermissionRequest(req)
		}
	}
}

func (s *Server) trackPending(conn *websocket.Conn, req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.AfterFunc(s.Timeout, func() {
		s.resolveTimeout(req.SessionID, req.RequestID)
	})
	s.pending[req.RequestID] = &pendingEntry{conn: conn, timer: timer}
	s.byConn[conn][req.RequestID] = struct{}{}
}

// Respond delivers a client's decision to the child connection waiting on
// requestID, then clears the pending entry. Returns an error if no pending
// request matches (already resolved, or the child disconnected).
func (s *Server) Respond(sessionID, requestID string, body PermissionBody) error {
	s.mu.Lock()
	entry, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
		if conns, ok := s.byConn[entry.conn]; ok {
			delete(conns, requestID)
		}
		entry.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("capability: no pending request %q", requestID)
	}

	resp := Response{Type: "permission_response", SessionID: sessionID, RequestID: requestID, Response: body}
	return entry.conn.WriteJSON(resp)
}

func (s *Server) resolveTimeout(sessionID, requestID string) {
	s.mu.Lock()
	entry, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
		if conns, ok := s.byConn[entry.conn]; ok {
			delete(conns, requestID)
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	resp := Response{Type: "permission_response", SessionID: sessionID, RequestID: requestID, Response: Deny("permission request timed out")}
	if err := entry.conn.WriteJSON(resp); err != nil {
		log.Printf("capability: write timeout deny: %v", err)
	}
	if s.OnTimeout != nil {
		s.OnTimeout(sessionID, requestID)
	}
}

func (s *Server) handleDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	sessionID := s.connSID[conn]
	var pendingIDs []string
	for reqID := range s.byConn[conn] {
		pendingIDs = append(pendingIDs, reqID)
		if entry, ok := s.pending[reqID]; ok {
			entry.timer.Stop()
			delete(s.pending, reqID)
		}
	}
	delete(s.byConn, conn)
	delete(s.connSID, conn)
	s.mu.Unlock()

	_ = conn.Close()

	if len(pendingIDs) > 0 && s.OnDisconnect != nil {
		s.OnDisconnect(sessionID, pendingIDs)
	}
}
