// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/opencollab/sessionrelay/internal/middleware"
)

const (
	pingInterval = 54 * time.Second
	pongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts a *websocket.Conn to the Client interface, serializing
// concurrent writes the way the teacher's serveSession does with its own
// writeMu.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Router returns the HTTP handler exposing the client socket at /ws. Mount
// it under whatever path prefix the caller wants.
func (b *Bridge) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", b.serveClient)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	return router
}

func (b *Bridge) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn}
	b.RegisterClient(client)
	defer b.UnregisterClient(client)
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go b.pingLoop(ctx, client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.HandleClientMessage(ctx, client, data)
	}
}

func (b *Bridge) pingLoop(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
