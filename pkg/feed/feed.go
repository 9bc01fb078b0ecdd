// Package feed streams tank status to websocket clients.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	types "github.com/automatedhome/tank/pkg/types"
)

type client struct {
	conn net.Conn
	wmu  sync.Mutex
}

// write sends one text frame, giving up at the context deadline.
func (c *client) write(ctx context.Context, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	return wsutil.WriteServerText(c.conn, payload)
}

type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and keeps the connection until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.drain(c)
}

// drain discards everything the client sends and drops it on close or error.
// The feed is one-way, so pings are not answered.
func (h *Hub) drain(c *client) {
	defer h.remove(c)
	for {
		hdr, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}
		if _, err := io.CopyN(io.Discard, c.conn, hdr.Length); err != nil {
			return
		}
		if hdr.OpCode == ws.OpClose {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish sends status to every client. Clients that fail the write or do not
// accept it before the context deadline are dropped.
func (h *Hub) Publish(ctx context.Context, status types.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.write(ctx, payload); err != nil {
			log.Printf("Dropping websocket client %s: %v", c.conn.RemoteAddr(), err)
			h.remove(c)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.conn.Close()
	}
}
