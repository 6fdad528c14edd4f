// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alicoding/studio-ai-sub007/pkg/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local trust domain; the socket is not exposed off-host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEnvelope is one event pushed to WebSocket clients.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsHub fans platform events out to connected WebSocket clients. Slow
// clients are dropped rather than allowed to stall the bus.
type wsHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan wsEnvelope
	once sync.Once
}

func newWSHub(logger *zap.Logger) *wsHub {
	return &wsHub{logger: logger, clients: make(map[*wsClient]bool)}
}

// watch subscribes the hub to every event family and forwards each
// event to all clients.
func (h *wsHub) watch(ctx context.Context, hub *events.Hub) {
	go pump(h, ctx, hub.Process.Subscribe(ctx), func(ev events.ProcessEvent) string { return ev.Name })
	go pump(h, ctx, hub.Agent.Subscribe(ctx), func(ev events.AgentEvent) string { return ev.Name })
	go pump(h, ctx, hub.Message.Subscribe(ctx), func(ev events.MessageEvent) string { return ev.Name })
	go pump(h, ctx, hub.Workflow.Subscribe(ctx), func(ev events.WorkflowEvent) string { return ev.Name })
	go pump(h, ctx, hub.Approval.Subscribe(ctx), func(ev events.ApprovalEvent) string { return ev.Name })
}

func pump[T any](h *wsHub, ctx context.Context, sub <-chan T, name func(T) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			h.broadcast(wsEnvelope{Event: name(ev), Data: ev})
		}
	}
}

// handle upgrades the connection and serves it until it drops.
func (h *wsHub) handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsEnvelope, wsSendBuffer)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *wsHub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer h.drop(client)

	for {
		select {
		case env, ok := <-client.send:
			if !ok {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; the socket is push-only but the
// read side must run to process control frames and detect closure.
func (h *wsHub) readLoop(client *wsClient) {
	defer h.drop(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) broadcast(env wsEnvelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- env:
		default:
			h.logger.Warn("dropping slow websocket client")
			h.dropLocked(client)
		}
	}
}

func (h *wsHub) drop(client *wsClient) {
	h.mu.Lock()
	h.dropLocked(client)
	h.mu.Unlock()
}

func (h *wsHub) dropLocked(client *wsClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.once.Do(func() {
		close(client.send)
		client.conn.Close()
	})
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.dropLocked(client)
	}
}
