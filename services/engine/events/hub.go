// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events streams engine audit events to WebSocket subscribers.
//
// The hub fans published events out to every connected client. Slow
// clients drop events rather than block the engine.
package events

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// subscriberBuffer is the per-client event queue. Events beyond it
	// are dropped for that client.
	subscriberBuffer = 64

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// Hub fans out engine events to WebSocket subscribers.
//
// Thread Safety: all methods are safe for concurrent use.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[chan any]struct{}
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With(slog.String("component", "event_hub")),
		subs:   make(map[chan any]struct{}),
	}
}

// Publish sends an event to every subscriber. Subscribers with full
// queues miss the event.
func (h *Hub) Publish(event any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new event queue. The caller must Unsubscribe it.
func (h *Hub) Subscribe() chan any {
	ch := make(chan any, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a queue registered with Subscribe.
func (h *Hub) Unsubscribe(ch chan any) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Handler upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error("websocket upgrade failed", slog.Any("error", err))
			return
		}
		defer ws.Close()

		sub := h.Subscribe()
		defer h.Unsubscribe(sub)
		h.logger.Info("event subscriber connected", slog.String("remote", ws.RemoteAddr().String()))

		// Reply to pings and notice disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				h.logger.Info("event subscriber disconnected")
				return
			case event := <-sub:
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(event); err != nil {
					h.logger.Info("event subscriber write failed", slog.Any("error", err))
					return
				}
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
