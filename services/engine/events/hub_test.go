// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishReachesSubscribers(t *testing.T) {
	hub := NewHub(nil)

	a := hub.Subscribe()
	b := hub.Subscribe()
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Publish(map[string]any{"kind": "goal_created"})

	for _, sub := range []chan any{a, b} {
		select {
		case got := <-sub:
			event, ok := got.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "goal_created", event["kind"])
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(i)
	}

	// The queue holds at most subscriberBuffer events; the rest were
	// dropped without blocking Publish.
	assert.Len(t, sub, subscriberBuffer)
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe()
	require.Equal(t, 1, hub.SubscriberCount())

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount())

	hub.Publish("late")
	assert.Empty(t, sub)
}

func TestHubWebSocketStreaming(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)

	router := gin.New()
	router.GET("/v1/events/ws", hub.Handler())
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount() == 1
	}, time.Second, 10*time.Millisecond)

	hub.Publish(map[string]any{"kind": "step_completed", "step_id": "step-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "step_completed", got["kind"])
	assert.Equal(t, "step-1", got["step_id"])
}
