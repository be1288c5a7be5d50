package streamhub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishBroadcastsToConnectedClient(t *testing.T) {
	hub := New()
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.Stats()["connected_clients"].(int) == 1
	}, time.Second, time.Millisecond)

	hub.FetchBegin(42, "origin-a")

	var ev Event
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "fetch_begin", ev.Type)
	assert.Equal(t, uint64(42), ev.XID)
	assert.Equal(t, "origin-a", ev.Director)
}

func TestHub_UnregisterOnClientDisconnect(t *testing.T) {
	hub := New()
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.Stats()["connected_clients"].(int) == 1
	}, time.Second, time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return hub.Stats()["connected_clients"].(int) == 0
	}, time.Second, time.Millisecond)
}

func TestHub_ConvenienceMethodsShapeEventFields(t *testing.T) {
	hub := New()
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.Stats()["connected_clients"].(int) == 1
	}, time.Second, time.Millisecond)

	hub.Error(7, "backend timeout")

	var ev Event
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, "backend timeout", ev.Data["reason"])
}

func TestHub_StatsReportsZeroClientsWhenIdle(t *testing.T) {
	hub := New()
	stats := hub.Stats()
	assert.Equal(t, 0, stats["connected_clients"])
	assert.Equal(t, 0, stats["broadcast_queue"])
}
