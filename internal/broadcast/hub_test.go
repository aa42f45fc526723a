package broadcast_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labwatch/labwatch/internal/broadcast"
	"github.com/labwatch/labwatch/internal/model"

	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// publishUntil repeats the publish so the test does not depend on how fast
// the server side registers a freshly upgraded connection.
func publishUntil(hub *broadcast.Hub, done <-chan struct{}, event string, payload any) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		hub.Publish(context.Background(), event, payload)
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)

	done := make(chan struct{})
	defer close(done)
	go publishUntil(hub, done, "labOccupancyUpdate", model.OccupancyUpdate{
		LabID:            "lab-1",
		LabName:          "physics",
		PeopleCount:      5,
		OccupancyPercent: 25,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var event struct {
		Event   string                `json:"event"`
		Payload model.OccupancyUpdate `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &event))
	require.Equal(t, "labOccupancyUpdate", event.Event)
	require.Equal(t, "physics", event.Payload.LabName)
	require.Equal(t, 5, event.Payload.PeopleCount)
}

func TestBrokenClientIsDropped(t *testing.T) {
	t.Parallel()
	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	gone := dial(t, srv)
	require.NoError(t, gone.Close())

	alive := dial(t, srv)

	done := make(chan struct{})
	defer close(done)
	go publishUntil(hub, done, "detection", map[string]string{"hello": "world"})

	// the healthy client keeps receiving after the broken one is dropped
	require.NoError(t, alive.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := alive.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(raw), "detection")
}

func TestCloseDisconnectsClients(t *testing.T) {
	t.Parallel()
	hub := broadcast.NewHub()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
