package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readSnapshot(t *testing.T, ws *websocket.Conn) Snapshot {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var s Snapshot
	if err := ws.ReadJSON(&s); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	return s
}

func waitConnections(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", hub.Connections(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubBroadcastsToEveryDisplay(t *testing.T) {
	hub, srv := newTestHub(t)
	a := dial(t, srv)
	b := dial(t, srv)
	waitConnections(t, hub, 2)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub.Publish(Snapshot{State: "Active", Previous: "DoorOpen", Trigger: "game_active", Room: "3", At: at})

	for _, ws := range []*websocket.Conn{a, b} {
		got := readSnapshot(t, ws)
		if got.State != "Active" || got.Previous != "DoorOpen" || got.Trigger != "game_active" || got.Room != "3" || !got.At.Equal(at) {
			t.Errorf("snapshot = %+v", got)
		}
	}
}

func TestHubSendsLatestSnapshotOnConnect(t *testing.T) {
	hub, srv := newTestHub(t)
	early := dial(t, srv)
	waitConnections(t, hub, 1)

	hub.Publish(Snapshot{State: "FindServer", Trigger: "start_logic"})
	hub.Publish(Snapshot{State: "ConnectingToServer", Trigger: "server_found"})
	readSnapshot(t, early)
	if got := readSnapshot(t, early); got.State != "ConnectingToServer" {
		t.Fatalf("second snapshot = %+v", got)
	}

	late := dial(t, srv)
	if got := readSnapshot(t, late); got.State != "ConnectingToServer" {
		t.Errorf("late display got %+v, want latest snapshot", got)
	}
}

func TestHubForgetsClosedConnections(t *testing.T) {
	hub, srv := newTestHub(t)
	ws := dial(t, srv)
	waitConnections(t, hub, 1)

	ws.Close()
	waitConnections(t, hub, 0)
}

func TestHubStats(t *testing.T) {
	hub, srv := newTestHub(t)
	dial(t, srv)
	waitConnections(t, hub, 1)

	resp, err := http.Get(srv.URL + "/ws/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["total_connections"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(DefaultConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			hub.Publish(Snapshot{State: "Idle"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked without a running hub")
	}
}
