package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tomoon_nexus/internal/shared/settings"
)

func TestHub_OnSettingsUpdateQueuesMessage(t *testing.T) {
	h := NewHub()
	s := settings.Default()
	s.Dashboard = "metacubexd"

	if err := h.OnSettingsUpdate(s); err != nil {
		t.Fatalf("OnSettingsUpdate returned error: %v", err)
	}

	select {
	case raw := <-h.broadcast:
		var msg struct {
			Type string            `json:"type"`
			Data settings.Settings `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Invalid message: %v", err)
		}
		if msg.Type != "settings_update" || msg.Data.Dashboard != "metacubexd" {
			t.Errorf("Unexpected message: %s", raw)
		}
	default:
		t.Fatal("Expected a queued message")
	}
}

func TestHub_FullChannelDoesNotBlock(t *testing.T) {
	h := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(h.broadcast)+5; i++ {
			h.BroadcastStatusUpdate()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BroadcastStatusUpdate blocked without a running hub")
	}
}

func TestServeWs_ReceivesBroadcast(t *testing.T) {
	h := NewHub()
	go h.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(h, w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.BroadcastStatusUpdate()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if !strings.Contains(string(raw), `"status_update"`) {
		t.Errorf("Unexpected message: %s", raw)
	}
}
