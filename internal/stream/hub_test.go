package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"iot-analytics/internal/models"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc, string) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, cancel, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_NotifyAnomalies(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	batch := models.AnomalyBatch{
		BatchID: "batch-1",
		Anomalies: []models.AnomalyRecord{
			{DeviceID: "dev-1", Metric: "temperature", Value: 100, ZScore: 3, Timestamp: time.Date(2026, 10, 18, 11, 0, 0, 0, time.UTC)},
		},
	}
	if err := hub.NotifyAnomalies(context.Background(), batch); err != nil {
		t.Fatalf("NotifyAnomalies: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var msg struct {
		Type    string              `json:"type"`
		Payload models.AnomalyBatch `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != "anomalies" || msg.Payload.BatchID != "batch-1" || len(msg.Payload.Anomalies) != 1 {
		t.Errorf("message = %+v", msg)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_StoppedAfterCancel(t *testing.T) {
	hub, cancel, url := startHub(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	cancel()

	// хаб закрывает соединения клиентов
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := hub.Broadcast(context.Background(), Message{Type: "ping"})
		if errors.Is(err, ErrHubStopped) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrHubStopped, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 0 {
		t.Errorf("clients = %d after stop", hub.Clients())
	}
}
