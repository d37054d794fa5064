package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestClientSubscribesAndStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub map[string]any
		if err := json.Unmarshal(data, &sub); err == nil {
			subCh <- sub
		}
		for _, frame := range []string{`{"type":"ticker","n":1}`, `{"type":"ticker","n":2}`} {
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 0, zap.NewNop())
	if err := client.Subscribe(ctx, map[string]any{"type": "subscribe"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var frames []json.RawMessage
	err := client.Run(ctx, func(msg json.RawMessage) {
		frames = append(frames, append(json.RawMessage(nil), msg...))
	})
	if err != nil {
		t.Fatalf("expected normal closure to return nil, got %v", err)
	}
	select {
	case sub := <-subCh:
		if sub["type"] != "subscribe" {
			t.Fatalf("expected subscribe message, got %v", sub)
		}
	default:
		t.Fatalf("server never saw the subscription")
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !strings.Contains(string(frames[1]), `"n":2`) {
		t.Fatalf("frames out of order: %s", frames[1])
	}
}

func TestClientRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 10*time.Millisecond, zap.NewNop())
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx, nil) }()
	time.Sleep(50 * time.Millisecond)
	runCancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for Run to return")
	}
}
