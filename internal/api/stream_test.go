package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/appbuilder/internal/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

func readSnapshot(ctx context.Context, t *testing.T, ws *websocket.Conn) session.Snapshot {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return snap
}

func TestStreamPushesSnapshotOnUpdate(t *testing.T) {
	sess := &fakeSession{snap: session.Snapshot{ProjectID: "p1"}}
	hub := NewHub()
	updates := make(chan struct{}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go hub.Run(ctx, updates)

	r := chi.NewRouter()
	NewStreamHandler(sess, hub, nil).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	if snap := readSnapshot(ctx, t, ws); snap.ProjectID != "p1" {
		t.Fatalf("initial snapshot project = %q", snap.ProjectID)
	}

	for hub.Watchers() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sess.mu.Lock()
	sess.snap.ProjectID = "p2"
	sess.mu.Unlock()
	updates <- struct{}{}

	if snap := readSnapshot(ctx, t, ws); snap.ProjectID != "p2" {
		t.Errorf("updated snapshot project = %q", snap.ProjectID)
	}
}

func TestHubBroadcastCoalesces(t *testing.T) {
	hub := NewHub()
	id, ch := hub.subscribe()

	hub.broadcast()
	hub.broadcast()

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	hub.unsubscribe(id)
	if hub.Watchers() != 0 {
		t.Errorf("watchers = %d, want 0", hub.Watchers())
	}
}
