package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/coder/websocket"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Delivery
	ch  chan Delivery
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan Delivery, 64)}
}

func (s *recordingSink) Deliver(ctx context.Context, d Delivery) {
	s.mu.Lock()
	s.got = append(s.got, d)
	s.mu.Unlock()
	select {
	case s.ch <- d:
	case <-ctx.Done():
	}
}

func (s *recordingSink) next(t *testing.T) Delivery {
	t.Helper()
	select {
	case d := <-s.ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// newPushServer accepts one connection per request and writes frames to it.
func newPushServer(t *testing.T, frames []string, holdOpen bool) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var authHeader atomic.Value
	authHeader.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for _, f := range frames {
			if err := ws.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		if holdOpen {
			for {
				if _, _, err := ws.Read(context.Background()); err != nil {
					return
				}
			}
		}
		_ = ws.Close(websocket.StatusPolicyViolation, "project not found")
	}))
	t.Cleanup(srv.Close)
	return srv, &authHeader
}

type staticTokens string

func (s staticTokens) Token(context.Context) string { return string(s) }

func wsURL(srv *httptest.Server) func(string) string {
	return func(id string) string {
		return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + id
	}
}

func TestPushDeliversAndDropsMalformed(t *testing.T) {
	srv, auth := newPushServer(t, []string{
		`{"type":"status_snapshot","payload":{"status":"running"}}`,
		`not json`,
		`{"type":"heartbeat"}`,
		`{"type":"log_appended","message":"hello"}`,
	}, true)

	sink := newRecordingSink()
	p := NewPush(wsURL(srv), WithPushTokens(staticTokens("tok")))
	p.Open(context.Background(), "p1", 7, sink)
	defer p.Close()

	first := sink.next(t)
	if first.Source != SourcePush || first.Conn != 7 {
		t.Errorf("unexpected delivery tags %+v", first)
	}
	if _, ok := first.Event.(StatusEvent); !ok {
		t.Errorf("expected status event first, got %T", first.Event)
	}
	second := sink.next(t)
	if l, ok := second.Event.(LogEvent); !ok || l.Line != "hello" {
		t.Errorf("expected log event, got %+v", second.Event)
	}
	if got := auth.Load().(string); got != "Bearer tok" {
		t.Errorf("expected bearer handshake header, got %q", got)
	}
}

func TestPushCloseStopsDeliveries(t *testing.T) {
	srv, _ := newPushServer(t, []string{`{"type":"log_appended","message":"a"}`}, true)
	sink := newRecordingSink()
	p := NewPush(wsURL(srv))
	p.Open(context.Background(), "p1", 1, sink)
	sink.next(t)

	p.Close()
	if p.Active() {
		t.Error("expected no active connection after Close")
	}
	n := sink.count()
	time.Sleep(50 * time.Millisecond)
	if sink.count() != n {
		t.Error("delivery after Close")
	}
	p.Close()
}

func TestPushReleasesHandleOnServerClose(t *testing.T) {
	srv, _ := newPushServer(t, nil, false)
	p := NewPush(wsURL(srv))
	p.Open(context.Background(), "missing", 1, newRecordingSink())

	deadline := time.Now().Add(2 * time.Second)
	for p.Active() {
		if time.Now().After(deadline) {
			t.Fatal("handle not released after abnormal close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushOpenReplacesPrevious(t *testing.T) {
	srv, _ := newPushServer(t, []string{`{"type":"log_appended","message":"x"}`}, true)
	sink := newRecordingSink()
	p := NewPush(wsURL(srv))
	p.Open(context.Background(), "p1", 1, sink)
	if d := sink.next(t); d.Conn != 1 {
		t.Fatalf("expected conn 1, got %d", d.Conn)
	}
	p.Open(context.Background(), "p1", 2, sink)
	defer p.Close()
	if d := sink.next(t); d.Conn != 2 {
		t.Errorf("expected conn 2, got %d", d.Conn)
	}
}

type fakePuller struct {
	statusCalls atomic.Int32
	filesCalls  atomic.Int32
	statusErr   error
	filesErr    error
	block       chan struct{}
}

func (f *fakePuller) Status(ctx context.Context, _ string) (*backend.StatusResponse, error) {
	f.statusCalls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &backend.StatusResponse{Status: "running", PreviewURL: "/preview/p1/"}, nil
}

func (f *fakePuller) Files(context.Context, string) ([]domain.FileEntry, error) {
	f.filesCalls.Add(1)
	if f.filesErr != nil {
		return nil, f.filesErr
	}
	return []domain.FileEntry{{Path: "a.txt", UpdatedAt: "t1"}}, nil
}

func TestPollerPollsImmediately(t *testing.T) {
	src := &fakePuller{}
	sink := newRecordingSink()
	p := NewPoller(src, time.Hour, nil)
	p.Start(context.Background(), "p1", 3, sink)
	defer p.Stop()

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		d := sink.next(t)
		if d.Source != SourcePoll || d.Conn != 3 {
			t.Errorf("unexpected tags %+v", d)
		}
		seen[HeaderOf(d.Event).Type] = true
	}
	if !seen[TypeStatusSnapshot] || !seen[TypeFileListing] {
		t.Errorf("expected status and files, got %v", seen)
	}
}

func TestPollerFailureDoesNotBlockOther(t *testing.T) {
	src := &fakePuller{statusErr: errors.New("boom")}
	sink := newRecordingSink()
	p := NewPoller(src, time.Hour, nil)
	p.Start(context.Background(), "p1", 1, sink)
	defer p.Stop()

	d := sink.next(t)
	if _, ok := d.Event.(FileListingEvent); !ok {
		t.Errorf("expected file listing despite status failure, got %T", d.Event)
	}
}

func TestPollerRepeatsAndStops(t *testing.T) {
	src := &fakePuller{}
	sink := newRecordingSink()
	p := NewPoller(src, 10*time.Millisecond, nil)
	p.Start(context.Background(), "p1", 1, sink)

	deadline := time.Now().Add(2 * time.Second)
	for src.filesCalls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("poller did not repeat")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()
	if p.Running() {
		t.Error("expected poller stopped")
	}
	n := sink.count()
	time.Sleep(40 * time.Millisecond)
	if sink.count() != n {
		t.Error("delivery after Stop")
	}
	p.Stop()
}

func TestPollerStopInterruptsCycle(t *testing.T) {
	src := &fakePuller{block: make(chan struct{})}
	p := NewPoller(src, time.Hour, nil)
	p.Start(context.Background(), "p1", 1, newRecordingSink())

	for src.statusCalls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on in-flight poll")
	}
}

// warnCounter is a slog.Handler that counts warnings by message.
type warnCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (h *warnCounter) Enabled(context.Context, slog.Level) bool { return true }

func (h *warnCounter) Handle(_ context.Context, r slog.Record) error {
	if r.Level != slog.LevelWarn {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counts == nil {
		h.counts = make(map[string]int)
	}
	h.counts[r.Message]++
	return nil
}

func (h *warnCounter) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *warnCounter) WithGroup(string) slog.Handler      { return h }

func (h *warnCounter) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[msg]
}

func TestPollerLogsOncePerOutage(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		fail func(f *fakePuller, err error)
	}{
		{"status", "Status poll failed", func(f *fakePuller, err error) { f.statusErr = err }},
		{"files", "File listing poll failed", func(f *fakePuller, err error) { f.filesErr = err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &warnCounter{}
			src := &fakePuller{}
			p := NewPoller(src, time.Hour, slog.New(logs))
			sink := newRecordingSink()
			ctx := context.Background()

			tt.fail(src, errors.New("backend down"))
			for i := 0; i < 5; i++ {
				p.pollOnce(ctx, "p1", sink)
			}
			if got := logs.count(tt.msg); got != 1 {
				t.Fatalf("warnings during first outage = %d, want 1", got)
			}

			tt.fail(src, nil)
			p.pollOnce(ctx, "p1", sink)
			if got := logs.count(tt.msg); got != 1 {
				t.Fatalf("warnings after recovery = %d, want 1", got)
			}

			tt.fail(src, errors.New("backend down again"))
			p.pollOnce(ctx, "p1", sink)
			p.pollOnce(ctx, "p1", sink)
			if got := logs.count(tt.msg); got != 2 {
				t.Errorf("warnings after second outage = %d, want 2", got)
			}
		})
	}
}

func TestPollerRekeyTagsLaterCycles(t *testing.T) {
	src := &fakePuller{}
	sink := newRecordingSink()
	p := NewPoller(src, time.Hour, nil)
	p.Start(context.Background(), "p1", 4, sink)
	defer p.Stop()

	for i := 0; i < 2; i++ {
		if d := sink.next(t); d.Conn != 4 {
			t.Fatalf("first cycle conn = %d, want 4", d.Conn)
		}
	}

	p.Rekey(5)
	p.pollOnce(context.Background(), "p1", sink)
	for i := 0; i < 2; i++ {
		if d := sink.next(t); d.Conn != 5 {
			t.Errorf("re-keyed cycle conn = %d, want 5", d.Conn)
		}
	}
	if !p.Running() || src.statusCalls.Load() != 2 {
		t.Errorf("expected the loop to keep running without a restart poll, status calls = %d", src.statusCalls.Load())
	}
}
