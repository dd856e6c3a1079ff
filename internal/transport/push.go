package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// maxFrameSize bounds a single push frame. Snapshots replay history, and tool
// inputs can carry whole files.
const maxFrameSize = 4 << 20

// TokenSource supplies the bearer token for the handshake; "" means none.
type TokenSource interface {
	Token(ctx context.Context) string
}

// Push is the WebSocket push channel. At most one connection is live at a time.
type Push struct {
	urlFor     func(projectID string) string
	tokens     TokenSource
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// PushOption configures a Push.
type PushOption func(*Push)

// WithPushTokens sets the bearer token source for the handshake.
func WithPushTokens(ts TokenSource) PushOption { return func(p *Push) { p.tokens = ts } }

// WithPushHTTPClient sets the HTTP client used for the handshake.
func WithPushHTTPClient(hc *http.Client) PushOption { return func(p *Push) { p.httpClient = hc } }

// WithPushLogger sets the logger.
func WithPushLogger(l *slog.Logger) PushOption { return func(p *Push) { p.logger = l } }

// NewPush creates a push channel that connects to urlFor(projectID).
func NewPush(urlFor func(projectID string) string, opts ...PushOption) *Push {
	p := &Push{urlFor: urlFor, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Open closes any previous connection and connects to projectID in the
// background. Every decoded event is passed to sink tagged with conn.
func (p *Push) Open(ctx context.Context, projectID string, conn uint64, sink Sink) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	stop(prevCancel, prevDone)
	go p.run(runCtx, cancel, done, projectID, conn, sink)
}

// Close tears down the live connection, if any, and waits for its reader to exit.
// After Close returns no further deliveries are made from that connection.
func (p *Push) Close() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	stop(cancel, done)
}

// Active reports whether a connection is open or being opened.
func (p *Push) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

func stop(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// release clears the handle if it still belongs to the connection that owns done,
// so a later Open never tries to reuse a dead socket.
func (p *Push) release(done chan struct{}) {
	p.mu.Lock()
	if p.done == done {
		p.cancel, p.done = nil, nil
	}
	p.mu.Unlock()
}

func (p *Push) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, projectID string, conn uint64, sink Sink) {
	defer close(done)
	defer cancel()
	defer p.release(done)

	target := p.urlFor(projectID)
	opts := &websocket.DialOptions{HTTPClient: p.httpClient}
	if p.tokens != nil {
		if tok := p.tokens.Token(ctx); tok != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
	}

	ws, _, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("Push channel failed to connect", "project_id", projectID, "url", target, "error", err)
		}
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "channel closed"); closeErr != nil {
			p.logger.Debug("Failed to close push channel", "project_id", projectID, "error", closeErr)
		}
	}()
	ws.SetReadLimit(maxFrameSize)

	p.logger.Info("Push channel connected", "project_id", projectID)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			p.logClose(ctx, projectID, err)
			return
		}

		ev, err := Decode(data)
		if errors.Is(err, ErrUnknownType) {
			p.logger.Debug("Ignoring push event", "project_id", projectID, "error", err)
			continue
		}
		if err != nil {
			p.logger.Error("Dropping push frame", "project_id", projectID, "error", err)
			continue
		}
		sink.Deliver(ctx, Delivery{Source: SourcePush, Conn: conn, Event: ev})
	}
}

func (p *Push) logClose(ctx context.Context, projectID string, err error) {
	if ctx.Err() != nil {
		p.logger.Debug("Push channel closed locally", "project_id", projectID)
		return
	}
	switch code := websocket.CloseStatus(err); code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		p.logger.Debug("Push channel closed by server", "project_id", projectID, "code", int(code))
	case -1:
		p.logger.Warn("Push channel read error", "project_id", projectID, "error", err)
	default:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		p.logger.Info("Push channel closed", "project_id", projectID, "code", int(code), "reason", reason)
	}
}
