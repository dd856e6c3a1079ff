package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/domain"
)

// DefaultPollInterval is the pull channel cadence.
const DefaultPollInterval = 3 * time.Second

// Puller is the subset of the backend API the poller reads.
type Puller interface {
	Status(ctx context.Context, projectID string) (*backend.StatusResponse, error)
	Files(ctx context.Context, projectID string) ([]domain.FileEntry, error)
}

// Poller is the pull channel. It polls status and the file listing for one
// project at a fixed interval. At most one poll loop is live at a time.
type Poller struct {
	source   Puller
	interval time.Duration
	logger   *slog.Logger

	// Each flag suppresses repeat logs for one endpoint until it succeeds again.
	statusLogged atomic.Bool
	filesLogged  atomic.Bool

	// conn tags deliveries; each cycle reads it once when it begins.
	conn atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(source Puller, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{source: source, interval: interval, logger: logger}
}

// Start stops any running loop, polls once immediately and then every interval
// until Stop is called or ctx is done.
func (p *Poller) Start(ctx context.Context, projectID string, conn uint64, sink Sink) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	prevCancel, prevDone := p.cancel, p.done
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	stop(prevCancel, prevDone)
	p.statusLogged.Store(false)
	p.filesLogged.Store(false)
	p.conn.Store(conn)

	go p.run(runCtx, done, projectID, sink)
}

// Rekey tags deliveries of cycles that begin from now on with conn. The loop
// keeps its schedule and its outage state.
func (p *Poller) Rekey(conn uint64) {
	p.conn.Store(conn)
}

// Stop halts the loop and waits for an in-progress cycle to finish.
// Calling Stop when not running is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	stop(cancel, done)
}

// Running reports whether a poll loop is live.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

func (p *Poller) run(ctx context.Context, done chan struct{}, projectID string, sink Sink) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx, projectID, sink)
	for {
		select {
		case <-ticker.C:
			p.pollOnce(ctx, projectID, sink)
		case <-ctx.Done():
			return
		}
	}
}

// pollOnce fetches status and files concurrently. Each result is delivered on
// its own; a failure of one never blocks the other.
func (p *Poller) pollOnce(ctx context.Context, projectID string, sink Sink) {
	conn := p.conn.Load()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		resp, err := p.source.Status(ctx, projectID)
		if err != nil {
			p.logFailure(ctx, &p.statusLogged, "Status poll failed", projectID, err)
			return
		}
		p.statusLogged.Store(false)
		sink.Deliver(ctx, Delivery{Source: SourcePoll, Conn: conn, Event: StatusEvent{
			Header:     Header{Type: TypeStatusSnapshot, ProjectID: projectID},
			Status:     resp.Status,
			PreviewURL: resp.PreviewURL,
			HasPreview: resp.PreviewURL != "",
		}})
	}()

	go func() {
		defer wg.Done()
		files, err := p.source.Files(ctx, projectID)
		if err != nil {
			p.logFailure(ctx, &p.filesLogged, "File listing poll failed", projectID, err)
			return
		}
		p.filesLogged.Store(false)
		sink.Deliver(ctx, Delivery{Source: SourcePoll, Conn: conn, Event: FileListingEvent{
			Header: Header{Type: TypeFileListing, ProjectID: projectID},
			Files:  files,
		}})
	}()

	wg.Wait()
}

func (p *Poller) logFailure(ctx context.Context, logged *atomic.Bool, msg, projectID string, err error) {
	if ctx.Err() != nil {
		return
	}
	if logged.CompareAndSwap(false, true) {
		p.logger.Warn(msg, "project_id", projectID, "error", err)
	}
}
