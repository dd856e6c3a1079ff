// Package session is the generation session state machine. It reconciles REST
// responses, push-channel events and poll results for one project into a
// single view of the conversation, the project files and the build status.
//
// All state is owned by the goroutine running Run. Public methods post
// commands to it; REST calls run on the caller's goroutine between commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ashureev/appbuilder/internal/backend"
	"github.com/ashureev/appbuilder/internal/conversation"
	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/endpoint"
	"github.com/ashureev/appbuilder/internal/filecache"
	"github.com/ashureev/appbuilder/internal/transport"
)

// DefaultAssistantIntro is the initial content of an assistant placeholder.
const DefaultAssistantIntro = "Working on it..."

var (
	// ErrEmptyPrompt is returned when the trimmed prompt is empty.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoProject is returned by operations that need a project when none is loaded.
	ErrNoProject = errors.New("no project loaded")
	// ErrSuperseded is returned when a reset or a newer turn replaced the
	// operation's turn while its request was in flight.
	ErrSuperseded = errors.New("superseded by a newer operation")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("session closed")
)

// Tab is the active viewer tab.
type Tab string

// Tabs.
const (
	TabPreview Tab = "preview"
	TabCode    Tab = "code"
)

// API is the backend surface the session uses.
type API interface {
	Generate(ctx context.Context, prompt, template string) (*backend.GenerateResponse, error)
	PostMessage(ctx context.Context, projectID, content, assistantIntro string) (*backend.MessageResponse, error)
	Status(ctx context.Context, projectID string) (*backend.StatusResponse, error)
	Messages(ctx context.Context, projectID string) ([]backend.RemoteMessage, error)
	Files(ctx context.Context, projectID string) ([]domain.FileEntry, error)
	FileContent(ctx context.Context, projectID, path string) (string, error)
}

// PushChannel is a persistent event stream keyed by project id.
type PushChannel interface {
	Open(ctx context.Context, projectID string, conn uint64, sink transport.Sink)
	Close()
}

// PullChannel is an interval poller keyed by project id.
type PullChannel interface {
	Start(ctx context.Context, projectID string, conn uint64, sink transport.Sink)
	// Rekey changes the connection token of later cycles without restarting.
	Rekey(conn uint64)
	Stop()
}

// TokenSource supplies bearer tokens for preview URLs.
type TokenSource interface {
	Token(ctx context.Context) string
}

// ProjectMemory remembers the most recently opened project.
type ProjectMemory interface {
	SetLastProject(ctx context.Context, projectID string) error
}

// Snapshot is a copy of the session state for rendering.
type Snapshot struct {
	ProjectID       string            `json:"project_id,omitempty"`
	ProjectStatus   string            `json:"project_status,omitempty"`
	PreviewURL      string            `json:"preview_url,omitempty"`
	IsGenerating    bool              `json:"is_generating"`
	ActiveTab       Tab               `json:"active_tab"`
	Prompt          string            `json:"prompt"`
	SelectedFile    string            `json:"selected_file,omitempty"`
	FileOrder       []string          `json:"file_order"`
	FileContents    map[string]string `json:"file_contents"`
	Messages        []domain.Message  `json:"messages"`
	ActiveMessageID string            `json:"active_message_id,omitempty"`
	Logs            []string          `json:"logs"`
}

// Session owns one project session. Create it with New and drive it with Run.
type Session struct {
	api      API
	push     PushChannel
	pull     PullChannel
	tokens   TokenSource
	memory   ProjectMemory
	origin   *url.URL
	intro    string
	template string
	logger   *slog.Logger
	now      func() time.Time
	logCap   int
	store    filecache.Store

	inbox      chan func()
	deliveries chan transport.Delivery
	updates    chan struct{}
	started    chan struct{}
	stopped    chan struct{}

	// Owned by the Run goroutine.
	runCtx        context.Context
	ledger        *conversation.Ledger
	files         *filecache.Cache
	logs          *LogBuffer
	resolver      endpoint.PreviewResolver
	epoch         uint64
	nextConn      uint64
	pushConn      uint64
	pollConn      uint64
	projectID     string
	projectStatus string
	rawPreview    string
	previewURL    string
	isGenerating  bool
	activeTab     Tab
	prompt        string
	selectedFile  string
	activeID      string
	generationID  string
	turnFloor     time.Time
	lastLogAt     time.Time
	lastLogLines  map[string]bool // lines applied at lastLogAt
}

// Option configures a Session.
type Option func(*Session)

// WithAssistantIntro sets the placeholder text of new assistant messages.
func WithAssistantIntro(intro string) Option { return func(s *Session) { s.intro = intro } }

// WithTemplate sets the frontend template requested for new generations.
func WithTemplate(template string) Option { return func(s *Session) { s.template = template } }

// WithBackendOrigin sets the origin relative preview URLs resolve against.
func WithBackendOrigin(origin *url.URL) Option { return func(s *Session) { s.origin = origin } }

// WithTokens sets the token source used for preview URLs.
func WithTokens(ts TokenSource) Option { return func(s *Session) { s.tokens = ts } }

// WithFileStore persists fetched file contents.
func WithFileStore(store filecache.Store) Option { return func(s *Session) { s.store = store } }

// WithProjectMemory records opened projects.
func WithProjectMemory(m ProjectMemory) Option { return func(s *Session) { s.memory = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// WithLogCapacity sets how many log lines are kept.
func WithLogCapacity(n int) Option { return func(s *Session) { s.logCap = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// New creates a session. It does nothing until Run is called.
func New(api API, push PushChannel, pull PullChannel, opts ...Option) *Session {
	s := &Session{
		api:        api,
		push:       push,
		pull:       pull,
		intro:      DefaultAssistantIntro,
		logger:     slog.Default(),
		now:        time.Now,
		inbox:      make(chan func()),
		deliveries: make(chan transport.Delivery, 64),
		updates:    make(chan struct{}, 1),
		started:    make(chan struct{}),
		stopped:    make(chan struct{}),
		activeTab:  TabPreview,
	}
	for _, opt := range opts {
		opt(s)
	}

	cacheOpts := []filecache.Option{
		filecache.WithLogger(s.logger),
		filecache.WithOnChange(s.notify),
	}
	if s.store != nil {
		cacheOpts = append(cacheOpts, filecache.WithStore(s.store))
	}
	s.files = filecache.New(api, cacheOpts...)
	s.ledger = conversation.NewLedger()
	s.logs = NewLogBuffer(s.logCap)
	return s
}

// Run processes commands and transport deliveries until ctx is done, then
// stops both transport channels.
func (s *Session) Run(ctx context.Context) error {
	s.runCtx = ctx
	close(s.started)
	defer close(s.stopped)

	s.logger.Info("Session started")
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case d := <-s.deliveries:
			s.apply(d)
		case <-ctx.Done():
			s.stopTransports()
			s.logger.Info("Session stopped", "reason", ctx.Err())
			return nil
		}
		s.notify()
	}
}

// Updates returns a channel signaled after every state change. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Deliver implements transport.Sink.
func (s *Session) Deliver(ctx context.Context, d transport.Delivery) {
	select {
	case s.deliveries <- d:
	case <-ctx.Done():
	case <-s.stopped:
	}
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// do runs fn on the Run goroutine and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}
	select {
	case s.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrClosed
	}
}

// doErr is do for commands that produce an error.
func (s *Session) doErr(ctx context.Context, fn func() error) error {
	var err error
	if doErr := s.do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// settle is doErr for the step that records a request's outcome. Once the
// response is in hand the fold must run even if the caller has gone away,
// otherwise the turn would stay pending; only a stopped session aborts it.
func (s *Session) settle(ctx context.Context, fn func() error) error {
	return s.doErr(context.WithoutCancel(ctx), fn)
}

// post queues fn without waiting. It is used by background work that reports
// back into the session.
func (s *Session) post(fn func()) {
	select {
	case <-s.started:
	case <-s.stopped:
		return
	}
	select {
	case s.inbox <- fn:
	case <-s.runCtx.Done():
	case <-s.stopped:
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() { snap = s.snapshot() })
	return snap, err
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ProjectID:       s.projectID,
		ProjectStatus:   s.projectStatus,
		PreviewURL:      s.previewURL,
		IsGenerating:    s.isGenerating,
		ActiveTab:       s.activeTab,
		Prompt:          s.prompt,
		SelectedFile:    s.selectedFile,
		FileOrder:       s.files.Order(),
		FileContents:    s.files.Contents(),
		Messages:        s.ledger.Messages(),
		ActiveMessageID: s.activeID,
		Logs:            s.logs.Lines(),
	}
}

// SetPrompt stores the prompt box text.
func (s *Session) SetPrompt(ctx context.Context, text string) error {
	return s.do(ctx, func() { s.prompt = text })
}

// SetActiveTab switches the viewer tab.
func (s *Session) SetActiveTab(ctx context.Context, tab Tab) error {
	if tab != TabPreview && tab != TabCode {
		return fmt.Errorf("unknown tab %q", tab)
	}
	return s.do(ctx, func() { s.activeTab = tab })
}

// SelectFile selects a listed file for the code viewer.
func (s *Session) SelectFile(ctx context.Context, path string) error {
	return s.doErr(ctx, func() error {
		for _, p := range s.files.Order() {
			if p == path {
				s.selectedFile = path
				return nil
			}
		}
		return fmt.Errorf("file %q is not listed", path)
	})
}

// FileContent returns the cached content of a file.
func (s *Session) FileContent(path string) (string, bool) {
	return s.files.Content(path)
}

// ResetForNewChat abandons the project and the conversation.
func (s *Session) ResetForNewChat(ctx context.Context) error {
	return s.do(ctx, s.resetForNewChat)
}

func (s *Session) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.logs.Add(line)
	s.logger.Debug("Session log", "project_id", s.projectID, "line", line)
}

// stopTransports stops the poll and closes the push channel, then forgets both
// connection tokens so a delivery already queued from either is dropped.
func (s *Session) stopTransports() {
	s.pull.Stop()
	s.push.Close()
	s.pushConn, s.pollConn = 0, 0
}

// resetForNewGeneration tears down transports before clearing project state so
// an in-flight event cannot resurrect it.
func (s *Session) resetForNewGeneration() {
	s.stopTransports()
	s.epoch++
	s.projectID = ""
	s.projectStatus = ""
	s.rawPreview = ""
	s.previewURL = ""
	s.resolver.Reset()
	s.files.Reset()
	s.selectedFile = ""
	s.activeID = ""
	s.generationID = ""
	s.turnFloor = time.Time{}
	s.lastLogAt = time.Time{}
	s.lastLogLines = nil
}

func (s *Session) resetForNewChat() {
	s.resetForNewGeneration()
	s.ledger.Reset()
	s.logs.Reset()
	s.prompt = ""
	s.isGenerating = false
	s.activeTab = TabPreview
}

func (s *Session) connID() uint64 {
	s.nextConn++
	return s.nextConn
}

func (s *Session) openPush() {
	s.pushConn = s.connID()
	s.push.Open(s.runCtx, s.projectID, s.pushConn, s)
}

func (s *Session) startPoll() {
	s.pollConn = s.connID()
	s.pull.Start(s.runCtx, s.projectID, s.pollConn, s)
}

func (s *Session) rekeyPoll() {
	s.pollConn = s.connID()
	s.pull.Rekey(s.pollConn)
}

func (s *Session) setRawPreview(raw string) {
	if raw == s.rawPreview {
		return
	}
	s.rawPreview = raw
	if raw == "" {
		s.previewURL = ""
		return
	}
	epoch := s.epoch
	go func() {
		resolved := s.resolver.Resolve(s.runCtx, raw, s.origin, s.tokenFunc)
		s.post(func() {
			if s.epoch == epoch && s.rawPreview == raw {
				s.previewURL = resolved
			}
		})
	}()
}

func (s *Session) tokenFunc(ctx context.Context) string {
	if s.tokens == nil {
		return ""
	}
	return s.tokens.Token(ctx)
}

// refreshListing fetches the file listing once outside the poll cycle.
func (s *Session) refreshListing() {
	projectID, epoch := s.projectID, s.epoch
	if projectID == "" {
		return
	}
	go func() {
		files, err := s.api.Files(s.runCtx, projectID)
		if err != nil {
			s.logger.Warn("Failed to list project files", "project_id", projectID, "error", err)
			return
		}
		s.post(func() {
			if s.epoch == epoch && s.projectID == projectID {
				s.applyListing(files)
			}
		})
	}()
}

func (s *Session) applyListing(entries []domain.FileEntry) {
	stale := s.files.ApplyListing(entries)
	order := s.files.Order()
	if !contains(order, s.selectedFile) {
		s.selectedFile = ""
		if len(order) > 0 {
			s.selectedFile = order[0]
		}
	}
	if len(stale) > 0 {
		go s.files.FetchAll(s.runCtx, s.projectID, stale)
	}
}

func (s *Session) remember(projectID string) {
	if s.memory == nil {
		return
	}
	go func() {
		if err := s.memory.SetLastProject(s.runCtx, projectID); err != nil {
			s.logger.Warn("Failed to remember project", "project_id", projectID, "error", err)
		}
	}()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
