package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ashureev/appbuilder/internal/domain"
	"github.com/ashureev/appbuilder/internal/session"
)

// printer writes the parts of successive snapshots that have not been
// printed yet.
type printer struct {
	out     io.Writer
	lastLog string
	shown   map[string]bool
	preview string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, shown: make(map[string]bool)}
}

func (p *printer) render(snap session.Snapshot) {
	p.logs(snap.Logs)
	for _, m := range snap.Messages {
		if p.shown[m.ID] || m.Status == domain.StatusPending {
			continue
		}
		p.shown[m.ID] = true
		p.message(m)
	}
	if snap.PreviewURL != "" && snap.PreviewURL != p.preview {
		p.preview = snap.PreviewURL
		fmt.Fprintf(p.out, "preview: %s\n", snap.PreviewURL)
	}
}

func (p *printer) logs(lines []string) {
	start := 0
	if p.lastLog != "" {
		for i := len(lines) - 1; i >= 0; i-- {
			if lines[i] == p.lastLog {
				start = i + 1
				break
			}
		}
	}
	for _, line := range lines[start:] {
		fmt.Fprintf(p.out, "  | %s\n", line)
	}
	if len(lines) > 0 {
		p.lastLog = lines[len(lines)-1]
	}
}

func (p *printer) message(m domain.Message) {
	label := string(m.Role)
	if m.Status == domain.StatusError {
		label += " (error)"
	}
	fmt.Fprintf(p.out, "%s: %s\n", label, strings.TrimSpace(m.Content))
	for _, tool := range m.ToolInvocations {
		fmt.Fprintf(p.out, "  [%s] %s\n", tool.State, tool.Name)
	}
	if m.Usage != nil {
		fmt.Fprintf(p.out, "  tokens: %d in, %d out\n", m.Usage.InputTokens, m.Usage.OutputTokens)
	}
}

func (p *printer) files(snap session.Snapshot) {
	if len(snap.FileOrder) == 0 {
		return
	}
	fmt.Fprintf(p.out, "files (%d):\n", len(snap.FileOrder))
	for _, path := range snap.FileOrder {
		marker := " "
		if _, ok := snap.FileContents[path]; ok {
			marker = "*"
		}
		fmt.Fprintf(p.out, " %s %s\n", marker, path)
	}
}

// follow renders updates until the session stops generating.
func follow(ctx context.Context, sess *session.Session, p *printer) (session.Snapshot, error) {
	for {
		snap, err := sess.Snapshot(ctx)
		if err != nil {
			return snap, err
		}
		p.render(snap)
		if !snap.IsGenerating {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-sess.Updates():
		}
	}
}
