package conversation

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/ashureev/appbuilder/internal/domain"
)

func newTestLedger() *Ledger {
	l := NewLedger()
	base := time.Unix(1700000000, 0)
	l.now = func() time.Time { return base }
	n := 0
	l.newID = func() string {
		n++
		return "m" + strconv.Itoa(n)
	}
	return l
}

func TestBeginTurnRejectsBlankPrompt(t *testing.T) {
	l := newTestLedger()
	if _, ok := l.BeginTurn("   \n", "intro", ""); ok {
		t.Fatal("expected blank prompt to be rejected")
	}
	if l.Len() != 0 {
		t.Errorf("expected no messages, got %d", l.Len())
	}
}

func TestBeginTurnCreatesPair(t *testing.T) {
	l := newTestLedger()
	turn, ok := l.BeginTurn("Build a todo app", "Working on it...", "")
	if !ok {
		t.Fatal("expected turn to begin")
	}
	msgs := l.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != turn.User.ID || msgs[0].Role != domain.RoleUser || msgs[0].Status != domain.StatusComplete {
		t.Errorf("unexpected user message %+v", msgs[0])
	}
	if msgs[0].Content != "Build a todo app" {
		t.Errorf("unexpected user content %q", msgs[0].Content)
	}
	if msgs[1].ID != turn.Assistant.ID || msgs[1].Role != domain.RoleAssistant || msgs[1].Status != domain.StatusPending {
		t.Errorf("unexpected assistant message %+v", msgs[1])
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Error("expected assistant placeholder to sort after the prompt")
	}
}

func TestMessagesOrderedByCreatedAt(t *testing.T) {
	l := newTestLedger()
	base := time.Unix(1700000000, 0)
	offsets := rand.Perm(50)
	for i, off := range offsets {
		l.Add(domain.Message{
			ID:        "x" + strconv.Itoa(i),
			Role:      domain.RoleUser,
			CreatedAt: base.Add(time.Duration(off) * time.Second),
		})
	}
	msgs := l.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d out of order: %v before %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestPatchKeepsStatusAndBumpsUpdatedAt(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "")
	before, _ := l.Get(turn.Assistant.ID)

	content := "new"
	if !l.Patch(turn.Assistant.ID, Patch{Content: &content}) {
		t.Fatal("expected patch to apply")
	}
	after, _ := l.Get(turn.Assistant.ID)
	if after.Status != domain.StatusPending {
		t.Errorf("expected status to stay pending, got %s", after.Status)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Error("expected UpdatedAt to be bumped")
	}
	if l.Patch("missing", Patch{Content: &content}) {
		t.Error("expected unknown id to be a no-op")
	}
}

func TestAppendAssistantTextConcatenates(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "")
	l.AppendAssistantText(turn.Assistant.ID, "Hel")
	l.AppendAssistantText(turn.Assistant.ID, "lo")
	l.AppendAssistantBlock(turn.Assistant.ID, "Second block")
	m, _ := l.Get(turn.Assistant.ID)
	if m.Content != "Hello\n\nSecond block" {
		t.Errorf("unexpected content %q", m.Content)
	}
}

func TestToolUseThenResult(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "")
	id := turn.Assistant.ID

	l.RecordToolUse(id, ToolEvent{ID: "x", Name: "write_file", Input: json.RawMessage(`{"path":"a"}`)})
	l.RecordToolUse(id, ToolEvent{ID: "x", Name: "write_file"})
	m, _ := l.Get(id)
	if len(m.ToolInvocations) != 1 {
		t.Fatalf("expected merged tool invocation, got %d", len(m.ToolInvocations))
	}
	if m.ToolInvocations[0].State != domain.ToolInputAvailable {
		t.Errorf("expected input-available, got %s", m.ToolInvocations[0].State)
	}
	if string(m.ToolInvocations[0].Input) != `{"path":"a"}` {
		t.Errorf("expected input to survive merge, got %s", m.ToolInvocations[0].Input)
	}

	if l.RecordToolResult(id, "unknown", "nope", false) {
		t.Error("expected unknown tool result to be a no-op")
	}
	if !l.RecordToolResult(id, "x", "ok", false) {
		t.Fatal("expected tool result to apply")
	}
	m, _ = l.Get(id)
	if m.ToolInvocations[0].State != domain.ToolOutputAvailable || m.ToolInvocations[0].Output != "ok" {
		t.Errorf("unexpected tool invocation %+v", m.ToolInvocations[0])
	}
}

func TestFinalizeTurnClosesDanglingTools(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "")
	id := turn.Assistant.ID
	l.RecordToolUse(id, ToolEvent{ID: "a", Name: "bash"})
	l.RecordToolUse(id, ToolEvent{ID: "b", Name: "bash"})
	l.RecordToolResult(id, "b", "boom", true)

	l.FinalizeTurn(id)
	m, _ := l.Get(id)
	if m.Status != domain.StatusComplete {
		t.Errorf("expected complete, got %s", m.Status)
	}
	if m.ToolInvocations[0].State != domain.ToolOutputAvailable {
		t.Errorf("expected dangling tool closed, got %s", m.ToolInvocations[0].State)
	}
	if m.ToolInvocations[1].State != domain.ToolOutputError {
		t.Errorf("expected errored tool to stay errored, got %s", m.ToolInvocations[1].State)
	}
}

func TestReplaceIDAdoptsServerCopy(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "p1")
	created := time.Unix(1700000100, 0)

	ok := l.ReplaceID(turn.User.ID, domain.Message{
		ID:        "srv-1",
		Content:   "hi",
		Status:    domain.StatusComplete,
		CreatedAt: created,
		UpdatedAt: created,
		ProjectID: "p1",
	})
	if !ok {
		t.Fatal("expected replacement")
	}
	if _, ok := l.Get(turn.User.ID); ok {
		t.Error("expected local id to be invalidated")
	}
	m, ok := l.Get("srv-1")
	if !ok {
		t.Fatal("expected server id to resolve")
	}
	if !m.CreatedAt.Equal(created) {
		t.Errorf("expected server timestamp, got %v", m.CreatedAt)
	}
	if l.Len() != 2 {
		t.Errorf("expected 2 messages, got %d", l.Len())
	}
}

func TestLastPendingSearchesFromEnd(t *testing.T) {
	l := newTestLedger()
	base := time.Unix(1700000000, 0)
	l.Add(domain.Message{ID: "a1", Role: domain.RoleAssistant, Status: domain.StatusPending, CreatedAt: base})
	l.Add(domain.Message{ID: "a2", Role: domain.RoleAssistant, Status: domain.StatusPending, CreatedAt: base.Add(2 * time.Second)})
	l.Add(domain.Message{ID: "a3", Role: domain.RoleAssistant, Status: domain.StatusComplete, CreatedAt: base.Add(3 * time.Second)})
	id, ok := l.LastPending()
	if !ok || id != "a2" {
		t.Errorf("expected a2, got %q (%v)", id, ok)
	}
}

func TestServerStampKeepsPairAndLaterTurnsOrdered(t *testing.T) {
	l := newTestLedger()
	turn, _ := l.BeginTurn("hi", "", "p1")
	ahead := time.Unix(1700009999, 0)

	l.ReplaceID(turn.User.ID, domain.Message{ID: "srv-1", CreatedAt: ahead})
	if !l.KeepAfter("srv-1", turn.Assistant.ID) {
		t.Fatal("expected placeholder to be restamped")
	}
	next, _ := l.BeginTurn("again", "", "p1")

	msgs := l.Messages()
	want := []string{"srv-1", turn.Assistant.ID, next.User.ID, next.Assistant.ID}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if l.KeepAfter("srv-1", turn.Assistant.ID) {
		t.Error("expected no restamp when already ordered")
	}
}
