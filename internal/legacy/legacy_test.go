package legacy

import (
	"strings"
	"testing"

	"github.com/nsxzhou/realtime-voice-gateway/internal/journal"
	"github.com/nsxzhou/realtime-voice-gateway/internal/session"
)

func TestBuildSystemPromptIncludesRoleAndStyle(t *testing.T) {
	s := &Service{}
	cfg := session.Config{BotName: "小智", SystemRole: "一个耐心的助理", SpeakingStyle: "简洁"}
	got := s.buildSystemPrompt(cfg)

	if got == "" {
		t.Fatalf("expected non-empty system prompt")
	}
	for _, want := range []string{"小智", "一个耐心的助理", "简洁"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected prompt to contain %q, got %q", want, got)
		}
	}
}

func TestBuildSystemPromptFallsBackToDefaultName(t *testing.T) {
	s := &Service{}
	got := s.buildSystemPrompt(session.Config{})
	if !strings.Contains(got, "助手") {
		t.Fatalf("expected fallback bot name in prompt, got %q", got)
	}
}

func TestToChatMessagesSkipsUnknownRoles(t *testing.T) {
	history := []journal.ConversationMessage{
		{Role: "user", Text: "hi"},
		{Role: "assistant", Text: "hello"},
		{Role: "system", Text: "ignored"},
	}
	msgs := toChatMessages(history)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "x"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
