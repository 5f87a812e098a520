// Package legacy implements the single-turn, non-realtime chat pipeline
// that SPEC_FULL.md carries alongside the realtime relay: a plain
// request/response turn over the session's journaled history, with no
// upstream dialogue-service connection involved. This is the only code
// path in the repository that ever appends a turn_completed event.
//
// Grounded on the teacher's internal/service/ai.Service: a compose.Chain
// wiring a prompt template into a chat model, and its persona_prompt.go
// system-prompt construction, both pared down from the teacher's
// persona/emotion surface (out of scope here) to a single configurable
// bot identity already carried by session.Config.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/journal"
	"github.com/nsxzhou/realtime-voice-gateway/internal/session"
)

// Service answers one chat turn at a time against a session's journaled
// history, independent of any upstream dialogue-service connection.
type Service struct {
	chatModel model.ChatModel
	journal   *journal.Journal
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService builds the chat chain from the operator's legacy model
// config. Returns an error if the model is disabled (no credentials).
func NewService(ctx context.Context, j *journal.Journal, cfg config.LegacyConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("legacy: create chat model: %w", err)
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("legacy: compile chat chain: %w", err)
	}

	return &Service{chatModel: chatModel, journal: j, chain: runnable}, nil
}

// Respond answers userText for sess, appending a turn_completed event to
// the journal with both sides of the exchange on success.
func (s *Service) Respond(ctx context.Context, sess *session.Session, userText string) (string, error) {
	history, err := s.journal.History(sess.ID, journal.DefaultHistoryLimit)
	if err != nil {
		return "", fmt.Errorf("legacy: load history: %w", err)
	}

	input := map[string]any{
		"system":  s.buildSystemPrompt(sess.Config),
		"history": toChatMessages(history),
		"query":   userText,
	}

	msg, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("legacy: invoke chat chain: %w", err)
	}

	log.Printf("[legacy] session=%s answered turn, length=%d", sess.ID, len(msg.Content))

	s.journal.Append(sess.ID, "turn_completed", map[string]any{
		"userText":      userText,
		"assistantText": msg.Content,
	})

	return msg.Content, nil
}

// RespondStreaming is the streamed variant: it concatenates the chat
// model's chunks into the same single message Respond would have
// returned, still journaling exactly one turn_completed event.
func (s *Service) RespondStreaming(ctx context.Context, sess *session.Session, userText string) (string, error) {
	history, err := s.journal.History(sess.ID, journal.DefaultHistoryLimit)
	if err != nil {
		return "", fmt.Errorf("legacy: load history: %w", err)
	}

	input := map[string]any{
		"system":  s.buildSystemPrompt(sess.Config),
		"history": toChatMessages(history),
		"query":   userText,
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", fmt.Errorf("legacy: stream chat chain: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("legacy: receive stream chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	final, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("legacy: concatenate stream chunks: %w", err)
	}

	log.Printf("[legacy] session=%s answered streamed turn, length=%d", sess.ID, len(final.Content))

	s.journal.Append(sess.ID, "turn_completed", map[string]any{
		"userText":      userText,
		"assistantText": final.Content,
	})

	return final.Content, nil
}

func (s *Service) buildSystemPrompt(cfg session.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "你是%s。", firstNonEmpty(cfg.BotName, "助手"))
	if cfg.SystemRole != "" {
		b.WriteString(cfg.SystemRole)
	}
	if cfg.SpeakingStyle != "" {
		fmt.Fprintf(&b, "\n说话风格：%s", cfg.SpeakingStyle)
	}
	return b.String()
}

func toChatMessages(history []journal.ConversationMessage) []*schema.Message {
	if len(history) == 0 {
		return nil
	}
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			out = append(out, schema.UserMessage(m.Text))
		case "assistant":
			out = append(out, schema.AssistantMessage(m.Text, nil))
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
