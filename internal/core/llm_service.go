package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"gwi.com/chatsync/internal/store"
)

const (
	defaultChatModelName = "gemini-1.5-flash-latest"
	historyWindow        = 10

	chatSystemInstruction = "You are a helpful business assistant for a small company. " +
		"Help with finance, sales pipeline and customer questions. " +
		"Keep answers concise and say so when you do not know something."
)

// HistorySource reads the confirmed log so replies can use prior turns.
type HistorySource interface {
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
}

// GeminiReplier generates replies with a Gemini chat model.
type GeminiReplier struct {
	client    *genai.Client
	history   HistorySource
	modelName string
	logger    *zap.Logger
}

func NewGeminiReplier(ctx context.Context, apiKey string, history HistorySource, logger *zap.Logger) (*GeminiReplier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini reply backend")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiReplier{
		client:    client,
		history:   history,
		modelName: defaultChatModelName,
		logger:    logger,
	}, nil
}

func (s *GeminiReplier) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warn("Error closing GenAI client", zap.Error(err))
		} else {
			s.logger.Info("GenAI client closed")
		}
	}
}

func (s *GeminiReplier) RequestReply(ctx context.Context, req ReplyRequest) (*Reply, error) {
	var prior []store.Message
	if s.history != nil {
		msgs, err := s.history.ListMessages(ctx, req.SessionID)
		if err != nil {
			// A reply without history is still useful.
			s.logger.Warn("Loading chat history failed, proceeding without it", zap.String("session_id", req.SessionID), zap.Error(err))
		} else {
			prior = msgs
		}
	}

	model := s.client.GenerativeModel(s.modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(chatSystemInstruction)},
	}

	chatSession := model.StartChat()
	chatSession.History = buildHistory(prior, req.Content, historyWindow)

	resp, err := chatSession.SendMessage(ctx, genai.Text(req.Content))
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug("Gemini response part was not text", zap.String("type", fmt.Sprintf("%T", part)))
		}
	}
	if responseText.Len() == 0 {
		return nil, fmt.Errorf("gemini response had no text parts")
	}

	return &Reply{
		Content: responseText.String(),
		Metadata: map[string]any{
			"model":         s.modelName,
			"finish_reason": resp.Candidates[0].FinishReason.String(),
		},
	}, nil
}

// buildHistory converts the confirmed log into Gemini turns. The trailing
// user row equal to the message being sent is left out since it goes in as
// the new turn, and at most window turns are kept.
func buildHistory(msgs []store.Message, current string, window int) []*genai.Content {
	if n := len(msgs); n > 0 && msgs[n-1].Role == store.RoleUser && msgs[n-1].Content == current {
		msgs = msgs[:n-1]
	}
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}

	history := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == store.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history
}
