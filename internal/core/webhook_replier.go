package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type webhookCaller struct {
	Phone              string `json:"phone"`
	Name               string `json:"name"`
	Email              string `json:"email,omitempty"`
	CPF                string `json:"cpf,omitempty"`
	AvatarURL          string `json:"avatar_url,omitempty"`
	SubscriptionActive bool   `json:"subscription_active"`
	IsActive           bool   `json:"is_active"`
	PlanID             string `json:"plan_id,omitempty"`
	CreatedAt          string `json:"created_at,omitempty"`
}

func newWebhookCaller(c CallerContext) webhookCaller {
	wc := webhookCaller{
		Phone:              c.UserKey,
		Name:               c.Name,
		Email:              c.Email,
		CPF:                c.CPF,
		AvatarURL:          c.AvatarURL,
		SubscriptionActive: c.SubscriptionActive,
		IsActive:           c.IsActive,
		PlanID:             c.PlanID,
	}
	if !c.CreatedAt.IsZero() {
		wc.CreatedAt = c.CreatedAt.UTC().Format(time.RFC3339)
	}
	return wc
}

type webhookRequest struct {
	Message   string        `json:"message"`
	Timestamp string        `json:"timestamp"`
	SessionID string        `json:"sessionId,omitempty"`
	Caller    webhookCaller `json:"cliente"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    *struct {
		Response string         `json:"response"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// WebhookReplier asks an HTTP workflow endpoint for the assistant reply.
type WebhookReplier struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewWebhookReplier(url string, client *http.Client, logger *zap.Logger) (*WebhookReplier, error) {
	if url == "" {
		return nil, errors.New("reply webhook URL is not configured")
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookReplier{url: url, client: client, logger: logger}, nil
}

func (w *WebhookReplier) RequestReply(ctx context.Context, req ReplyRequest) (*Reply, error) {
	sentAt := req.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	payload, err := json.Marshal(webhookRequest{
		Message:   req.Content,
		Timestamp: sentAt.UTC().Format(time.RFC3339Nano),
		SessionID: req.SessionID,
		Caller:    newWebhookCaller(req.Caller),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	w.logger.Debug("Calling reply webhook", zap.String("session_id", req.SessionID), zap.Int("bytes", len(payload)))
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("webhook reported error: %s", out.Error)
	}
	if !out.Success || out.Data == nil || out.Data.Response == "" {
		return nil, errors.New("webhook response carried no reply")
	}
	return &Reply{Content: out.Data.Response, Metadata: out.Data.Metadata}, nil
}
