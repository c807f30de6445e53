package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookAdapter forwards actions as JSON POSTs to a platform bridge, which owns the actual chat
// connection.
type WebhookAdapter struct {
	URL        string
	Token      string
	HTTPClient *http.Client
}

var _ ActionAdapter = (*WebhookAdapter)(nil)

type webhookBody struct {
	Kind        Kind   `json:"kind"`
	GuildID     string `json:"guild_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	DurationSec int64  `json:"duration_sec,omitempty"`
	Text        string `json:"text,omitempty"`
	Count       int    `json:"count,omitempty"`
}

func NewWebhookAdapter(url, token string, client *http.Client) *WebhookAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookAdapter{
		URL:        url,
		Token:      token,
		HTTPClient: client,
	}
}

func (w *WebhookAdapter) Delete(ctx context.Context, guildID, channelID, messageID, corrID string) error {
	return w.post(ctx, corrID, webhookBody{Kind: KindDelete, GuildID: guildID, ChannelID: channelID, MessageID: messageID})
}

func (w *WebhookAdapter) Sanction(ctx context.Context, guildID, userID string, kind Kind, duration time.Duration, corrID string) error {
	return w.post(ctx, corrID, webhookBody{Kind: kind, GuildID: guildID, UserID: userID, DurationSec: int64(duration.Seconds())})
}

func (w *WebhookAdapter) Notify(ctx context.Context, channelID, text, corrID string) error {
	return w.post(ctx, corrID, webhookBody{Kind: KindNotify, ChannelID: channelID, Text: text})
}

func (w *WebhookAdapter) Purge(ctx context.Context, guildID, channelID string, count int, corrID string) error {
	return w.post(ctx, corrID, webhookBody{Kind: KindPurge, GuildID: guildID, ChannelID: channelID, Count: count})
}

func (w *WebhookAdapter) post(ctx context.Context, corrID string, body webhookBody) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", corrID)
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned status: %d", ErrRejected, resp.StatusCode)
	}
}
