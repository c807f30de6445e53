package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrRejected marks adapter failures which will not succeed on retry (eg, the platform refused the
// request as invalid).
var ErrRejected = errors.New("action rejected")

// ActionAdapter performs actions on the chat platform. Implementations should treat corrID as an
// idempotency key: the dispatcher may repeat a call after a timeout.
type ActionAdapter interface {
	Delete(ctx context.Context, guildID, channelID, messageID, corrID string) error
	Sanction(ctx context.Context, guildID, userID string, kind Kind, duration time.Duration, corrID string) error
	Notify(ctx context.Context, channelID, text, corrID string) error
	// Purge deletes up to count of the most recent messages in a channel.
	Purge(ctx context.Context, guildID, channelID string, count int, corrID string) error
}

// ModLog receives moderation log lines (the "log" action kind).
type ModLog interface {
	Post(ctx context.Context, text, corrID string) error
}

// LogAdapter only logs. Used when no platform webhook is configured.
type LogAdapter struct {
	Logger *slog.Logger
}

var _ ActionAdapter = (*LogAdapter)(nil)

func NewLogAdapter(logger *slog.Logger) *LogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAdapter{Logger: logger.With("component", "log-adapter")}
}

func (a *LogAdapter) Delete(ctx context.Context, guildID, channelID, messageID, corrID string) error {
	a.Logger.Info("delete message", "guild", guildID, "channel", channelID, "message", messageID, "correlation", corrID)
	return nil
}

func (a *LogAdapter) Sanction(ctx context.Context, guildID, userID string, kind Kind, duration time.Duration, corrID string) error {
	a.Logger.Info("sanction user", "guild", guildID, "user", userID, "kind", kind, "duration", duration, "correlation", corrID)
	return nil
}

func (a *LogAdapter) Notify(ctx context.Context, channelID, text, corrID string) error {
	a.Logger.Info("notify channel", "channel", channelID, "text", text, "correlation", corrID)
	return nil
}

func (a *LogAdapter) Purge(ctx context.Context, guildID, channelID string, count int, corrID string) error {
	a.Logger.Info("purge channel", "guild", guildID, "channel", channelID, "count", count, "correlation", corrID)
	return nil
}

func (a *LogAdapter) Post(ctx context.Context, text, corrID string) error {
	a.Logger.Info("moderation log", "text", text, "correlation", corrID)
	return nil
}
