package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/models"
)

type Kind string

const (
	KindDelete     Kind = "delete"
	KindWarn       Kind = "warn"
	KindMute       Kind = "mute"
	KindBan        Kind = "ban"
	KindKick       Kind = "kick"
	KindPurge      Kind = "purge"
	KindUnsanction Kind = "unsanction"
	KindNotify     Kind = "notify"
	KindLog        Kind = "log"
)

// Action is one side effect on the chat platform.
type Action struct {
	Kind      Kind          `json:"kind"`
	GuildID   string        `json:"guild_id"`
	UserID    string        `json:"user_id,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Text      string        `json:"text,omitempty"`
	// purge: how many recent messages of the channel to delete
	Count int `json:"count,omitempty"`
	// shared by all actions caused by the same event
	CorrelationID string `json:"correlation_id"`
}

// IdempotencyKey is unique per action within a correlation group, and stable across redeliveries of
// the event.
func (a *Action) IdempotencyKey() string {
	return a.CorrelationID + "/" + string(a.Kind)
}

// queueKey groups actions which must be executed in submission order.
func (a *Action) queueKey() string {
	if a.UserID != "" {
		return "user/" + a.GuildID + "/" + a.UserID
	}
	return "channel/" + a.GuildID + "/" + a.ChannelID
}

// CorrelationID derives a compact id from an event id. Redelivered events map to the same id.
func CorrelationID(guildID, eventID string) string {
	h1, h2 := murmur3.Sum128([]byte(guildID + "/" + eventID))
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// SanctionKind is the platform action putting a user under s.
func SanctionKind(s models.Sanction) (Kind, bool) {
	switch s {
	case models.SanctionWarned:
		return KindWarn, true
	case models.SanctionMuted:
		return KindMute, true
	case models.SanctionBanned:
		return KindBan, true
	default:
		return "", false
	}
}

// ActionsForMessage maps rule hints and an optional escalation transition to the actions for one
// message. The message is deleted at most once, however many rules asked for it.
func ActionsForMessage(evt *event.MessageEvent, violations []event.Violation, tr *escalation.Transition) []Action {
	if len(violations) == 0 && tr == nil {
		return nil
	}
	corr := CorrelationID(evt.GuildID, evt.ID)
	base := Action{
		GuildID:       evt.GuildID,
		UserID:        evt.AuthorID,
		ChannelID:     evt.ChannelID,
		MessageID:     evt.ID,
		CorrelationID: corr,
	}

	var out []Action
	var deleteRules, warnRules, logRules []string
	for _, v := range violations {
		switch v.Action {
		case event.HintDelete:
			deleteRules = append(deleteRules, v.RuleID)
		case event.HintWarn:
			warnRules = append(warnRules, v.RuleID)
		case event.HintLog:
			logRules = append(logRules, v.RuleID)
		case event.HintNone:
		}
	}
	if len(deleteRules) > 0 {
		a := base
		a.Kind = KindDelete
		a.Reason = "rule: " + strings.Join(deleteRules, ", ")
		out = append(out, a)
	}
	if len(warnRules) > 0 {
		a := base
		a.Kind = KindNotify
		a.Reason = "rule: " + strings.Join(warnRules, ", ")
		a.Text = fmt.Sprintf("<@%s> please follow the server rules (%s)", evt.AuthorID, strings.Join(warnRules, ", "))
		out = append(out, a)
	}
	if tr != nil {
		if kind, ok := SanctionKind(tr.To); ok {
			a := base
			a.Kind = kind
			a.Reason = fmt.Sprintf("escalated from %s (score %.1f)", tr.From, tr.Score)
			if !tr.Expiry.IsZero() {
				a.Duration = tr.Expiry.Sub(evt.Timestamp)
			}
			out = append(out, a)
		}
	}
	if len(logRules) > 0 || tr != nil {
		a := base
		a.Kind = KindLog
		a.Text = logText(evt, violations, tr)
		out = append(out, a)
	}
	return out
}

func logText(evt *event.MessageEvent, violations []event.Violation, tr *escalation.Transition) string {
	var rules []string
	for _, v := range violations {
		rules = append(rules, v.RuleID)
	}
	sort.Strings(rules)
	msg := fmt.Sprintf("user `%s` in channel `%s`: rules `%s`", evt.AuthorID, evt.ChannelID, strings.Join(rules, ", "))
	if tr != nil {
		msg += fmt.Sprintf("; sanction %s -> %s until %s", tr.From, tr.To, tr.Expiry.UTC().Format(time.RFC3339))
	}
	return msg
}

// ActionsForTransition covers sanctions which end outside of message processing (expiry, administrator
// clear). Only mutes and bans need undoing on the platform.
func ActionsForTransition(tr escalation.Transition, eventID string) []Action {
	base := Action{
		GuildID:       tr.GuildID,
		UserID:        tr.UserID,
		CorrelationID: CorrelationID(tr.GuildID, eventID),
	}
	var out []Action
	if tr.From == models.SanctionMuted || tr.From == models.SanctionBanned {
		a := base
		a.Kind = KindUnsanction
		a.Reason = fmt.Sprintf("%s %s", tr.From, tr.Reason)
		out = append(out, a)
	}
	a := base
	a.Kind = KindLog
	a.Text = fmt.Sprintf("user `%s`: sanction %s -> %s (%s)", tr.UserID, tr.From, tr.To, tr.Reason)
	if tr.Actor != "" {
		a.Text += fmt.Sprintf(" by `%s`", tr.Actor)
	}
	out = append(out, a)
	return out
}

// ActionsForModerator covers moderator commands: the platform action a, then a moderation log line
// naming the moderator. Both share a correlation id derived from the command's event id.
func ActionsForModerator(a Action, eventID, actor string) []Action {
	a.CorrelationID = CorrelationID(a.GuildID, eventID)
	l := Action{
		Kind:          KindLog,
		GuildID:       a.GuildID,
		UserID:        a.UserID,
		ChannelID:     a.ChannelID,
		CorrelationID: a.CorrelationID,
	}
	var sb strings.Builder
	if a.UserID != "" {
		fmt.Fprintf(&sb, "user `%s`: %s", a.UserID, a.Kind)
	} else {
		fmt.Fprintf(&sb, "channel `%s`: %s", a.ChannelID, a.Kind)
	}
	if a.Count > 0 {
		fmt.Fprintf(&sb, " %d messages", a.Count)
	}
	if a.Duration > 0 {
		fmt.Fprintf(&sb, " for %s", a.Duration)
	}
	fmt.Fprintf(&sb, " by `%s`", actor)
	if a.Reason != "" {
		sb.WriteString(": " + a.Reason)
	}
	l.Text = sb.String()
	return []Action{a, l}
}
