package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/survey"
)

func reasonFrom(args []string) string {
	if r := strings.TrimSpace(strings.Join(args, " ")); r != "" {
		return r
	}
	return noReason
}

func commandEntry(cmd *event.CommandEvent, kind models.ModerationKind, userID, reason string) models.ModerationEntry {
	return models.ModerationEntry{
		ID:        fmt.Sprintf("%s/%s/%s", kind, cmd.GuildID, cmd.ID),
		GuildID:   cmd.GuildID,
		UserID:    userID,
		Kind:      kind,
		ChannelID: cmd.Channel,
		Reason:    reason,
		ActorID:   cmd.Invoker,
		CreatedAt: cmd.Timestamp,
	}
}

// ManualSanction is a moderator putting a user under s for d (the configured duration of s when d is not
// positive). The history entry is keyed by the command id, so a redelivered command does not add a
// second one. Returns nil if a higher or longer sanction was already in force.
func (eng *Engine) ManualSanction(ctx context.Context, cmd *event.CommandEvent, userID string, s models.Sanction, d time.Duration, reason string) (*escalation.Transition, error) {
	var kind models.ModerationKind
	switch s {
	case models.SanctionWarned:
		kind = models.ModWarn
	case models.SanctionMuted:
		kind = models.ModMute
	case models.SanctionBanned:
		kind = models.ModBan
	default:
		return nil, fmt.Errorf("no moderator command for sanction %s", s)
	}
	if d <= 0 {
		d = eng.Tracker.SanctionDuration(s)
	}
	entry := commandEntry(cmd, kind, userID, reason)
	entry.Duration = d
	if err := eng.recordHistory(ctx, entry); err != nil {
		return nil, err
	}
	tr, err := eng.Tracker.Impose(ctx, cmd.GuildID, userID, s, d, cmd.Invoker, cmd.Timestamp)
	if err != nil {
		return nil, err
	}
	// a warning is a notice, and goes out even when a harsher sanction is in force
	if tr == nil && s != models.SanctionWarned {
		return nil, nil
	}
	a := dispatch.Action{
		GuildID:   cmd.GuildID,
		UserID:    userID,
		ChannelID: cmd.Channel,
		Reason:    reason,
		Duration:  d,
	}
	a.Kind, _ = dispatch.SanctionKind(s)
	eng.submit(dispatch.ActionsForModerator(a, cmd.ID, cmd.Invoker))
	return tr, nil
}

// countWarnings is the number of moderator warnings in the user's history, or -1 if unknown.
func (eng *Engine) countWarnings(ctx context.Context, guildID, userID string) int {
	if eng.History == nil {
		return -1
	}
	entries, err := eng.History.ListModerationEntries(ctx, guildID, userID, 0)
	if err != nil {
		eng.Logger.Warn("failed to read moderation history", "guild", guildID, "user", userID, "err", err)
		return -1
	}
	n := 0
	for _, e := range entries {
		if e.Kind == models.ModWarn {
			n++
		}
	}
	return n
}

func cmdWarn(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) < 1 {
		return "", ErrUsage
	}
	userID := mentionID(cmd.Args[0])
	reason := reasonFrom(cmd.Args[1:])
	if _, err := eng.ManualSanction(ctx, cmd, userID, models.SanctionWarned, 0, reason); err != nil {
		return "", err
	}
	reply := fmt.Sprintf("<@%s> has been warned. Reason: %s", userID, reason)
	if n := eng.countWarnings(ctx, cmd.GuildID, userID); n >= 0 {
		reply += fmt.Sprintf(" (total warnings: %d)", n)
	}
	return reply, nil
}

// parseMuteDuration accepts whole minutes or a Go duration.
func parseMuteDuration(arg string) (time.Duration, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	return time.ParseDuration(arg)
}

func cmdMute(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) < 1 {
		return "", ErrUsage
	}
	userID := mentionID(cmd.Args[0])
	rest := cmd.Args[1:]
	d := defaultManualMute
	if len(rest) > 0 {
		if pd, err := parseMuteDuration(rest[0]); err == nil {
			if pd <= 0 || pd > maxManualMute {
				return "", ErrUsage
			}
			d = pd
			rest = rest[1:]
		}
	}
	reason := reasonFrom(rest)
	tr, err := eng.ManualSanction(ctx, cmd, userID, models.SanctionMuted, d, reason)
	if err != nil {
		return "", err
	}
	if tr == nil {
		return eng.alreadySanctioned(ctx, cmd, userID)
	}
	return fmt.Sprintf("<@%s> has been muted for %s. Reason: %s", userID, d, reason), nil
}

func cmdBan(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) < 1 {
		return "", ErrUsage
	}
	userID := mentionID(cmd.Args[0])
	reason := reasonFrom(cmd.Args[1:])
	tr, err := eng.ManualSanction(ctx, cmd, userID, models.SanctionBanned, 0, reason)
	if err != nil {
		return "", err
	}
	if tr == nil {
		return eng.alreadySanctioned(ctx, cmd, userID)
	}
	return fmt.Sprintf("<@%s> has been banned until %s. Reason: %s", userID, tr.Expiry.UTC().Format(time.RFC3339), reason), nil
}

func (eng *Engine) alreadySanctioned(ctx context.Context, cmd *event.CommandEvent, userID string) (string, error) {
	state, err := eng.Tracker.Get(ctx, cmd.GuildID, userID, cmd.Timestamp)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<@%s> is already %s until %s.", userID, state.Sanction, state.SanctionExpiry.UTC().Format(time.RFC3339)), nil
}

// Kicks leave the escalation state alone; the user may rejoin.
func cmdKick(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) < 1 {
		return "", ErrUsage
	}
	userID := mentionID(cmd.Args[0])
	reason := reasonFrom(cmd.Args[1:])
	if err := eng.recordHistory(ctx, commandEntry(cmd, models.ModKick, userID, reason)); err != nil {
		return "", err
	}
	eng.submit(dispatch.ActionsForModerator(dispatch.Action{
		Kind:      dispatch.KindKick,
		GuildID:   cmd.GuildID,
		UserID:    userID,
		ChannelID: cmd.Channel,
		Reason:    reason,
	}, cmd.ID, cmd.Invoker))
	return fmt.Sprintf("<@%s> has been kicked. Reason: %s", userID, reason), nil
}

func cmdPurge(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if cmd.Channel == "" || len(cmd.Args) > 1 {
		return "", ErrUsage
	}
	n := defaultPurge
	if len(cmd.Args) == 1 {
		v, err := strconv.Atoi(cmd.Args[0])
		if err != nil || v < 1 || v > maxPurge {
			return "", ErrUsage
		}
		n = v
	}
	// the history of a purge belongs to the moderator who ran it
	entry := commandEntry(cmd, models.ModPurge, cmd.Invoker, fmt.Sprintf("%d messages in <#%s>", n, cmd.Channel))
	if err := eng.recordHistory(ctx, entry); err != nil {
		return "", err
	}
	eng.submit(dispatch.ActionsForModerator(dispatch.Action{
		Kind:      dispatch.KindPurge,
		GuildID:   cmd.GuildID,
		ChannelID: cmd.Channel,
		Count:     n,
	}, cmd.ID, cmd.Invoker))
	return fmt.Sprintf("Deleting up to %d messages.", n), nil
}

func cmdAddProfanity(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	var words []string
	for _, a := range cmd.Args {
		if w := strings.ToLower(strings.TrimSpace(a)); w != "" {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return "", ErrUsage
	}
	eng.AddProfanity(words...)
	return fmt.Sprintf("Added `%s` to the profanity filter.", strings.Join(words, "`, `")), nil
}

// ParseSurveyCommand reads a survey from one line:
//
//	<title> | <kind>[ optional][ min-max]: <question>[ / option / option...] | ...
//
// Kinds are text, scale, choice and yesno. Options are only taken by choice questions; scale bounds
// only by scale questions. Questions get ids q1, q2, ...
func ParseSurveyCommand(line string) (*models.SurveyDefinition, error) {
	parts := strings.Split(line, "|")
	title := strings.TrimSpace(parts[0])
	if title == "" || len(parts) < 2 {
		return nil, ErrUsage
	}
	def := &models.SurveyDefinition{Title: title}
	for i, raw := range parts[1:] {
		q, err := parseQuestion(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", survey.ErrInvalidDefinition, i+1, err)
		}
		q.ID = fmt.Sprintf("q%d", i+1)
		def.Questions = append(def.Questions, q)
	}
	return def, nil
}

func parseQuestion(raw string) (models.Question, error) {
	q := models.Question{Required: true}
	head, body, ok := strings.Cut(raw, ":")
	fields := strings.Fields(strings.ToLower(head))
	if !ok || len(fields) == 0 {
		return q, errors.New("expected <kind>: <question>")
	}
	kind := fields[0]
	for _, f := range fields[1:] {
		lo, hi, isRange := strings.Cut(f, "-")
		switch {
		case f == "optional":
			q.Required = false
		case isRange && kind == "scale":
			from, err1 := strconv.Atoi(lo)
			to, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				return q, fmt.Errorf("bad scale range %q", f)
			}
			q.Min, q.Max = from, to
		default:
			return q, fmt.Errorf("unexpected %q", f)
		}
	}

	q.Text = strings.TrimSpace(body)
	switch kind {
	case "text":
		q.Kind = models.QuestionText
	case "scale":
		q.Kind = models.QuestionScale
	case "yesno":
		q.Kind = models.QuestionChoice
		q.Options = []string{"Yes", "No"}
	case "choice":
		q.Kind = models.QuestionChoice
		segs := strings.Split(body, "/")
		q.Text = strings.TrimSpace(segs[0])
		for _, o := range segs[1:] {
			q.Options = append(q.Options, strings.TrimSpace(o))
		}
	default:
		return q, fmt.Errorf("unknown question kind %q", kind)
	}
	return q, nil
}

func cmdCreateSurvey(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	def, err := ParseSurveyCommand(strings.Join(cmd.Args, " "))
	if err != nil {
		return "", err
	}
	def.GuildID = cmd.GuildID
	def.CreatorID = cmd.Invoker
	created, err := eng.Surveys.Create(ctx, def)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Survey %q created with id %s (%d questions). Open it with: activatesurvey %s",
		created.Title, created.ID, len(created.Questions), created.ID), nil
}
