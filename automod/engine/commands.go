package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stewardbot/steward/automod/countstore"
	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/escalation"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/survey"
)

var (
	ErrNotPermitted = errors.New("command requires moderator permissions")
	ErrUsage        = errors.New("invalid command usage")
)

// CommandResult is what a command did. Reply is also sent to the invoking channel as a notify action.
type CommandResult struct {
	Duplicate bool
	Reply     string
	// set when the command was rejected with a user-facing error
	Err error
}

type commandFunc func(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error)

type commandHandler struct {
	admin bool
	usage string
	fn    commandFunc
}

var commands = map[string]commandHandler{
	"takesurvey":     {usage: "takesurvey <survey-id>", fn: cmdTakeSurvey},
	"answer":         {usage: "answer <session-id> <answer...>", fn: cmdAnswer},
	"cancelsurvey":   {admin: true, usage: "cancelsurvey <session-id>", fn: cmdCancelSurvey},
	"activatesurvey": {admin: true, usage: "activatesurvey <survey-id>", fn: cmdActivateSurvey},
	"closesurvey":    {admin: true, usage: "closesurvey <survey-id>", fn: cmdCloseSurvey},
	"surveyresults":  {admin: true, usage: "surveyresults <survey-id>", fn: cmdSurveyResults},
	"listsurveys":    {usage: "listsurveys", fn: cmdListSurveys},
	"createsurvey":   {admin: true, usage: "createsurvey <title> | <kind>[ optional][ min-max]: <question>[ / option / option...] | ...", fn: cmdCreateSurvey},
	"warnings":       {usage: "warnings [user-id]", fn: cmdWarnings},
	"warn":           {admin: true, usage: "warn <user-id> [reason...]", fn: cmdWarn},
	"mute":           {admin: true, usage: "mute <user-id> [minutes|duration] [reason...]", fn: cmdMute},
	"ban":            {admin: true, usage: "ban <user-id> [reason...]", fn: cmdBan},
	"kick":           {admin: true, usage: "kick <user-id> [reason...]", fn: cmdKick},
	"purge":          {admin: true, usage: "purge [count]", fn: cmdPurge},
	"addprofanity":   {admin: true, usage: "addprofanity <word...>", fn: cmdAddProfanity},
	"clearsanction":  {admin: true, usage: "clearsanction <user-id>", fn: cmdClearSanction},
	"reloadrules":    {admin: true, usage: "reloadrules", fn: cmdReloadRules},
}

const (
	noReason = "No reason provided"

	// mute length when the command gives none
	defaultManualMute = time.Hour
	// longest mute the platform accepts
	maxManualMute = 28 * 24 * time.Hour

	defaultPurge = 10
	maxPurge     = 100
	historyShown = 10
)

// userError reports whether err is a rejection the invoker should be told about, as opposed to an
// internal failure, and the text to reply with.
func userError(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrNotPermitted):
		return "You don't have permission to use this command.", true
	case errors.Is(err, ErrUsage):
		return "Usage: " + strings.TrimPrefix(err.Error(), ErrUsage.Error()+": "), true
	case errors.Is(err, survey.ErrSurveyNotFound):
		return "No survey with that id.", true
	case errors.Is(err, survey.ErrSurveyInactive):
		return "That survey is not open for responses.", true
	case errors.Is(err, survey.ErrSurveyExpired):
		return "That survey has expired.", true
	case errors.Is(err, survey.ErrAlreadyActive):
		return "You already have this survey in progress. Answer the current question or wait for it to time out.", true
	case errors.Is(err, survey.ErrAlreadyResponded):
		return "You have already completed this survey.", true
	case errors.Is(err, survey.ErrSessionNotFound):
		return "No survey session with that id.", true
	case errors.Is(err, survey.ErrSessionTerminal):
		return "That survey session is no longer active.", true
	case errors.Is(err, survey.ErrInvalidAnswer):
		return fmt.Sprintf("Invalid answer (%s). Please try again.", strings.TrimPrefix(err.Error(), survey.ErrInvalidAnswer.Error()+": ")), true
	case errors.Is(err, survey.ErrInvalidDefinition):
		return "That survey is not valid: " + strings.TrimPrefix(err.Error(), survey.ErrInvalidDefinition.Error()+": "), true
	case errors.Is(err, survey.ErrBusy), errors.Is(err, escalation.ErrBusy):
		return "Busy, please try again in a moment.", true
	}
	return "", false
}

// ProcessCommand handles a chat command. Commands are deduplicated by event id like messages. Rejected
// commands (bad usage, missing permission, invalid answers) reply with an explanation and are not an
// error; internal failures are returned so that the event can be redelivered.
func (eng *Engine) ProcessCommand(ctx context.Context, cmd *event.CommandEvent) (out *CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("command processing exception", "err", r, "command", cmd.Name, "event", cmd.ID)
			err = fmt.Errorf("command processing panic: %v", r)
		}
	}()
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	name := strings.ToLower(strings.TrimPrefix(cmd.Name, "!"))

	ctx, span := tracer.Start(ctx, "ProcessCommand")
	defer span.End()
	span.SetAttributes(attribute.String("guild", cmd.GuildID), attribute.String("command", name))

	start := time.Now()
	defer func() {
		eventProcessDuration.WithLabelValues("command").Observe(time.Since(start).Seconds())
	}()
	eventProcessCount.WithLabelValues("command").Inc()
	logger := eng.Logger.With("guild", cmd.GuildID, "invoker", cmd.Invoker, "command", name, "event", cmd.ID)

	key := seenKey("command", cmd.GuildID, cmd.ID)
	claimed, err := eng.Seen.Claim(ctx, key)
	if err != nil {
		eventErrorCount.WithLabelValues("command").Inc()
		return nil, fmt.Errorf("claiming command id: %w", err)
	}
	if !claimed {
		duplicateCount.WithLabelValues("command").Inc()
		logger.Debug("skipping duplicate command")
		return &CommandResult{Duplicate: true}, nil
	}

	label := name
	if _, ok := commands[name]; !ok {
		label = "unknown"
	}
	reply, cerr := eng.runCommand(ctx, name, cmd)
	out = &CommandResult{Reply: reply}
	if cerr != nil {
		text, ok := userError(cerr)
		if !ok {
			commandCount.WithLabelValues(label, "error").Inc()
			eventErrorCount.WithLabelValues("command").Inc()
			logger.Error("command failed", "err", cerr)
			if rerr := eng.Seen.Release(context.WithoutCancel(ctx), key); rerr != nil {
				logger.Warn("failed to release command claim", "err", rerr)
			}
			return nil, cerr
		}
		commandCount.WithLabelValues(label, "rejected").Inc()
		logger.Info("command rejected", "reason", cerr)
		out.Reply = text
		out.Err = cerr
	} else {
		commandCount.WithLabelValues(label, "ok").Inc()
		logger.Info("command handled")
	}

	if out.Reply != "" && cmd.Channel != "" {
		eng.submit([]dispatch.Action{{
			Kind:          dispatch.KindNotify,
			GuildID:       cmd.GuildID,
			UserID:        cmd.Invoker,
			ChannelID:     cmd.Channel,
			Text:          out.Reply,
			CorrelationID: dispatch.CorrelationID(cmd.GuildID, cmd.ID),
		}})
	}
	return out, nil
}

func (eng *Engine) runCommand(ctx context.Context, name string, cmd *event.CommandEvent) (string, error) {
	h, ok := commands[name]
	if !ok {
		return fmt.Sprintf("Unknown command %q. Available commands: %s", name, strings.Join(commandNames(cmd.Admin), ", ")), nil
	}
	if h.admin && !cmd.Admin {
		return "", ErrNotPermitted
	}
	reply, err := h.fn(ctx, eng, cmd)
	if errors.Is(err, ErrUsage) {
		return "", fmt.Errorf("%w: %s", ErrUsage, h.usage)
	}
	return reply, err
}

func commandNames(admin bool) []string {
	// stable order for replies
	order := []string{"takesurvey", "answer", "listsurveys", "warnings",
		"createsurvey", "activatesurvey", "closesurvey", "surveyresults", "cancelsurvey",
		"warn", "mute", "kick", "ban", "purge", "clearsanction", "addprofanity", "reloadrules"}
	var out []string
	for _, n := range order {
		if commands[n].admin && !admin {
			continue
		}
		out = append(out, n)
	}
	return out
}

func formatQuestion(q *models.Question, pos, total int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question %d/%d: %s", pos, total, q.Text)
	switch q.Kind {
	case models.QuestionChoice:
		for i, opt := range q.Options {
			fmt.Fprintf(&sb, "\n  %d. %s", i+1, opt)
		}
	case models.QuestionScale:
		fmt.Fprintf(&sb, " (%d-%d)", q.Min, q.Max)
	}
	if !q.Required {
		sb.WriteString(" [optional, answer with no value to skip]")
	}
	return sb.String()
}

func cmdTakeSurvey(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	def, err := eng.Surveys.Get(ctx, cmd.Args[0])
	if err != nil {
		return "", err
	}
	if def.GuildID != "" && def.GuildID != cmd.GuildID {
		return "", survey.ErrSurveyNotFound
	}
	sess, q, err := eng.Surveys.Start(ctx, def.ID, cmd.Invoker)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Survey %q started (session %s). Reply with: answer %s <your answer>\n%s",
		def.Title, sess.ID, sess.ID, formatQuestion(q, 1, len(def.Questions))), nil
}

func cmdAnswer(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) < 1 {
		return "", ErrUsage
	}
	sessionID := cmd.Args[0]
	sess, err := eng.Surveys.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	// sessions belonging to someone else look the same as missing ones
	if sess.RespondentID != cmd.Invoker {
		return "", survey.ErrSessionNotFound
	}
	res, err := eng.Surveys.SubmitAnswer(ctx, sessionID, strings.Join(cmd.Args[1:], " "))
	if err != nil {
		return "", err
	}
	if res.Completed {
		return "Thanks! Your response has been recorded.", nil
	}
	total := res.Session.Index + 1
	if def, err := eng.Surveys.Get(ctx, res.Session.SurveyID); err == nil {
		total = len(def.Questions)
	}
	return formatQuestion(res.Next, res.Session.Index+1, total), nil
}

func cmdCancelSurvey(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	sess, err := eng.Surveys.Cancel(ctx, cmd.Args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Session %s for <@%s> cancelled.", sess.ID, sess.RespondentID), nil
}

func cmdActivateSurvey(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	def, err := eng.Surveys.Activate(ctx, cmd.Args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Survey %q (%s) is now open. Take it with: takesurvey %s", def.Title, def.ID, def.ID), nil
}

func cmdCloseSurvey(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	def, err := eng.Surveys.Close(ctx, cmd.Args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Survey %q (%s) is closed.", def.Title, def.ID), nil
}

// FormatResults renders survey results as chat text.
func FormatResults(res *survey.Results) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Results for %q: %d responses", res.Title, res.Responses)
	for i, q := range res.Questions {
		fmt.Fprintf(&sb, "\n%d. %s (%d answered)", i+1, q.Text, q.Answered)
		switch q.Kind {
		case models.QuestionChoice:
			for _, c := range q.Choices {
				fmt.Fprintf(&sb, "\n   %s: %d (%.1f%%)", c.Option, c.Count, c.Percent)
			}
		case models.QuestionScale:
			if q.Answered > 0 {
				fmt.Fprintf(&sb, "\n   average: %.2f", q.Average)
			}
		case models.QuestionText:
			for _, s := range q.Samples {
				fmt.Fprintf(&sb, "\n   %q", s)
			}
		}
	}
	return sb.String()
}

func cmdSurveyResults(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	res, err := eng.Surveys.Results(ctx, cmd.Args[0])
	if err != nil {
		return "", err
	}
	return FormatResults(res), nil
}

func cmdListSurveys(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	defs, err := eng.Surveys.ListActive(ctx, cmd.GuildID)
	if err != nil {
		return "", err
	}
	if len(defs) == 0 {
		return "There are no open surveys.", nil
	}
	var sb strings.Builder
	sb.WriteString("Open surveys:")
	for _, d := range defs {
		fmt.Fprintf(&sb, "\n  %s: %s (%d questions)", d.ID, d.Title, len(d.Questions))
	}
	return sb.String(), nil
}

// UserStatus is the moderation summary for one user.
type UserStatus struct {
	GuildID        string            `json:"guild_id"`
	UserID         string            `json:"user_id"`
	Score          float64           `json:"score"`
	Sanction       models.Sanction   `json:"sanction"`
	SanctionExpiry *time.Time        `json:"sanction_expiry,omitempty"`
	Violations     countstore.Counts `json:"violations"`
	// latest first
	History []models.ModerationEntry `json:"history,omitempty"`
}

// UserStatus reads the user's escalation state, violation counts and latest moderation history. Counter
// and history failures leave those parts empty.
func (eng *Engine) UserStatus(ctx context.Context, guildID, userID string, now time.Time) (*UserStatus, error) {
	state, err := eng.Tracker.Get(ctx, guildID, userID, now)
	if err != nil {
		return nil, err
	}
	out := &UserStatus{
		GuildID:  guildID,
		UserID:   userID,
		Score:    state.Score,
		Sanction: state.Sanction,
	}
	if state.SanctionActive(now) {
		exp := state.SanctionExpiry
		out.SanctionExpiry = &exp
	}
	if eng.Counters != nil {
		counts, err := countstore.GetCounts(ctx, eng.Counters, countstore.NameUserViolations, guildID+"/"+userID)
		if err != nil {
			eng.Logger.Warn("failed to read violation counts", "guild", guildID, "user", userID, "err", err)
		} else {
			out.Violations = counts
		}
	}
	if eng.History != nil {
		entries, err := eng.History.ListModerationEntries(ctx, guildID, userID, historyShown)
		if err != nil {
			eng.Logger.Warn("failed to read moderation history", "guild", guildID, "user", userID, "err", err)
		} else {
			out.History = entries
		}
	}
	return out, nil
}

// mentionID accepts a bare user id or a chat mention of one.
func mentionID(arg string) string {
	arg = strings.TrimSuffix(strings.TrimPrefix(arg, "<@"), ">")
	return strings.TrimPrefix(arg, "!")
}

func formatEntry(e *models.ModerationEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.Kind)
	if e.RuleID != "" {
		fmt.Fprintf(&sb, " %s (severity %.0f)", e.RuleID, e.Severity)
	}
	if e.Duration > 0 && e.Kind != models.ModViolation {
		fmt.Fprintf(&sb, " for %s", e.Duration)
	}
	if e.ActorID != "" {
		fmt.Fprintf(&sb, " by <@%s>", e.ActorID)
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	return sb.String()
}

func cmdWarnings(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	userID := cmd.Invoker
	switch len(cmd.Args) {
	case 0:
	case 1:
		userID = mentionID(cmd.Args[0])
		if userID != cmd.Invoker && !cmd.Admin {
			return "", ErrNotPermitted
		}
	default:
		return "", ErrUsage
	}
	st, err := eng.UserStatus(ctx, cmd.GuildID, userID, cmd.Timestamp)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("<@%s>: %d violations (%d today, %d in the last hour), score %.1f, sanction %s",
		userID, st.Violations.Total, st.Violations.Day, st.Violations.Hour, st.Score, st.Sanction)
	if st.SanctionExpiry != nil {
		msg += " until " + st.SanctionExpiry.UTC().Format(time.RFC3339)
	}
	if eng.History == nil {
		return msg, nil
	}
	if len(st.History) == 0 {
		return msg + "\nNo moderation history.", nil
	}
	msg += "\nLatest moderation history:"
	for i := range st.History {
		msg += "\n  " + formatEntry(&st.History[i])
	}
	return msg, nil
}

// ClearSanction lifts a user's sanction and submits the actions undoing it on the platform.
func (eng *Engine) ClearSanction(ctx context.Context, guildID, userID, actor, eventID string, now time.Time) (*escalation.Transition, error) {
	tr, err := eng.Tracker.Clear(ctx, guildID, userID, actor, now)
	if err != nil {
		return nil, err
	}
	entry := models.ModerationEntry{
		ID:        fmt.Sprintf("clear/%s/%s", guildID, eventID),
		GuildID:   guildID,
		UserID:    userID,
		Kind:      models.ModClear,
		Reason:    "score reset",
		ActorID:   actor,
		CreatedAt: now,
	}
	if tr != nil {
		eng.submit(dispatch.ActionsForTransition(*tr, "clear/"+eventID))
		entry.Reason = tr.From.String() + " lifted, score reset"
	}
	if err := eng.recordHistory(ctx, entry); err != nil {
		return nil, err
	}
	return tr, nil
}

func cmdClearSanction(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	if len(cmd.Args) != 1 {
		return "", ErrUsage
	}
	userID := mentionID(cmd.Args[0])
	tr, err := eng.ClearSanction(ctx, cmd.GuildID, userID, cmd.Invoker, cmd.ID, cmd.Timestamp)
	if err != nil {
		return "", err
	}
	if tr == nil {
		return fmt.Sprintf("<@%s> has no active sanction; score reset.", userID), nil
	}
	return fmt.Sprintf("Cleared %s sanction for <@%s>.", tr.From, userID), nil
}

func cmdReloadRules(ctx context.Context, eng *Engine, cmd *event.CommandEvent) (string, error) {
	ruleErrs, err := eng.Reload()
	if err != nil {
		return fmt.Sprintf("Reload failed, keeping current rules: %s", err), nil
	}
	rs := eng.RuleSet()
	msg := fmt.Sprintf("Rules reloaded: %d of %d enabled.", rs.Enabled(), len(rs.Rules))
	for _, e := range ruleErrs {
		msg += "\n  " + e.Error()
	}
	return msg, nil
}
