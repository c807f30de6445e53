package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stewardbot/steward/automod/dispatch"
	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/models"
	"github.com/stewardbot/steward/survey"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cmdSeq int

func command(invoker, name string, admin bool, args ...string) *event.CommandEvent {
	cmdSeq++
	return &event.CommandEvent{
		ID:        fmt.Sprintf("cmd-%d", cmdSeq),
		GuildID:   "g1",
		Name:      name,
		Args:      args,
		Invoker:   invoker,
		Channel:   "c1",
		Admin:     admin,
		Timestamp: t0,
	}
}

func createSurvey(t *testing.T, eng *Engine) *models.SurveyDefinition {
	def, err := eng.Surveys.Create(context.Background(), &models.SurveyDefinition{
		GuildID:   "g1",
		Title:     "Events",
		CreatorID: "mod",
		Questions: []models.Question{
			{ID: "q1", Text: "Favourite day?", Kind: models.QuestionChoice, Options: []string{"Saturday", "Sunday"}, Required: true},
			{ID: "q2", Text: "How likely to attend?", Kind: models.QuestionScale, Min: 1, Max: 5, Required: true},
			{ID: "q3", Text: "Anything else?", Kind: models.QuestionText},
		},
	})
	require.NoError(t, err)
	return def
}

var sessionRe = regexp.MustCompile(`answer (\S+) <your answer>`)

func sessionFromReply(t *testing.T, reply string) string {
	m := sessionRe.FindStringSubmatch(reply)
	require.Len(t, m, 2, reply)
	return m[1]
}

func TestUnknownCommand(t *testing.T) {
	assert := assert.New(t)
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessCommand(context.Background(), command("u1", "frobnicate", false))
	require.NoError(t, err)
	assert.Contains(out.Reply, "Unknown command")
	assert.Contains(out.Reply, "takesurvey")
	assert.NotContains(out.Reply, "clearsanction")

	actions := rec.Actions()
	require.Len(t, actions, 1)
	assert.Equal(dispatch.KindNotify, actions[0].Kind)
	assert.Equal("c1", actions[0].ChannelID)
	assert.Equal(out.Reply, actions[0].Text)
}

func TestAdminCommandRequiresPermission(t *testing.T) {
	assert := assert.New(t)
	eng, _ := EngineTestFixture()

	out, err := eng.ProcessCommand(context.Background(), command("u1", "clearsanction", false, "u2"))
	require.NoError(t, err)
	assert.ErrorIs(out.Err, ErrNotPermitted)
	assert.Contains(out.Reply, "permission")
}

func TestCommandUsage(t *testing.T) {
	assert := assert.New(t)
	eng, _ := EngineTestFixture()

	out, err := eng.ProcessCommand(context.Background(), command("u1", "takesurvey", false))
	require.NoError(t, err)
	assert.ErrorIs(out.Err, ErrUsage)
	assert.Equal("Usage: takesurvey <survey-id>", out.Reply)
}

func TestDuplicateCommand(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	cmd := command("u1", "listsurveys", false)
	out, err := eng.ProcessCommand(ctx, cmd)
	require.NoError(t, err)
	assert.False(out.Duplicate)
	out, err = eng.ProcessCommand(ctx, cmd)
	require.NoError(t, err)
	assert.True(out.Duplicate)
	assert.Len(rec.Actions(), 1)
}

func TestSurveyThroughCommands(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()
	def := createSurvey(t, eng)

	out, err := eng.ProcessCommand(ctx, command("u1", "takesurvey", false, def.ID))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrSurveyInactive)

	out, err = eng.ProcessCommand(ctx, command("mod", "activatesurvey", true, def.ID))
	require.NoError(err)
	require.NoError(out.Err)

	out, err = eng.ProcessCommand(ctx, command("u1", "listsurveys", false))
	require.NoError(err)
	assert.Contains(out.Reply, def.ID)

	out, err = eng.ProcessCommand(ctx, command("u1", "takesurvey", false, def.ID))
	require.NoError(err)
	require.NoError(out.Err)
	assert.Contains(out.Reply, "Question 1/3: Favourite day?")

	sessionID := sessionFromReply(t, out.Reply)

	// only the respondent may answer
	out, err = eng.ProcessCommand(ctx, command("u2", "answer", false, sessionID, "Sunday"))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrSessionNotFound)

	out, err = eng.ProcessCommand(ctx, command("u1", "answer", false, sessionID, "Monday"))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrInvalidAnswer)
	assert.Contains(out.Reply, "Invalid answer")

	out, err = eng.ProcessCommand(ctx, command("u1", "answer", false, sessionID, "2"))
	require.NoError(err)
	require.NoError(out.Err)
	assert.Contains(out.Reply, "Question 2/3")

	out, err = eng.ProcessCommand(ctx, command("u1", "answer", false, sessionID, "4"))
	require.NoError(err)
	assert.Contains(out.Reply, "Question 3/3")
	assert.Contains(out.Reply, "optional")

	out, err = eng.ProcessCommand(ctx, command("u1", "answer", false, sessionID, "see", "you", "there"))
	require.NoError(err)
	assert.Contains(out.Reply, "recorded")

	out, err = eng.ProcessCommand(ctx, command("u1", "takesurvey", false, def.ID))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrAlreadyResponded)

	out, err = eng.ProcessCommand(ctx, command("mod", "surveyresults", true, def.ID))
	require.NoError(err)
	assert.Contains(out.Reply, "1 responses")
	assert.Contains(out.Reply, "Sunday: 1 (100.0%)")
	assert.Contains(out.Reply, "average: 4.00")
	assert.Contains(out.Reply, `"see you there"`)
}

func TestWarningsAndClear(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	for i, word := range []string{"badword1", "badword2"} {
		_, err := eng.ProcessMessage(ctx, msg("m"+word, "u1", "hey "+word, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(err)
	}

	out, err := eng.ProcessCommand(ctx, command("u1", "warnings", false))
	require.NoError(err)
	assert.Contains(out.Reply, "2 violations")
	assert.Contains(out.Reply, "sanction warned")

	// other users' status is for moderators
	out, err = eng.ProcessCommand(ctx, command("u2", "warnings", false, "u1"))
	require.NoError(err)
	assert.ErrorIs(out.Err, ErrNotPermitted)

	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "clearsanction", true, "<@u1>"))
	require.NoError(err)
	assert.Contains(out.Reply, "Cleared warned sanction")
	// warnings need no undo on the platform, only the moderation log entry and the reply
	assert.Equal([]dispatch.Kind{dispatch.KindLog, dispatch.KindNotify}, rec.Kinds())

	st, err := eng.UserStatus(ctx, "g1", "u1", t0.Add(2*time.Second))
	require.NoError(err)
	assert.Equal(models.SanctionNone, st.Sanction)
	assert.Equal(0.0, st.Score)
	assert.Nil(st.SanctionExpiry)
	assert.Equal(2, st.Violations.Total)
}

func TestReloadRulesCommand(t *testing.T) {
	assert := assert.New(t)
	eng, _ := EngineTestFixture()

	out, err := eng.ProcessCommand(context.Background(), command("mod", "reloadrules", true))
	require.NoError(t, err)
	assert.Contains(out.Reply, "Rules reloaded: 3 of 3 enabled")
}

func TestCancelSurveyCommand(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()
	def := createSurvey(t, eng)
	_, err := eng.Surveys.Activate(ctx, def.ID)
	require.NoError(err)
	sess, _, err := eng.Surveys.Start(ctx, def.ID, "u1")
	require.NoError(err)

	out, err := eng.ProcessCommand(ctx, command("mod", "cancelsurvey", true, sess.ID))
	require.NoError(err)
	require.NoError(out.Err)

	got, err := eng.Surveys.Session(ctx, sess.ID)
	require.NoError(err)
	assert.Equal(models.SessionAbandoned, got.State)

	out, err = eng.ProcessCommand(ctx, command("mod", "cancelsurvey", true, sess.ID))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrSessionTerminal)
}

func TestModeratorSanctionCommands(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessCommand(ctx, command("u2", "warn", false, "u1"))
	require.NoError(err)
	assert.ErrorIs(out.Err, ErrNotPermitted)

	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "warn", true, "<@u1>", "spamming", "links"))
	require.NoError(err)
	require.NoError(out.Err)
	assert.Equal("<@u1> has been warned. Reason: spamming links (total warnings: 1)", out.Reply)
	assert.Equal([]dispatch.Kind{dispatch.KindWarn, dispatch.KindLog, dispatch.KindNotify}, rec.Kinds())

	// a second warning at the same level still reaches the user
	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "warn", true, "u1"))
	require.NoError(err)
	assert.Contains(out.Reply, "Reason: No reason provided (total warnings: 2)")
	assert.Equal([]dispatch.Kind{dispatch.KindWarn, dispatch.KindLog, dispatch.KindNotify}, rec.Kinds())

	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "mute", true, "u1", "30", "flooding"))
	require.NoError(err)
	assert.Equal("<@u1> has been muted for 30m0s. Reason: flooding", out.Reply)
	assert.Equal([]dispatch.Kind{dispatch.KindMute, dispatch.KindLog, dispatch.KindNotify}, rec.Kinds())
	assert.Equal(30*time.Minute, rec.Actions()[0].Duration)
	assert.Equal("u1", rec.Actions()[0].UserID)

	// shorter than the mute in force
	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "mute", true, "u1", "5m"))
	require.NoError(err)
	assert.Contains(out.Reply, "<@u1> is already muted until")
	assert.Equal([]dispatch.Kind{dispatch.KindNotify}, rec.Kinds())

	out, err = eng.ProcessCommand(ctx, command("mod", "mute", true, "u1", "0"))
	require.NoError(err)
	assert.ErrorIs(out.Err, ErrUsage)

	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "ban", true, "u1", "raiding"))
	require.NoError(err)
	assert.Contains(out.Reply, "<@u1> has been banned until")
	assert.Equal(dispatch.KindBan, rec.Actions()[0].Kind)
	assert.Equal(7*24*time.Hour, rec.Actions()[0].Duration)

	st, err := eng.UserStatus(ctx, "g1", "u1", t0)
	require.NoError(err)
	assert.Equal(models.SanctionBanned, st.Sanction)

	// kicks do not touch the escalation state
	rec.Reset()
	out, err = eng.ProcessCommand(ctx, command("mod", "kick", true, "u2", "rude"))
	require.NoError(err)
	assert.Equal("<@u2> has been kicked. Reason: rude", out.Reply)
	assert.Equal([]dispatch.Kind{dispatch.KindKick, dispatch.KindLog, dispatch.KindNotify}, rec.Kinds())
	st, err = eng.UserStatus(ctx, "g1", "u2", t0)
	require.NoError(err)
	assert.Equal(models.SanctionNone, st.Sanction)

	out, err = eng.ProcessCommand(ctx, command("mod", "warnings", true, "u1"))
	require.NoError(err)
	assert.Contains(out.Reply, "sanction banned")
	assert.Contains(out.Reply, "Latest moderation history:")
	assert.Contains(out.Reply, "ban for 168h0m0s by <@mod>: raiding")
	assert.Contains(out.Reply, "mute for 30m0s by <@mod>: flooding")
	assert.Contains(out.Reply, "warn for 1h0m0s by <@mod>: spamming links")

	out, err = eng.ProcessCommand(ctx, command("u2", "warnings", false))
	require.NoError(err)
	assert.Contains(out.Reply, "kick by <@mod>: rude")
}

func TestWarningsWithoutHistory(t *testing.T) {
	assert := assert.New(t)
	eng, _ := EngineTestFixture()

	out, err := eng.ProcessCommand(context.Background(), command("u1", "warnings", false))
	require.NoError(t, err)
	assert.Contains(out.Reply, "0 violations")
	assert.Contains(out.Reply, "No moderation history.")
}

func TestPurgeCommand(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, rec := EngineTestFixture()

	out, err := eng.ProcessCommand(ctx, command("mod", "purge", true))
	require.NoError(err)
	assert.Equal("Deleting up to 10 messages.", out.Reply)
	purge := rec.Actions()[0]
	assert.Equal(dispatch.KindPurge, purge.Kind)
	assert.Equal("c1", purge.ChannelID)
	assert.Equal(10, purge.Count)

	rec.Reset()
	_, err = eng.ProcessCommand(ctx, command("mod", "purge", true, "25"))
	require.NoError(err)
	assert.Equal(25, rec.Actions()[0].Count)

	for _, arg := range []string{"0", "101", "lots"} {
		out, err = eng.ProcessCommand(ctx, command("mod", "purge", true, arg))
		require.NoError(err)
		assert.ErrorIs(out.Err, ErrUsage, arg)
	}

	entries, err := eng.History.ListModerationEntries(ctx, "g1", "mod", 0)
	require.NoError(err)
	require.Len(entries, 2)
	assert.Equal(models.ModPurge, entries[0].Kind)
}

func TestAddProfanityCommand(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()

	out, err := eng.ProcessMessage(ctx, msg("m1", "u1", "what a frell", t0))
	require.NoError(err)
	assert.Empty(out.Violations)

	res, err := eng.ProcessCommand(ctx, command("mod", "addprofanity", true, "Frell", "gorram"))
	require.NoError(err)
	assert.Equal("Added `frell`, `gorram` to the profanity filter.", res.Reply)

	out, err = eng.ProcessMessage(ctx, msg("m2", "u2", "what a frell", t0))
	require.NoError(err)
	require.Len(out.Violations, 1)
	assert.Equal("profanity", out.Violations[0].RuleID)

	// added words survive a reload
	_, err = eng.Reload()
	require.NoError(err)
	out, err = eng.ProcessMessage(ctx, msg("m3", "u3", "gorram it", t0))
	require.NoError(err)
	assert.Len(out.Violations, 1)

	res, err = eng.ProcessCommand(ctx, command("mod", "addprofanity", true))
	require.NoError(err)
	assert.ErrorIs(res.Err, ErrUsage)
}

var createdRe = regexp.MustCompile(`created with id (\S+) `)

func TestCreateSurveyCommand(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	eng, _ := EngineTestFixture()

	line := "Team social | choice: Which day? / Friday / Saturday | scale 1-5: How excited? | yesno: Bringing a friend? | text optional: Anything else?"
	out, err := eng.ProcessCommand(ctx, command("mod", "createsurvey", true, strings.Fields(line)...))
	require.NoError(err)
	require.NoError(out.Err)
	m := createdRe.FindStringSubmatch(out.Reply)
	require.Len(m, 2, out.Reply)

	def, err := eng.Surveys.Get(ctx, m[1])
	require.NoError(err)
	assert.Equal("Team social", def.Title)
	assert.Equal("g1", def.GuildID)
	assert.Equal("mod", def.CreatorID)
	assert.False(def.Active)
	require.Len(def.Questions, 4)
	assert.Equal(models.Question{ID: "q1", Text: "Which day?", Kind: models.QuestionChoice, Options: []string{"Friday", "Saturday"}, Required: true}, def.Questions[0])
	assert.Equal(1, def.Questions[1].Min)
	assert.Equal(5, def.Questions[1].Max)
	assert.Equal([]string{"Yes", "No"}, def.Questions[2].Options)
	assert.False(def.Questions[3].Required)

	out, err = eng.ProcessCommand(ctx, command("mod", "createsurvey", true, "Title", "|", "poll:", "what?"))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrInvalidDefinition)
	assert.Contains(out.Reply, "That survey is not valid: question 1: unknown question kind")

	// option checks are the survey engine's
	out, err = eng.ProcessCommand(ctx, command("mod", "createsurvey", true, strings.Fields("Title | choice: Pick / only")...))
	require.NoError(err)
	assert.ErrorIs(out.Err, survey.ErrInvalidDefinition)

	out, err = eng.ProcessCommand(ctx, command("mod", "createsurvey", true, "Just", "a", "title"))
	require.NoError(err)
	assert.ErrorIs(out.Err, ErrUsage)
}

func TestParseSurveyCommand(t *testing.T) {
	assert := assert.New(t)

	def, err := ParseSurveyCommand("Quick poll | text: Why and/or how?")
	assert.NoError(err)
	// only choice questions split on slashes
	assert.Equal("Why and/or how?", def.Questions[0].Text)

	for _, bad := range []string{
		"T | scale x-y: Rate",
		"T | text 1-5: Words",
		"T | choice",
		"T | : no kind",
	} {
		_, err := ParseSurveyCommand(bad)
		assert.ErrorIs(err, survey.ErrInvalidDefinition, bad)
	}
}
