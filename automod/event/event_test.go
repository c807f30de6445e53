package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageValidate(t *testing.T) {
	assert := assert.New(t)

	now := time.Now()
	good := MessageEvent{ID: "m1", GuildID: "g1", AuthorID: "u1", ChannelID: "c1", Timestamp: now}
	assert.NoError(good.Validate())

	noAuthor := good
	noAuthor.AuthorID = ""
	assert.ErrorIs(noAuthor.Validate(), ErrInvalidEvent)

	noTime := good
	noTime.Timestamp = time.Time{}
	assert.ErrorIs(noTime.Validate(), ErrInvalidEvent)

	// empty content is a valid message (eg, attachment only)
	good.Content = ""
	assert.NoError(good.Validate())
}

func TestCommandValidate(t *testing.T) {
	assert := assert.New(t)

	cmd := CommandEvent{ID: "c1", GuildID: "g1", Name: "listsurveys", Invoker: "u1", Timestamp: time.Now()}
	assert.NoError(cmd.Validate())

	cmd.Name = ""
	assert.ErrorIs(cmd.Validate(), ErrInvalidEvent)
}

func TestParseActionHint(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		raw      string
		expected ActionHint
		valid    bool
	}{
		{"", HintNone, true},
		{"none", HintNone, true},
		{"delete", HintDelete, true},
		{"warn", HintWarn, true},
		{"log", HintLog, true},
		{"ban", HintNone, false},
		{"DELETE", HintNone, false},
	}
	for _, f := range fixtures {
		hint, err := ParseActionHint(f.raw)
		if f.valid {
			assert.NoError(err, f.raw)
		} else {
			assert.Error(err, f.raw)
		}
		assert.Equal(f.expected, hint, f.raw)
	}
}
