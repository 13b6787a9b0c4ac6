package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecraft/pkg/api"
)

func TestParseSlashCommands(t *testing.T) {
	cases := []struct {
		text   string
		cmd    api.Command
		params map[string]string
	}{
		{"/run", api.CommandRun, map[string]string{}},
		{"/pause", api.CommandPause, map[string]string{}},
		{"/resume", api.CommandResume, map[string]string{}},
		{"/jump-to SCRIPT", api.CommandJumpTo, map[string]string{"stage": "SCRIPT"}},
		{"/retry OUTLINE", api.CommandRetry, map[string]string{"stage": "OUTLINE"}},
		{"/retry", api.CommandRetry, map[string]string{}},
		{
			"/modify-stage PAGES blocks_per_page=2 style=compact",
			api.CommandModifyStage,
			map[string]string{"stage": "PAGES", "blocks_per_page": "2", "style": "compact"},
		},
	}
	for _, tc := range cases {
		p := Parse(tc.text)
		require.NotNil(t, p, "text %q", tc.text)
		assert.Equal(t, tc.cmd, p.Command, "text %q", tc.text)
		assert.Equal(t, tc.params, p.Params, "text %q", tc.text)
	}
}

func TestParseUnknownSlashCommand(t *testing.T) {
	assert.Nil(t, Parse("/teleport PLAN"))
	assert.Nil(t, Parse("/"))
}

func TestParseNaturalLanguage(t *testing.T) {
	cases := []struct {
		text  string
		cmd   api.Command
		stage string
	}{
		{"please run the pipeline", api.CommandRun, ""},
		{"start generating", api.CommandRun, ""},
		{"pause this for now", api.CommandPause, ""},
		{"ok, continue", api.CommandResume, ""},
		{"can you regenerate the storyboard?", api.CommandRetry, "STORYBOARD"},
		{"redo the plan please", api.CommandRetry, "PLAN"},
		{"try again", api.CommandRetry, ""},
		{"jump to the script stage", api.CommandJumpTo, "SCRIPT"},
		{"skip ahead to pages", api.CommandJumpTo, "PAGES"},
		{"change the outline stage settings", api.CommandModifyStage, "OUTLINE"},
	}
	for _, tc := range cases {
		p := Parse(tc.text)
		require.NotNil(t, p, "text %q", tc.text)
		assert.Equal(t, tc.cmd, p.Command, "text %q", tc.text)
		if tc.stage == "" {
			assert.NotContains(t, p.Params, "stage", "text %q", tc.text)
		} else {
			assert.Equal(t, tc.stage, p.Params["stage"], "text %q", tc.text)
		}
	}
}

func TestParseFirstMatchWins(t *testing.T) {
	// "rerun" must hit retry, not run, even though both patterns could
	// claim the message.
	p := Parse("rerun the script")
	require.NotNil(t, p)
	assert.Equal(t, api.CommandRetry, p.Command)
}

func TestParseFallsThroughOnPlainChat(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"what's the weather like?",
		"I liked the second draft better",
	} {
		assert.Nil(t, Parse(text), "text %q", text)
	}
}
