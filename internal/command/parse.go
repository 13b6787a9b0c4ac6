// Package command turns chat-style text into workflow control actions and
// dispatches them with a full audit trail.
package command

import (
	"regexp"
	"strings"

	"stagecraft/pkg/api"
)

// Parsed is one recognized control action. Params hold raw string values;
// validation happens at dispatch time.
type Parsed struct {
	Command api.Command
	Params  map[string]string
}

// Parse recognizes a control action in free text. Two parsers compose with
// first match wins: the slash-command form, then natural-language keyword
// matching. Unrecognized text returns nil so callers can fall through to
// general chat handling.
func Parse(text string) *Parsed {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		return parseSlash(text)
	}
	return parseNatural(text)
}

// parseSlash handles the explicit form: /command arg arg. Remaining tokens
// map positionally to the command's parameter shape.
func parseSlash(text string) *Parsed {
	fields := strings.Fields(text)
	cmd := api.Command(strings.TrimPrefix(fields[0], "/"))
	if !cmd.Known() {
		return nil
	}

	p := &Parsed{Command: cmd, Params: map[string]string{}}
	args := fields[1:]

	switch cmd {
	case api.CommandJumpTo:
		if len(args) > 0 {
			p.Params["stage"] = args[0]
		}
	case api.CommandModifyStage:
		if len(args) > 0 {
			p.Params["stage"] = args[0]
		}
		for _, arg := range args[1:] {
			if key, value, ok := strings.Cut(arg, "="); ok {
				p.Params[key] = value
			}
		}
	case api.CommandRetry:
		if len(args) > 0 {
			p.Params["stage"] = args[0]
		}
	}
	return p
}

// naturalPatterns maps each command to the phrasings that trigger it. Order
// matters: the first matching command wins, so the more specific intents
// (retry, jump) come before the generic ones.
var naturalPatterns = []struct {
	cmd      api.Command
	patterns []*regexp.Regexp
}{
	{api.CommandRetry, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(retry|redo|regenerate|rerun|re-run)\b`),
		regexp.MustCompile(`(?i)\btry\s+(it\s+)?again\b`),
	}},
	{api.CommandJumpTo, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(jump|skip|go)\s+(ahead\s+)?to\b`),
	}},
	{api.CommandModifyStage, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(modify|change|update|tweak|adjust)\b.*\b(stage|step)\b`),
	}},
	{api.CommandPause, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(pause|hold|suspend)\b`),
	}},
	{api.CommandResume, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(resume|continue|unpause|keep\s+going)\b`),
	}},
	{api.CommandRun, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(run|start|launch|begin|kick\s+off)\b`),
	}},
}

// stageKeywords is the fixed keyword set used to pull a stage name out of a
// natural-language message.
var stageKeywords = []struct {
	word  string
	stage api.Stage
}{
	{"storyboard", api.StageStoryboard},
	{"theme", api.StageThemeDesign},
	{"design", api.StageThemeDesign},
	{"outline", api.StageOutline},
	{"script", api.StageScript},
	{"pages", api.StagePages},
	{"page", api.StagePages},
	{"plan", api.StagePlan},
	{"done", api.StageDone},
}

func parseNatural(text string) *Parsed {
	for _, entry := range naturalPatterns {
		for _, re := range entry.patterns {
			if !re.MatchString(text) {
				continue
			}
			p := &Parsed{Command: entry.cmd, Params: map[string]string{}}
			if stage, ok := extractStage(text); ok {
				p.Params["stage"] = string(stage)
			}
			return p
		}
	}
	return nil
}

func extractStage(text string) (api.Stage, bool) {
	lower := strings.ToLower(text)
	for _, kw := range stageKeywords {
		if strings.Contains(lower, kw.word) {
			return kw.stage, true
		}
	}
	return "", false
}
