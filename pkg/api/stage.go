package api

import (
	"fmt"
	"strings"
)

// Stage identifies one step of the content pipeline.
//
// The enumeration is totally ordered; the order below is the only valid
// dependency direction (a stage may only read from stages that appear
// earlier). All ordering and validation logic derives from StageOrder,
// the single source of truth.
type Stage string

const (
	StagePlan        Stage = "PLAN"
	StageThemeDesign Stage = "THEME_DESIGN"
	StageOutline     Stage = "OUTLINE"
	StageStoryboard  Stage = "STORYBOARD"
	StageScript      Stage = "SCRIPT"
	StagePages       Stage = "PAGES"
	StageDone        Stage = "DONE"
)

var stageOrder = []Stage{
	StagePlan,
	StageThemeDesign,
	StageOutline,
	StageStoryboard,
	StageScript,
	StagePages,
	StageDone,
}

// stagePos maps each stage to its index in stageOrder.
var stagePos = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// StageOrder returns the full pipeline order. The returned slice is a copy;
// callers may mutate it freely.
func StageOrder() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Position returns the stage's index in the pipeline order, or -1 if the
// stage is not a member of the enumeration.
func (s Stage) Position() int {
	if p, ok := stagePos[s]; ok {
		return p
	}
	return -1
}

// Valid reports whether s is a member of the stage enumeration.
func (s Stage) Valid() bool {
	_, ok := stagePos[s]
	return ok
}

// Before reports whether s occupies a strictly earlier position than other.
// It returns false if either stage is unknown.
func (s Stage) Before(other Stage) bool {
	sp, ok1 := stagePos[s]
	op, ok2 := stagePos[other]
	return ok1 && ok2 && sp < op
}

// Key returns the lowercase form used as the input-assembly key for
// artifacts produced by this stage (e.g. "theme_design").
func (s Stage) Key() string {
	return strings.ToLower(string(s))
}

// ParseStage converts user-supplied text into a Stage. It is
// case-insensitive and accepts both "THEME_DESIGN" and "theme-design".
func ParseStage(text string) (Stage, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(text), "-", "_"))
	s := Stage(norm)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage: %q", text)
	}
	return s, nil
}
