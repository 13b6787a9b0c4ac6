package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecraft/internal/registry"
	"stagecraft/pkg/api"
)

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterInstallsFullPipeline(t *testing.T) {
	reg := newRegistry(t)

	steps := reg.StepsInExecutionOrder()
	require.Len(t, steps, len(api.StageOrder()))
	for i, stage := range api.StageOrder() {
		assert.Equal(t, stage, steps[i].Stage)
	}

	result := reg.ValidateDependencies()
	assert.True(t, result.IsValid, "errors: %v", result.Errors)

	gated := map[api.Stage]bool{}
	for _, step := range steps {
		gated[step.Stage] = step.Execution.RequiresApproval
	}
	for _, stage := range []api.Stage{api.StagePlan, api.StageOutline, api.StageStoryboard, api.StageScript} {
		assert.True(t, gated[stage], "%s must require approval", stage)
	}
	for _, stage := range []api.Stage{api.StageThemeDesign, api.StagePages, api.StageDone} {
		assert.False(t, gated[stage], "%s must not require approval", stage)
	}
}

func scriptInput(blocks ...string) map[string]any {
	arr := make([]any, len(blocks))
	for i, text := range blocks {
		arr[i] = map[string]any{"text": text}
	}
	return map[string]any{
		api.StageScript.Key(): map[string]any{"blocks": arr},
	}
}

func TestAssemblePagesChunksBlocks(t *testing.T) {
	ctx := context.Background()
	jc := api.JobContext{JobID: "j1", Stage: api.StagePages}

	out, err := assemblePages(ctx, scriptInput("a", "b", "c", "d", "e", "f", "g"), jc)
	require.NoError(t, err)
	pages := out["pages"].([]any)
	require.Len(t, pages, 3)
	assert.Equal(t, 3, out["count"])

	first := pages[0].(map[string]any)
	assert.Equal(t, 1, first["number"])
	assert.Len(t, first["blocks"].([]any), 3)
	last := pages[2].(map[string]any)
	assert.Equal(t, 3, last["number"])
	assert.Len(t, last["blocks"].([]any), 1)
}

func TestAssemblePagesHonorsConfigOverride(t *testing.T) {
	ctx := context.Background()
	input := scriptInput("a", "b", "c", "d")

	// Ints and JSON-decoded floats both work as overrides.
	for _, raw := range []any{2, float64(2)} {
		jc := api.JobContext{JobID: "j1", Config: map[string]any{"blocks_per_page": raw}}
		out, err := assemblePages(ctx, input, jc)
		require.NoError(t, err)
		assert.Equal(t, 2, out["count"], "override %T", raw)
	}

	// Out-of-range overrides clamp to one block per page.
	jc := api.JobContext{JobID: "j1", Config: map[string]any{"blocks_per_page": 0}}
	out, err := assemblePages(ctx, input, jc)
	require.NoError(t, err)
	assert.Equal(t, 4, out["count"])
}

func TestAssemblePagesEdgeCases(t *testing.T) {
	ctx := context.Background()
	jc := api.JobContext{JobID: "j1"}

	out, err := assemblePages(ctx, scriptInput(), jc)
	require.NoError(t, err)
	assert.Equal(t, 0, out["count"])
	assert.Empty(t, out["pages"])

	_, err = assemblePages(ctx, map[string]any{api.StageScript.Key(): "not an object"}, jc)
	assert.Error(t, err)

	_, err = assemblePages(ctx, map[string]any{api.StageScript.Key(): map[string]any{}}, jc)
	assert.Error(t, err)
}

func TestMergeManifest(t *testing.T) {
	ctx := context.Background()
	jc := api.JobContext{JobID: "j1", Stage: api.StageDone}

	pageList := []any{map[string]any{"number": 1, "blocks": []any{}}}
	out, err := mergeManifest(ctx, map[string]any{
		api.StagePlan.Key():  map[string]any{"title": "A Field Guide"},
		api.StagePages.Key(): map[string]any{"pages": pageList, "count": 1},
	}, jc)
	require.NoError(t, err)

	assert.Equal(t, "j1", out["job_id"])
	assert.Equal(t, "A Field Guide", out["title"])
	assert.Equal(t, 1, out["page_count"])
	assert.Equal(t, pageList, out["pages"])

	_, err = mergeManifest(ctx, map[string]any{
		api.StagePlan.Key():  "not an object",
		api.StagePages.Key(): map[string]any{},
	}, jc)
	assert.Error(t, err)
}

// The offline provider must emit payloads that pass each generation
// stage's own output schema, otherwise every demo run fails validation.
func TestLocalProviderSatisfiesStageSchemas(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	provider := &LocalProvider{Seed: "demo"}

	for _, def := range reg.StepsInExecutionOrder() {
		if def.Type != api.StepTypeAIGeneration {
			continue
		}
		out, err := provider.Generate(ctx, api.GenerationRequest{
			Model:        def.Generation.Model,
			Prompt:       "prompt",
			OutputSchema: def.OutputSchema,
		})
		require.NoError(t, err, "stage %s", def.Stage)
		assert.NoError(t, reg.ValidateOutput(def.Stage, out), "stage %s", def.Stage)
	}
}

func TestLocalProviderWithoutSchema(t *testing.T) {
	provider := &LocalProvider{}
	out, err := provider.Generate(context.Background(), api.GenerationRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "generated output", out["text"])
}
