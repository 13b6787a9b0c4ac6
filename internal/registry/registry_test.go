package registry

import (
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagecraft/pkg/api"
)

func genDef(stage api.Stage, sources ...api.Stage) api.StepDefinition {
	return api.StepDefinition{
		Stage:        stage,
		Type:         api.StepTypeAIGeneration,
		InputSources: sources,
		Generation: &api.GenerationConfig{
			Model:          "test-model",
			PromptTemplate: "generate for {{plan}}",
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	r := New()

	err := r.Register(api.StepDefinition{Stage: "MIXDOWN", Type: api.StepTypeProcessing})
	assert.ErrorContains(t, err, "unknown stage")

	err = r.Register(api.StepDefinition{Stage: api.StagePlan, Type: api.StepTypeAIGeneration})
	assert.ErrorContains(t, err, "generation config")

	err = r.Register(api.StepDefinition{
		Stage:      api.StagePlan,
		Type:       api.StepTypeAIGeneration,
		Generation: &api.GenerationConfig{Model: "m"},
	})
	assert.ErrorContains(t, err, "prompt template")

	err = r.Register(api.StepDefinition{Stage: api.StagePages, Type: api.StepTypeProcessing})
	assert.ErrorContains(t, err, "requires a processor")

	err = r.Register(api.StepDefinition{Stage: api.StagePlan, Type: "TELEPATHY"})
	assert.ErrorContains(t, err, "unknown step type")
}

func TestRegisterInputSourceRules(t *testing.T) {
	r := New()

	// A source at a later position than its consumer is rejected.
	err := r.Register(genDef(api.StagePlan, api.StageScript))
	assert.ErrorContains(t, err, "must precede")

	err = r.Register(genDef(api.StageOutline, api.StageOutline))
	assert.ErrorContains(t, err, "must precede")

	err = r.Register(genDef(api.StageOutline, api.StagePlan, api.StagePlan))
	assert.ErrorContains(t, err, "duplicate input source")

	err = r.Register(genDef(api.StageOutline, api.Stage("NOPE")))
	assert.ErrorContains(t, err, "unknown input source")

	require.NoError(t, r.Register(genDef(api.StageOutline, api.StagePlan)))
}

func TestRegisterLastWriteWins(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(genDef(api.StagePlan)))

	replacement := genDef(api.StagePlan)
	replacement.Generation.Model = "other-model"
	require.NoError(t, r.Register(replacement))

	def, ok := r.Get(api.StagePlan)
	require.True(t, ok)
	assert.Equal(t, "other-model", def.Generation.Model)
}

func TestStepsInExecutionOrder(t *testing.T) {
	r := New()
	// Registered out of order on purpose.
	require.NoError(t, r.Register(genDef(api.StageScript, api.StageOutline)))
	require.NoError(t, r.Register(genDef(api.StagePlan)))
	require.NoError(t, r.Register(genDef(api.StageOutline, api.StagePlan)))

	steps := r.StepsInExecutionOrder()
	require.Len(t, steps, 3)
	assert.Equal(t, api.StagePlan, steps[0].Stage)
	assert.Equal(t, api.StageOutline, steps[1].Stage)
	assert.Equal(t, api.StageScript, steps[2].Stage)
}

func TestDependenciesAndDependents(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(genDef(api.StagePlan)))
	require.NoError(t, r.Register(genDef(api.StageOutline, api.StagePlan)))
	require.NoError(t, r.Register(genDef(api.StageScript, api.StagePlan, api.StageOutline)))

	assert.Empty(t, r.Dependencies(api.StagePlan))
	assert.Equal(t, []api.Stage{api.StagePlan, api.StageOutline}, r.Dependencies(api.StageScript))
	assert.Equal(t, []api.Stage{api.StageOutline, api.StageScript}, r.Dependents(api.StagePlan))
	assert.Nil(t, r.Dependencies(api.StageDone))
}

func TestValidateDependencies(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(genDef(api.StagePlan)))
	require.NoError(t, r.Register(genDef(api.StageOutline, api.StagePlan)))
	assert.True(t, r.ValidateDependencies().IsValid)

	// A consumer whose source was never registered is caught at the
	// registry level, not at execution time.
	require.NoError(t, r.Register(genDef(api.StageScript, api.StageStoryboard)))
	res := r.ValidateDependencies()
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "unregistered stage")
}

func TestSchemaValidation(t *testing.T) {
	r := New()
	def := genDef(api.StagePlan)
	def.InputSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"markdown"},
		Properties: map[string]*jsonschema.Schema{
			"markdown": {Type: "string"},
		},
	}
	def.OutputSchema = &jsonschema.Schema{
		Type:     "object",
		Required: []string{"title"},
		Properties: map[string]*jsonschema.Schema{
			"title": {Type: "string"},
		},
	}
	require.NoError(t, r.Register(def))

	assert.NoError(t, r.ValidateInput(api.StagePlan, map[string]any{"markdown": "# hello"}))
	assert.Error(t, r.ValidateInput(api.StagePlan, map[string]any{"markdown": 42}))
	assert.Error(t, r.ValidateInput(api.StagePlan, map[string]any{}))

	assert.NoError(t, r.ValidateOutput(api.StagePlan, map[string]any{"title": "T"}))
	assert.Error(t, r.ValidateOutput(api.StagePlan, map[string]any{"count": 1}))

	// Stages without schemas accept anything.
	require.NoError(t, r.Register(genDef(api.StageOutline, api.StagePlan)))
	assert.NoError(t, r.ValidateInput(api.StageOutline, map[string]any{"whatever": true}))
}
