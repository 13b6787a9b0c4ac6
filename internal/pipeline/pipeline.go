// Package pipeline defines the built-in content generation pipeline: plan,
// theme design, outline, storyboard, script, page assembly, and the final
// merge. Stage definitions are declarative; registering them is a boot-time
// operation.
package pipeline

import (
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"stagecraft/internal/registry"
	"stagecraft/pkg/api"
)

// defaultRetry is shared by the generation stages. Provider calls are the
// flaky part of the pipeline; deterministic processing gets no retries.
var defaultRetry = &api.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     30 * time.Second,
}

const generationTimeout = 2 * time.Minute

// Register installs the default content pipeline into reg.
func Register(reg *registry.Registry) error {
	defs := []api.StepDefinition{
		{
			Stage: api.StagePlan,
			Type:  api.StepTypeAIGeneration,
			InputSchema: objectSchema([]string{"markdown"}, map[string]*jsonschema.Schema{
				"markdown": {Type: "string"},
			}),
			OutputSchema: planSchema(),
			Execution: api.ExecutionPolicy{
				RequiresApproval: true,
				Retry:            defaultRetry,
				Timeout:          generationTimeout,
			},
			Generation: &api.GenerationConfig{
				Model:       "gpt-4o",
				Temperature: 0.4,
				PromptTemplate: "Read the source document and produce a content plan " +
					"with a title, a one-paragraph summary, and an ordered list of sections.\n\n" +
					"Source:\n{{markdown}}",
			},
		},
		{
			Stage:        api.StageThemeDesign,
			Type:         api.StepTypeAIGeneration,
			InputSources: []api.Stage{api.StagePlan},
			OutputSchema: themeSchema(),
			Execution: api.ExecutionPolicy{
				Retry:   defaultRetry,
				Timeout: generationTimeout,
			},
			Generation: &api.GenerationConfig{
				Model:       "gpt-4o",
				Temperature: 0.7,
				PromptTemplate: "Design a visual theme (palette, typography, tone) for the " +
					"content plan titled {{plan.title}}.\n\nPlan:\n{{plan}}",
			},
		},
		{
			Stage:        api.StageOutline,
			Type:         api.StepTypeAIGeneration,
			InputSources: []api.Stage{api.StagePlan, api.StageThemeDesign},
			OutputSchema: outlineSchema(),
			Execution: api.ExecutionPolicy{
				RequiresApproval: true,
				Retry:            defaultRetry,
				Timeout:          generationTimeout,
			},
			Generation: &api.GenerationConfig{
				Model:       "gpt-4o",
				Temperature: 0.5,
				PromptTemplate: "Expand the plan into a chapter outline. Each chapter needs " +
					"a title and its narrative beats.\n\nPlan:\n{{plan}}\n\nTheme:\n{{theme_design}}",
			},
		},
		{
			Stage:        api.StageStoryboard,
			Type:         api.StepTypeAIGeneration,
			InputSources: []api.Stage{api.StageOutline},
			OutputSchema: storyboardSchema(),
			Execution: api.ExecutionPolicy{
				RequiresApproval: true,
				Retry:            defaultRetry,
				Timeout:          generationTimeout,
			},
			Generation: &api.GenerationConfig{
				Model:       "gpt-4o",
				Temperature: 0.6,
				PromptTemplate: "Turn the outline into a storyboard: one scene per beat with " +
					"a description and a visual direction.\n\nOutline:\n{{outline}}",
			},
		},
		{
			Stage:        api.StageScript,
			Type:         api.StepTypeAIGeneration,
			InputSources: []api.Stage{api.StageOutline, api.StageStoryboard},
			OutputSchema: scriptSchema(),
			Execution: api.ExecutionPolicy{
				RequiresApproval: true,
				Retry:            defaultRetry,
				Timeout:          generationTimeout,
			},
			Generation: &api.GenerationConfig{
				Model:       "gpt-4o",
				Temperature: 0.6,
				PromptTemplate: "Write the full script, one block per storyboard scene.\n\n" +
					"Storyboard:\n{{storyboard}}",
			},
		},
		{
			Stage:        api.StagePages,
			Type:         api.StepTypeProcessing,
			InputSources: []api.Stage{api.StageScript, api.StageThemeDesign},
			OutputSchema: pagesSchema(),
			Execution:    api.ExecutionPolicy{},
			Processor:    api.ProcessorFunc(assemblePages),
		},
		{
			Stage:        api.StageDone,
			Type:         api.StepTypeMerge,
			InputSources: []api.Stage{api.StagePlan, api.StagePages},
			OutputSchema: manifestSchema(),
			Execution:    api.ExecutionPolicy{},
			Processor:    api.ProcessorFunc(mergeManifest),
		},
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Required: required, Properties: props}
}

func planSchema() *jsonschema.Schema {
	return objectSchema([]string{"title", "summary", "sections"}, map[string]*jsonschema.Schema{
		"title":   {Type: "string"},
		"summary": {Type: "string"},
		"sections": {
			Type: "array",
			Items: objectSchema([]string{"heading"}, map[string]*jsonschema.Schema{
				"heading": {Type: "string"},
				"summary": {Type: "string"},
			}),
		},
	})
}

func themeSchema() *jsonschema.Schema {
	return objectSchema([]string{"palette", "tone"}, map[string]*jsonschema.Schema{
		"palette": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"tone":    {Type: "string"},
		"typography": objectSchema(nil, map[string]*jsonschema.Schema{
			"heading": {Type: "string"},
			"body":    {Type: "string"},
		}),
	})
}

func outlineSchema() *jsonschema.Schema {
	return objectSchema([]string{"chapters"}, map[string]*jsonschema.Schema{
		"chapters": {
			Type: "array",
			Items: objectSchema([]string{"title", "beats"}, map[string]*jsonschema.Schema{
				"title": {Type: "string"},
				"beats": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			}),
		},
	})
}

func storyboardSchema() *jsonschema.Schema {
	return objectSchema([]string{"scenes"}, map[string]*jsonschema.Schema{
		"scenes": {
			Type: "array",
			Items: objectSchema([]string{"description"}, map[string]*jsonschema.Schema{
				"description": {Type: "string"},
				"visual":      {Type: "string"},
			}),
		},
	})
}

func scriptSchema() *jsonschema.Schema {
	return objectSchema([]string{"blocks"}, map[string]*jsonschema.Schema{
		"blocks": {
			Type: "array",
			Items: objectSchema([]string{"text"}, map[string]*jsonschema.Schema{
				"scene": {Type: "string"},
				"text":  {Type: "string"},
			}),
		},
	})
}

func pagesSchema() *jsonschema.Schema {
	return objectSchema([]string{"pages", "count"}, map[string]*jsonschema.Schema{
		"count": {Type: "integer"},
		"pages": {
			Type: "array",
			Items: objectSchema([]string{"number", "blocks"}, map[string]*jsonschema.Schema{
				"number": {Type: "integer"},
				"blocks": {Type: "array"},
			}),
		},
	})
}

func manifestSchema() *jsonschema.Schema {
	return objectSchema([]string{"job_id", "title", "page_count"}, map[string]*jsonschema.Schema{
		"job_id":     {Type: "string"},
		"title":      {Type: "string"},
		"page_count": {Type: "integer"},
	})
}
