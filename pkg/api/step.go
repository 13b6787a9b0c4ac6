package api

import (
	"context"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// StepType classifies how a stage produces its output.
type StepType string

const (
	// StepTypeAIGeneration delegates to an external GenerationProvider
	// with a rendered prompt template.
	StepTypeAIGeneration StepType = "AI_GENERATION"

	// StepTypeProcessing runs a deterministic Processor over the
	// assembled inputs.
	StepTypeProcessing StepType = "PROCESSING"

	// StepTypeMerge combines prior stage artifacts into a final payload.
	// Executed like PROCESSING; the distinction is informational.
	StepTypeMerge StepType = "MERGE"
)

// RetryPolicy controls how a stage is retried by the workflow layer when
// its execution fails. MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; it grows by
// BackoffMultiplier per attempt (default 2.0) and is capped at MaxBackoff
// when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// ExecutionPolicy describes how the workflow treats a stage.
type ExecutionPolicy struct {
	// RequiresApproval suspends the job after this stage until a human
	// approves the produced artifact.
	RequiresApproval bool

	// Retry, if non-nil, is applied by the workflow layer around the
	// executor (the executor itself is a single-attempt unit).
	Retry *RetryPolicy

	// Timeout bounds one execution attempt of this stage. Zero means
	// no stage-level timeout.
	Timeout time.Duration
}

// GenerationConfig holds the static generation parameters for an
// AI_GENERATION stage. A PromptConfigSource lookup may override it at
// runtime.
type GenerationConfig struct {
	Model          string
	Temperature    float64
	PromptTemplate string
}

// JobContext carries job-scoped information into Processor implementations.
type JobContext struct {
	JobID  string
	Stage  Stage
	Config map[string]any
}

// Processor is the execution strategy for PROCESSING and MERGE stages.
// Input is the assembled, schema-validated input payload; the returned map
// must satisfy the stage's output schema.
type Processor interface {
	Process(ctx context.Context, input map[string]any, jc JobContext) (map[string]any, error)
}

// ProcessorFunc adapts a plain function to the Processor interface.
type ProcessorFunc func(ctx context.Context, input map[string]any, jc JobContext) (map[string]any, error)

func (f ProcessorFunc) Process(ctx context.Context, input map[string]any, jc JobContext) (map[string]any, error) {
	return f(ctx, input, jc)
}

// StepDefinition is the immutable, declarative description of one pipeline
// stage. Definitions are loaded at process start and validated by the
// registry; an invalid definition is a boot-time error.
type StepDefinition struct {
	Stage Stage
	Type  StepType

	// InputSources lists the stages whose latest artifacts feed this
	// stage. Every source must occupy a strictly earlier position in the
	// stage enumeration; the registry enforces this.
	InputSources []Stage

	// InputSchema / OutputSchema validate the assembled input and the
	// produced output. A nil schema skips that validation.
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema

	Execution ExecutionPolicy

	// Generation is required for AI_GENERATION stages and ignored for
	// the other types.
	Generation *GenerationConfig

	// Processor is required for PROCESSING and MERGE stages. Registering
	// a processing stage without one is a definition error, so the
	// executor never has to guard against a nil dispatch target.
	Processor Processor
}
