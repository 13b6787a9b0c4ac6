package api

import (
	"context"
	"errors"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrSchemaMismatch indicates that a generation provider returned output
// that does not satisfy the requested schema. It is retryable under the
// stage's retry policy.
var ErrSchemaMismatch = errors.New("generated output does not match schema")

// GenerationRequest asks a provider for structured output.
type GenerationRequest struct {
	Model       string
	Temperature float64
	Prompt      string

	// OutputSchema, if non-nil, constrains the response structure.
	// Providers should return an error wrapping ErrSchemaMismatch when
	// they cannot satisfy it.
	OutputSchema *jsonschema.Schema
}

// GenerationProvider is the uniform interface to external AI generation.
// Concrete prompt text, model choice, and transport are out of this
// module's scope.
type GenerationProvider interface {
	Generate(ctx context.Context, req GenerationRequest) (map[string]any, error)
}

// PromptConfigSource resolves the active generation config for a stage.
// Implementations typically back onto a prompt-configuration service;
// returning (nil, nil) means "no override, use the static definition".
type PromptConfigSource interface {
	ActiveConfig(ctx context.Context, stage Stage) (*GenerationConfig, error)
}

// StaticPromptConfig is a PromptConfigSource with no overrides.
type StaticPromptConfig struct{}

func (StaticPromptConfig) ActiveConfig(ctx context.Context, stage Stage) (*GenerationConfig, error) {
	return nil, nil
}

// BlobStore receives best-effort copies of artifact payloads. Upload
// failures are logged by the executor and never fail the step; the
// database artifact row stays authoritative.
type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte) (url string, err error)
}
