package pipeline

import (
	"context"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"stagecraft/pkg/api"
)

// LocalProvider is a deterministic, offline GenerationProvider: it derives
// a minimal payload from the request's output schema instead of calling a
// model. Useful for demos and tests where reproducibility matters more
// than content quality.
type LocalProvider struct {
	// Seed text folded into generated strings so different jobs stay
	// distinguishable in demo output.
	Seed string
}

func (p *LocalProvider) Generate(ctx context.Context, req api.GenerationRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.OutputSchema == nil {
		return map[string]any{"text": p.text("output")}, nil
	}
	out, ok := p.fromSchema(req.OutputSchema, "output").(map[string]any)
	if !ok {
		return nil, fmt.Errorf("output schema root is not an object")
	}
	return out, nil
}

// fromSchema builds one value satisfying the schema. Objects get every
// declared property, arrays get a single element.
func (p *LocalProvider) fromSchema(s *jsonschema.Schema, name string) any {
	switch s.Type {
	case "object":
		obj := make(map[string]any, len(s.Properties))
		for prop, ps := range s.Properties {
			obj[prop] = p.fromSchema(ps, prop)
		}
		return obj
	case "array":
		if s.Items == nil {
			return []any{}
		}
		return []any{p.fromSchema(s.Items, name)}
	case "integer":
		return 1
	case "number":
		return 1.0
	case "boolean":
		return false
	default:
		return p.text(name)
	}
}

func (p *LocalProvider) text(name string) string {
	if p.Seed == "" {
		return "generated " + name
	}
	return fmt.Sprintf("generated %s (%s)", name, p.Seed)
}
