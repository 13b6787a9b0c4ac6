// Package registry holds the static step definitions of the content
// pipeline and validates their dependency graph.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"stagecraft/pkg/api"
)

// Registry maps stages to their step definitions. Registration is validated
// eagerly: an invalid definition is a boot-time error, never a runtime one.
type Registry struct {
	mu       sync.RWMutex
	defs     map[api.Stage]api.StepDefinition
	resolved map[api.Stage]resolvedSchemas
}

type resolvedSchemas struct {
	input  *jsonschema.Resolved
	output *jsonschema.Resolved
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		defs:     make(map[api.Stage]api.StepDefinition),
		resolved: make(map[api.Stage]resolvedSchemas),
	}
}

// Register validates def and adds it to the registry. A later registration
// for the same stage overwrites the earlier one (last write wins, used for
// hot-reload during development).
func (r *Registry) Register(def api.StepDefinition) error {
	if !def.Stage.Valid() {
		return fmt.Errorf("register step: unknown stage %q", def.Stage)
	}

	switch def.Type {
	case api.StepTypeAIGeneration:
		if def.Generation == nil {
			return fmt.Errorf("register step %s: AI_GENERATION requires a generation config", def.Stage)
		}
		if def.Generation.Model == "" || def.Generation.PromptTemplate == "" {
			return fmt.Errorf("register step %s: generation config needs model and prompt template", def.Stage)
		}
	case api.StepTypeProcessing, api.StepTypeMerge:
		if def.Processor == nil {
			return fmt.Errorf("register step %s: %s requires a processor", def.Stage, def.Type)
		}
	default:
		return fmt.Errorf("register step %s: unknown step type %q", def.Stage, def.Type)
	}

	seen := make(map[api.Stage]bool, len(def.InputSources))
	for _, src := range def.InputSources {
		if !src.Valid() {
			return fmt.Errorf("register step %s: unknown input source %q", def.Stage, src)
		}
		if seen[src] {
			return fmt.Errorf("register step %s: duplicate input source %s", def.Stage, src)
		}
		seen[src] = true
		if !src.Before(def.Stage) {
			return fmt.Errorf("register step %s: input source %s must precede it in the stage order", def.Stage, src)
		}
	}

	var rs resolvedSchemas
	var err error
	if def.InputSchema != nil {
		rs.input, err = def.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("register step %s: resolve input schema: %w", def.Stage, err)
		}
	}
	if def.OutputSchema != nil {
		rs.output, err = def.OutputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("register step %s: resolve output schema: %w", def.Stage, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Stage] = def
	r.resolved[def.Stage] = rs
	return nil
}

// MustRegister is like Register but panics on error. Useful for pipeline
// setup in main().
func (r *Registry) MustRegister(def api.StepDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a stage, if registered.
func (r *Registry) Get(stage api.Stage) (api.StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[stage]
	return def, ok
}

// ValidateInput validates an assembled input payload against the stage's
// input schema. A stage without an input schema accepts anything.
func (r *Registry) ValidateInput(stage api.Stage, payload map[string]any) error {
	r.mu.RLock()
	rs := r.resolved[stage]
	r.mu.RUnlock()
	if rs.input == nil {
		return nil
	}
	return rs.input.Validate(payload)
}

// ValidateOutput validates a produced output payload against the stage's
// output schema.
func (r *Registry) ValidateOutput(stage api.Stage, payload map[string]any) error {
	r.mu.RLock()
	rs := r.resolved[stage]
	r.mu.RUnlock()
	if rs.output == nil {
		return nil
	}
	return rs.output.Validate(payload)
}

// StepsInExecutionOrder returns the registered definitions in the fixed
// pipeline order (the stage enumeration filtered to registered stages).
func (r *Registry) StepsInExecutionOrder() []api.StepDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.StepDefinition, 0, len(r.defs))
	for _, stage := range api.StageOrder() {
		if def, ok := r.defs[stage]; ok {
			out = append(out, def)
		}
	}
	return out
}

// Dependencies returns the direct input sources of a stage.
func (r *Registry) Dependencies(stage api.Stage) []api.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[stage]
	if !ok {
		return nil
	}
	out := make([]api.Stage, len(def.InputSources))
	copy(out, def.InputSources)
	return out
}

// Dependents returns the registered stages that read from the given stage.
func (r *Registry) Dependents(stage api.Stage) []api.Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []api.Stage
	for _, s := range api.StageOrder() {
		def, ok := r.defs[s]
		if !ok {
			continue
		}
		for _, src := range def.InputSources {
			if src == stage {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// ValidationResult reports the outcome of ValidateDependencies.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// ValidateDependencies checks the whole registry: (a) no stage depends on
// itself, a later stage, or an unregistered stage; (b) no cycle exists.
func (r *Registry) ValidateDependencies() ValidationResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []string

	for stage, def := range r.defs {
		for _, src := range def.InputSources {
			if src == stage {
				errs = append(errs, fmt.Sprintf("stage %s depends on itself", stage))
				continue
			}
			if !src.Before(stage) {
				errs = append(errs, fmt.Sprintf("stage %s depends on later stage %s", stage, src))
			}
			if _, ok := r.defs[src]; !ok {
				errs = append(errs, fmt.Sprintf("stage %s depends on unregistered stage %s", stage, src))
			}
		}
	}

	// Cycle detection via depth-first search with a recursion stack.
	visited := make(map[api.Stage]bool)
	onStack := make(map[api.Stage]bool)

	var visit func(stage api.Stage) bool
	visit = func(stage api.Stage) bool {
		if onStack[stage] {
			errs = append(errs, fmt.Sprintf("dependency cycle involving stage %s", stage))
			return false
		}
		if visited[stage] {
			return true
		}
		visited[stage] = true
		onStack[stage] = true
		if def, ok := r.defs[stage]; ok {
			for _, src := range def.InputSources {
				if !visit(src) {
					onStack[stage] = false
					return false
				}
			}
		}
		onStack[stage] = false
		return true
	}

	for stage := range r.defs {
		visit(stage)
	}

	return ValidationResult{
		IsValid: len(errs) == 0,
		Errors:  errs,
	}
}
