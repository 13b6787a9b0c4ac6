package stagecraft

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"stagecraft/internal/blob"
	"stagecraft/internal/command"
	"stagecraft/internal/executor"
	"stagecraft/internal/pipeline"
	"stagecraft/internal/registry"
	"stagecraft/internal/store"
	"stagecraft/internal/workflow"
	"stagecraft/pkg/api"
)

// Builder provides a fluent API for assembling a Pipeline:
//
//	p, err := stagecraft.NewBuilder().
//	    WithSQLite(db).
//	    WithProvider(provider).
//	    WithDefaultSteps().
//	    WithObserver(stagecraft.NewLoggingObserver(logger)).
//	    Build()
//
// Step definitions are validated at Build time; a bad definition or a
// dependency cycle is a construction error, not a runtime surprise.
type Builder struct {
	stores   store.Stores
	provider api.GenerationProvider
	prompts  api.PromptConfigSource
	blobs    api.BlobStore
	observer api.Observer
	logger   *slog.Logger

	retryTimeout time.Duration
	defaultSteps bool
	steps        []api.StepDefinition

	err error
}

// NewBuilder creates an empty Builder. A store backend and (for generation
// stages) a provider must be configured before Build.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithMemoryStore backs the pipeline with in-memory stores. Suited to
// tests and single-process local runs; state does not survive restart.
func (b *Builder) WithMemoryStore() *Builder {
	b.stores = store.NewMemoryStore().Stores()
	return b
}

// WithSQLite backs the pipeline with a SQLite database. The schema is
// created on first use.
func (b *Builder) WithSQLite(db *sql.DB) *Builder {
	s, err := store.NewSQLiteStore(db)
	if err != nil {
		b.err = fmt.Errorf("stagecraft: init sqlite store: %w", err)
		return b
	}
	b.stores = s.Stores()
	return b
}

// WithStores supplies custom repository implementations.
func (b *Builder) WithStores(stores store.Stores) *Builder {
	b.stores = stores
	return b
}

// WithProvider sets the generation provider used by AI stages.
func (b *Builder) WithProvider(p api.GenerationProvider) *Builder {
	b.provider = p
	return b
}

// WithLocalProvider uses the deterministic offline provider. Demo and test
// use; output is derived from each stage's schema, not a model.
func (b *Builder) WithLocalProvider(seed string) *Builder {
	b.provider = &pipeline.LocalProvider{Seed: seed}
	return b
}

// WithPrompts sets an external prompt config source consulted before each
// generation call. Lookup failures fall back to the static definitions.
func (b *Builder) WithPrompts(src api.PromptConfigSource) *Builder {
	b.prompts = src
	return b
}

// WithBlobDir mirrors artifact payloads to files under dir. Best effort;
// the database rows stay authoritative.
func (b *Builder) WithBlobDir(dir string) *Builder {
	fs, err := blob.NewFS(dir)
	if err != nil {
		b.err = fmt.Errorf("stagecraft: init blob dir: %w", err)
		return b
	}
	b.blobs = fs
	return b
}

// WithBlobs sets a custom blob store.
func (b *Builder) WithBlobs(bs api.BlobStore) *Builder {
	b.blobs = bs
	return b
}

// WithObserver attaches an observer. Call once; compose multiple observers
// with NewCompositeObserver.
func (b *Builder) WithObserver(obs api.Observer) *Builder {
	b.observer = obs
	return b
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRetryTimeout overrides the retry sub-workflow's timeout.
func (b *Builder) WithRetryTimeout(d time.Duration) *Builder {
	b.retryTimeout = d
	return b
}

// WithDefaultSteps installs the built-in content pipeline (plan through
// final merge).
func (b *Builder) WithDefaultSteps() *Builder {
	b.defaultSteps = true
	return b
}

// Step appends a custom step definition. Applied after the default steps,
// so a custom definition for an existing stage replaces the built-in one.
func (b *Builder) Step(def api.StepDefinition) *Builder {
	b.steps = append(b.steps, def)
	return b
}

// Build validates the configuration and wires the Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.stores.Jobs == nil {
		return nil, fmt.Errorf("stagecraft: no store backend configured")
	}
	if !b.defaultSteps && len(b.steps) == 0 {
		return nil, fmt.Errorf("stagecraft: no step definitions configured")
	}

	reg := registry.New()
	if b.defaultSteps {
		if err := pipeline.Register(reg); err != nil {
			return nil, fmt.Errorf("stagecraft: register default steps: %w", err)
		}
	}
	for _, def := range b.steps {
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("stagecraft: register step %s: %w", def.Stage, err)
		}
	}

	exec := executor.New(executor.Config{
		Registry: reg,
		Stores:   b.stores,
		Provider: b.provider,
		Prompts:  b.prompts,
		Blobs:    b.blobs,
		Logger:   b.logger,
	})

	eng, err := workflow.New(workflow.Config{
		Registry:     reg,
		Stores:       b.stores,
		Executor:     exec,
		Observer:     b.observer,
		Logger:       b.logger,
		RetryTimeout: b.retryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("stagecraft: %w", err)
	}

	return &Pipeline{
		stores:     b.stores,
		engine:     eng,
		dispatcher: command.NewDispatcher(eng, b.stores, b.logger),
	}, nil
}

// MustBuild is like Build but panics on error. Useful in main().
func (b *Builder) MustBuild() *Pipeline {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
