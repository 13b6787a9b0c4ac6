// Package stagecraft is a durable, approval-gated stage execution engine
// for multi-stage content generation pipelines.
//
// A pipeline turns a source document into a finished set of pages through
// a fixed sequence of stages (plan, theme design, outline, storyboard,
// script, page assembly, final merge). Each stage produces an immutable,
// versioned artifact; stages that matter get a human approval gate, and
// the whole workflow survives process restarts because every bit of
// progress lives in the stores, not in memory.
//
// Quick start with the built-in pipeline and in-memory persistence:
//
//	p, err := stagecraft.NewMemoryPipeline(provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	err = p.Start(ctx, "job-1", map[string]any{"markdown": src}, false)
//	// ... job suspends at the first approval gate ...
//	job, err := p.Approve(ctx, "job-1", stagecraft.StagePlan)
//
// Chat-style control works through ProcessText, which recognizes slash
// commands (/run, /pause, /jump-to SCRIPT) and simple natural-language
// phrasings, audits every dispatch, and falls through for ordinary text.
//
// For durable deployments use NewSQLitePipeline and call Recover on
// startup to relaunch jobs the previous process left mid-flight.
package stagecraft
