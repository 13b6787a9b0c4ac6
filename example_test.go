package stagecraft_test

import (
	"context"
	"fmt"
	"log"

	"stagecraft"
)

// Example_autoMode runs the default content pipeline end to end with every
// approval gate skipped, using the deterministic offline provider.
func Example_autoMode() {
	ctx := context.Background()

	p, err := stagecraft.NewBuilder().
		WithMemoryStore().
		WithLocalProvider("docs").
		WithDefaultSteps().
		Build()
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	completed := make(chan struct{}, 1)
	cancel := p.OnStatusChange("guide", func(job *stagecraft.Job) {
		if job.Status == stagecraft.StatusCompleted {
			select {
			case completed <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	input := map[string]any{"markdown": "# A Short Guide"}
	if err := p.Start(ctx, "guide", input, true); err != nil {
		log.Fatal(err)
	}
	<-completed

	manifest, err := p.LatestArtifact(ctx, "guide", stagecraft.StageDone)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("manifest for %s: title=%q page_count=%v\n",
		manifest.Content["job_id"], manifest.Content["title"], manifest.Content["page_count"])

	// Output:
	// manifest for guide: title="generated title (docs)" page_count=1
}

// Example_approvalGate walks a job through its first approval gate by hand.
func Example_approvalGate() {
	ctx := context.Background()

	p, err := stagecraft.NewBuilder().
		WithMemoryStore().
		WithLocalProvider("docs").
		WithDefaultSteps().
		Build()
	if err != nil {
		log.Fatal(err)
	}
	defer p.Close()

	gate := make(chan stagecraft.Stage, 1)
	cancel := p.OnStatusChange("guide", func(job *stagecraft.Job) {
		if job.Status == stagecraft.StatusWaitingApproval {
			select {
			case gate <- job.CurrentStage:
			default:
			}
		}
	})
	defer cancel()

	input := map[string]any{"markdown": "# A Short Guide"}
	if err := p.Start(ctx, "guide", input, false); err != nil {
		log.Fatal(err)
	}

	stage := <-gate
	fmt.Printf("suspended on %s\n", stage)

	if _, err := p.Approve(ctx, "guide", stage); err != nil {
		log.Fatal(err)
	}

	// The pipeline advances through the ungated theme design stage and
	// suspends again on the next gate.
	fmt.Printf("next gate: %s\n", <-gate)

	// Output:
	// suspended on PLAN
	// next gate: OUTLINE
}
