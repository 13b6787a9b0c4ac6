package pipeline

import (
	"context"
	"fmt"

	"stagecraft/pkg/api"
)

// defaultBlocksPerPage is used when the job config does not set
// "blocks_per_page".
const defaultBlocksPerPage = 3

// assemblePages chunks the script blocks into fixed-size pages. Purely
// deterministic; the page size is tunable through the job config.
func assemblePages(ctx context.Context, input map[string]any, jc api.JobContext) (map[string]any, error) {
	script, ok := input[api.StageScript.Key()].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("script artifact is not an object")
	}
	blocks, ok := script["blocks"].([]any)
	if !ok {
		return nil, fmt.Errorf("script artifact has no blocks array")
	}

	perPage := defaultBlocksPerPage
	if raw, ok := jc.Config["blocks_per_page"]; ok {
		switch v := raw.(type) {
		case int:
			perPage = v
		case float64:
			perPage = int(v)
		}
	}
	if perPage < 1 {
		perPage = 1
	}

	var pages []any
	for start := 0; start < len(blocks); start += perPage {
		end := start + perPage
		if end > len(blocks) {
			end = len(blocks)
		}
		pages = append(pages, map[string]any{
			"number": len(pages) + 1,
			"blocks": blocks[start:end],
		})
	}
	if pages == nil {
		pages = []any{}
	}

	return map[string]any{
		"pages": pages,
		"count": len(pages),
	}, nil
}

// mergeManifest produces the final deliverable manifest from the plan and
// the assembled pages.
func mergeManifest(ctx context.Context, input map[string]any, jc api.JobContext) (map[string]any, error) {
	plan, ok := input[api.StagePlan.Key()].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plan artifact is not an object")
	}
	pages, ok := input[api.StagePages.Key()].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("pages artifact is not an object")
	}

	title, _ := plan["title"].(string)
	count := 0
	switch v := pages["count"].(type) {
	case int:
		count = v
	case float64:
		count = int(v)
	}

	return map[string]any{
		"job_id":     jc.JobID,
		"title":      title,
		"page_count": count,
		"pages":      pages["pages"],
	}, nil
}
