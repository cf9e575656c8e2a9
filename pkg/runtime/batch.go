package runtime

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs a turn request with its outcome.
type BatchResult struct {
	Request TurnRequest
	Result  *TurnResult
	Err     error
}

// RunBatch executes independent turns in parallel, at most limit at a time
// (limit <= 0 means no limit). Results are returned in request order. A failed
// turn does not stop the others; only ctx cancellation does.
func RunBatch(ctx context.Context, o *Orchestrator, reqs []TurnRequest, limit int) []BatchResult {
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, req := range reqs {
		results[i].Request = req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Result, results[i].Err = o.ExecuteTurn(ctx, req)
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// RunSequence executes turns one after another on the same orchestrator and
// stops at the first error. It returns the results gathered so far.
func RunSequence(ctx context.Context, o *Orchestrator, reqs []TurnRequest) ([]*TurnResult, error) {
	results := make([]*TurnResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := o.ExecuteTurn(ctx, req)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
