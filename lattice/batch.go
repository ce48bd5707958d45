package lattice

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/tollgate/types"
)

// ClassifyAll classifies inputs concurrently with at most workers goroutines.
// Outcomes are returned in input order. Only context cancellation fails it.
func (c *Classifier) ClassifyAll(ctx context.Context, inputs []types.DecisionInput, workers int) ([]types.Outcome, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	outcomes := make([]types.Outcome, len(inputs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range inputs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			outcomes[i] = c.Classify(inputs[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
