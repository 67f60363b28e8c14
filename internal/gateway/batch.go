package gateway

import (
	"context"
	"sync"

	"tessera/internal/domain"
	"tessera/internal/logger"

	"golang.org/x/sync/errgroup"
)

// BatchResult pairs one intent with its submission outcome.
type BatchResult struct {
	Intent Intent
	Result domain.OrderResult
	Err    error
}

// SubmitBatch submits a strategy's evaluation-cycle intents with bounded
// concurrency. Per-intent failures are recorded, not propagated: one
// rejected order must not starve the rest of the cycle. The per-key locking
// in the ledger keeps concurrent reservations of one account consistent.
func (g *Gateway) SubmitBatch(ctx context.Context, strategyID string, intents []Intent, workers int) []BatchResult {
	if workers <= 0 {
		workers = 4
	}
	out := make([]BatchResult, len(intents))
	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, intent := range intents {
		i, intent := i, intent
		eg.Go(func() error {
			result, err := g.Submit(gctx, strategyID, intent)
			if err != nil {
				logger.Warnf("batch submit %s %s %s failed: %v", strategyID, intent.Side, intent.Symbol, err)
			}
			mu.Lock()
			out[i] = BatchResult{Intent: intent, Result: result, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}
