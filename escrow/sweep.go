package escrow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepActor is recorded as the actor of refunds issued by SweepExpired.
const SweepActor = "watchdog"

// SweepResult lists the orders a sweep refunded and the candidates that
// another caller settled first.
type SweepResult struct {
	Refunded []string `json:"refunded"`
	Skipped  []string `json:"skipped"`
}

// SweepExpired runs CheckDeadlineAndRefund on every live order whose approved
// deadline is before now, at most concurrency at a time.
func (s *Service) SweepExpired(ctx context.Context, now time.Time, concurrency int) (SweepResult, error) {
	candidates, err := s.store.List(ctx, Filter{
		States: []State{
			StatePendingShipment,
			StateInTransit,
			StatePendingExtensionApproval,
			StateDisputed,
		},
		DeadlineBefore: now,
	})
	if err != nil {
		return SweepResult{}, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Refunded: []string{}, Skipped: []string{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, o := range candidates {
		id := o.ID
		g.Go(func() error {
			_, err := s.CheckDeadlineAndRefund(gctx, id, SweepActor, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Refunded = append(result.Refunded, id)
			case errors.Is(err, ErrInvalidState), errors.Is(err, ErrTooEarlyForRefund):
				result.Skipped = append(result.Skipped, id)
			default:
				return err
			}
			return nil
		})
	}
	err = g.Wait()
	sort.Strings(result.Refunded)
	sort.Strings(result.Skipped)
	s.logger.InfoContext(ctx, "escrow sweep finished",
		"refunded", len(result.Refunded), "skipped", len(result.Skipped), "candidates", len(candidates))
	return result, err
}
