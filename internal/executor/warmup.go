package executor

import (
	"context"
	"time"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/ratelimit"
)

// Warmup intervals are independent of the task pacing settings: organic
// usage is simulated at a much shorter cadence.
const (
	warmupIntervalMin = 5 * time.Second
	warmupIntervalMax = 30 * time.Second
)

// runWarmup keeps the selected accounts performing low-risk actions for a
// bounded duration. There is no target count; only the clock ends the run.
func runWarmup(ctx context.Context, r *run) error {
	var p model.WarmupPayload
	if err := r.payload(&p); err != nil {
		return err
	}
	actions := p.Actions
	if len(actions) == 0 {
		actions = []string{platform.ActionRead, platform.ActionScroll}
	}

	criteria := pool.Criteria{Warming: true}
	if len(p.Phones) > 0 {
		criteria.Phones = p.Phones
		criteria.Count = len(p.Phones)
	}
	accounts, err := r.lease(criteria)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(time.Duration(p.DurationMin) * time.Minute)
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			client, err := w.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			for i := 0; time.Now().Before(deadline); i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := client.Warmup(ctx, actions[i%len(actions)]); err != nil {
					if err = w.fail(ctx, err); err != nil {
						return err
					}
					continue
				}
				r.count(ctx, model.Counters{OK: 1})

				interval := ratelimit.NextDelay(warmupIntervalMin, warmupIntervalMax)
				if remaining := time.Until(deadline); interval > remaining {
					interval = remaining
				}
				if err := sleep(ctx, interval); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	r.log(model.ChannelAdder, "warmup finished for %d accounts", len(accounts))
	return r.finishWorkers(aborted, len(accounts), false)
}
