package executor

import (
	"context"
	"sync/atomic"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/pool"
)

// runJoin distributes the target links round-robin over the leased accounts
// and performs one join per assignment with inter-action pacing.
func runJoin(ctx context.Context, r *run) error {
	var p model.JoinPayload
	if err := r.payload(&p); err != nil {
		return err
	}

	accounts, err := r.lease(pool.Criteria{Count: p.NumberAccount})
	if err != nil {
		return err
	}

	// links[i] goes to account i mod n.
	assignments := make(map[string][]string, len(accounts))
	for i, link := range p.Links {
		phone := accounts[i%len(accounts)].Phone
		assignments[phone] = append(assignments[phone], link)
	}

	remaining := newRemaining(len(p.Links))
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			links := assignments[w.account.Phone]
			if len(links) == 0 {
				return nil
			}
			client, err := w.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, link := range links {
				if err := ctx.Err(); err != nil {
					return err
				}
				for {
					_, err := client.JoinChat(ctx, link)
					if err == nil {
						break
					}
					if err = w.fail(ctx, err); err != nil {
						return err
					}
				}
				remaining.done()
				r.count(ctx, model.Counters{OK: 1})
				r.log(model.ChannelAdder, "account %s joined %s", w.account.Phone, link)
				if err := r.pace(ctx, p.AccountDelay, p.AccountDelay); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return err
	}
	return r.finishWorkers(aborted, len(accounts), remaining.left() > 0)
}

// remaining tracks undone work across account workers.
type remaining struct {
	n atomic.Int64
}

func newRemaining(n int) *remaining {
	rem := &remaining{}
	rem.n.Store(int64(n))
	return rem
}

func (rem *remaining) done() { rem.n.Add(-1) }

func (rem *remaining) left() int { return int(rem.n.Load()) }
