package executor

import (
	"context"
	"sync/atomic"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/pool"
)

// runDM sends exactly one direct message to each recipient. Recipients come
// from a named source group or the loaded working set and are drawn from a
// shared queue, so no recipient is messaged twice even with several
// accounts sending.
func runDM(ctx context.Context, r *run) error {
	var p model.DMPayload
	if err := r.payload(&p); err != nil {
		return err
	}

	targets := r.engine.working
	if !p.UseLoaded {
		targets = NewWorkingSet()
		usernames, err := r.engine.store.MemberUsernames(ctx, p.GroupName, 0)
		if err != nil {
			return err
		}
		loaded := targets.Load(usernames)
		r.log(model.ChannelAdder, "loaded %d recipients from group %s", loaded, p.GroupName)
	}

	accounts, err := r.lease(pool.Criteria{Count: p.NumberAccount})
	if err != nil {
		return err
	}

	filter := r.loadListFilter()
	var msgIndex atomic.Int64
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			client, err := w.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				target, ok := targets.Pop()
				if !ok {
					return nil
				}
				if !filter.Allowed(target) {
					r.log(model.ChannelAdder, "skipping %s (list filter)", target)
					continue
				}

				text := p.Messages[int(msgIndex.Add(1)-1)%len(p.Messages)]
				err := client.SendDirect(ctx, target, text)
				if err != nil {
					if ferr := w.fail(ctx, err); ferr != nil {
						targets.Return(target)
						return ferr
					}
					r.count(ctx, model.Counters{Bad: 1})
					continue
				}
				r.count(ctx, model.Counters{Sent: 1, OK: 1})
				r.log(model.ChannelAdder, "account %s messaged %s", w.account.Phone, target)

				if err := r.pace(ctx, p.MinDelay, p.MaxDelay); err != nil {
					return err
				}
			}
		})
	if err != nil {
		return err
	}
	return r.finishWorkers(aborted, len(accounts), targets.Len() > 0)
}
