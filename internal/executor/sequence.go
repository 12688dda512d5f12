package executor

import (
	"context"
	"time"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/pool"
	"github.com/artai8/la/internal/ratelimit"
)

// runSequence chains a chat phase and an adder phase on the same account.
// The lease is taken once per account and held across both phases; the
// phase boundary never returns the account to the pool.
func runSequence(ctx context.Context, r *run) error {
	var p model.SequencePayload
	if err := r.payload(&p); err != nil {
		return err
	}

	messages := p.Messages
	if len(messages) == 0 && p.UseRemoteDB {
		if sink := r.messageSink(ctx); sink != nil {
			defer sink.Close()
			fetched, err := sink.FetchMessages(ctx, 0)
			if err != nil {
				r.log(model.ChannelAdder, "remote message store read failed: %v", err)
			}
			messages = fetched
		}
	}
	if len(messages) == 0 {
		messages = r.settings.ChatMessages
	}

	accounts, err := r.lease(pool.Criteria{Count: p.NumberAccount})
	if err != nil {
		return err
	}

	filter := r.loadListFilter()
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			// One session serves both phases.
			client, err := w.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if len(messages) > 0 {
				count := p.ChatPerAccount
				if count <= 0 {
					count = sequenceMessageCount(p.PickMin, p.PickMax, len(messages))
				}
				err := r.chatLoop(ctx, w, client, chatPhase{
					links:    []string{p.ChatLink},
					messages: messages,
					count:    count,
					minDelay: p.MinDelay,
					maxDelay: p.MaxDelay,
				})
				if err != nil {
					return err
				}
				if err := r.pace(ctx, p.MinDelay, p.MaxDelay); err != nil {
					return err
				}
			}

			err = r.addLoop(ctx, w, client, addPhase{
				dest:      p.AddLink,
				targets:   r.engine.working,
				numberAdd: p.NumberAdd,
				minDelay:  p.MinDelay,
				maxDelay:  p.MaxDelay,
			}, filter)
			if err != nil {
				return err
			}

			if p.KeepOnline {
				r.engine.pool.SetKeepalive([]string{w.account.Phone}, true)
			}
			return nil
		})
	if err != nil {
		return err
	}
	return r.finishWorkers(aborted, len(accounts), r.engine.working.Len() > 0)
}

// sequenceMessageCount samples the chat-phase message count in
// [pickMin, pickMax], defaulting to one pass over the message list.
func sequenceMessageCount(pickMin, pickMax, fallback int) int {
	if pickMin <= 0 && pickMax <= 0 {
		return fallback
	}
	if pickMin <= 0 {
		pickMin = 1
	}
	if pickMax < pickMin {
		pickMax = pickMin
	}
	return int(ratelimit.NextDelay(time.Duration(pickMin), time.Duration(pickMax)))
}
