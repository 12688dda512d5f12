package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
)

// runAdder adds members from the working set (or the remote member store)
// to a destination group. Every target passes the blacklist/whitelist
// filter and the added-members ledger before an add is attempted.
func runAdder(ctx context.Context, r *run) error {
	var p model.AdderPayload
	if err := r.payload(&p); err != nil {
		return err
	}
	dest := p.AllLinks()[0]

	targets := r.engine.working
	useRemote := p.UseRemoteDB == nil || *p.UseRemoteDB
	if useRemote {
		if sink := r.memberSink(ctx); sink != nil {
			defer sink.Close()
			usernames, err := sink.FetchUsernames(ctx, r.settings.MaxMembersLimit)
			if err != nil {
				r.log(model.ChannelAdder, "remote member store read failed: %v", err)
			} else if loaded := targets.Load(usernames); loaded > 0 {
				r.log(model.ChannelAdder, "loaded %d targets from remote store", loaded)
			}
		}
	}

	return r.runAddPhase(ctx, addPhase{
		dest:          dest,
		targets:       targets,
		numberAdd:     p.NumberAdd,
		numberAccount: p.NumberAccount,
		minDelay:      p.MinDelay,
		maxDelay:      p.MaxDelay,
	})
}

// runInvite is the adder with explicit source groups: targets are the
// ok-classified members of the named groups, or the loaded working set.
func runInvite(ctx context.Context, r *run) error {
	var p model.InvitePayload
	if err := r.payload(&p); err != nil {
		return err
	}

	targets := r.engine.working
	if !p.UseLoaded {
		targets = NewWorkingSet()
		for _, group := range p.GroupNames {
			usernames, err := r.engine.store.MemberUsernames(ctx, group, 0)
			if err != nil {
				return err
			}
			loaded := targets.Load(usernames)
			r.log(model.ChannelAdder, "loaded %d targets from group %s", loaded, group)
		}
	}

	return r.runAddPhase(ctx, addPhase{
		dest:          p.Link,
		targets:       targets,
		numberAdd:     p.NumberAdd,
		numberAccount: p.NumberAccount,
		minDelay:      p.MinDelay,
		maxDelay:      p.MaxDelay,
	})
}

// addPhase is the shared membership-addition loop, also embedded in the
// sequence task.
type addPhase struct {
	dest          string
	targets       *WorkingSet
	numberAdd     int
	numberAccount int
	minDelay      int
	maxDelay      int
}

func (r *run) runAddPhase(ctx context.Context, phase addPhase) error {
	accounts, err := r.lease(pool.Criteria{Count: phase.numberAccount})
	if err != nil {
		return err
	}

	filter := r.loadListFilter()
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			return r.addWorker(ctx, w, phase, filter)
		})
	if err != nil {
		return err
	}
	return r.finishWorkers(aborted, len(accounts), phase.targets.Len() > 0)
}

// addWorker dials a session for the account and runs the add loop.
func (r *run) addWorker(ctx context.Context, w *worker, phase addPhase, filter listFilter) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return r.addLoop(ctx, w, client, phase, filter)
}

// addLoop runs one account's contribution: up to numberAdd successful adds,
// drawing from the shared target set. Reaching the per-account cap or
// draining the set ends the contribution successfully.
func (r *run) addLoop(ctx context.Context, w *worker, client platform.Client, phase addPhase, filter listFilter) error {
	var chatID int64
	for {
		chat, err := client.JoinChat(ctx, phase.dest)
		if err == nil {
			chatID = chat.ID
			break
		}
		if err = w.fail(ctx, err); err != nil {
			return err
		}
	}

	added := 0
	for phase.numberAdd <= 0 || added < phase.numberAdd {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, ok := phase.targets.Pop()
		if !ok {
			return nil
		}
		if !filter.Allowed(target) {
			r.log(model.ChannelAdder, "skipping %s (list filter)", target)
			continue
		}
		if done, err := r.engine.store.IsMemberAdded(ctx, target); err == nil && done {
			continue
		}

		err := client.AddChatMember(ctx, chatID, target)
		if err != nil {
			if ferr := w.fail(ctx, err); ferr != nil {
				// The target was never attempted to completion.
				phase.targets.Return(target)
				return ferr
			}
			r.count(ctx, model.Counters{Bad: 1})
			continue
		}

		added++
		r.count(ctx, model.Counters{Added: 1, OK: 1})
		if err := r.engine.store.RecordMemberAdded(ctx, target, w.account.Phone, r.task.ID); err != nil {
			r.logger.Warn("Failed to record added member", zap.Error(err))
		}
		r.log(model.ChannelAdder, "account %s added %s", w.account.Phone, target)

		if err := r.pace(ctx, phase.minDelay, phase.maxDelay); err != nil {
			return err
		}
	}
	return nil
}
