package executor

import (
	"context"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
)

// runChat posts a bounded number of messages per account into the target
// chats, cycling through the message list deterministically and sampling
// the inter-message delay from the chat interval bounds.
func runChat(ctx context.Context, r *run) error {
	var p model.ChatPayload
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
	if len(messages) == 0 {
		return model.ErrInvalidPayload
	}

	maxMessages := p.MaxMessages
	if maxMessages <= 0 {
		maxMessages = len(messages)
	}
	minDelay, maxDelay := p.MinDelay, p.MaxDelay
	if minDelay <= 0 {
		minDelay = r.settings.ChatIntervalMin
	}
	if maxDelay <= 0 {
		maxDelay = r.settings.ChatIntervalMax
	}

	accounts, err := r.lease(pool.Criteria{Count: p.NumberAccount})
	if err != nil {
		return err
	}

	links := p.AllLinks()
	aborted, err := r.runWorkers(ctx, model.ChannelAdder, accounts,
		func(ctx context.Context, w *worker) error {
			return r.chatWorker(ctx, w, chatPhase{
				links:    links,
				messages: messages,
				count:    maxMessages,
				minDelay: minDelay,
				maxDelay: maxDelay,
			})
		})
	if err != nil {
		return err
	}
	return r.finishWorkers(aborted, len(accounts), true)
}

// chatPhase is the bounded message loop, shared with the sequence task.
type chatPhase struct {
	links    []string
	messages []string
	count    int
	minDelay int
	maxDelay int
}

// chatWorker dials a session for the account and runs the message loop.
func (r *run) chatWorker(ctx context.Context, w *worker, phase chatPhase) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return r.chatLoop(ctx, w, client, phase)
}

// chatLoop sends count messages, message i going to chat i mod n. The
// message list cycles so count beyond its length repeats from the start.
func (r *run) chatLoop(ctx context.Context, w *worker, client platform.Client, phase chatPhase) error {
	chats := make([]int64, 0, len(phase.links))
	for _, link := range phase.links {
		for {
			chat, err := client.JoinChat(ctx, link)
			if err == nil {
				chats = append(chats, chat.ID)
				break
			}
			if err = w.fail(ctx, err); err != nil {
				return err
			}
		}
	}

	for i := 0; i < phase.count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		text := phase.messages[i%len(phase.messages)]
		chatID := chats[i%len(chats)]
		for {
			err := client.SendMessage(ctx, chatID, text)
			if err == nil {
				break
			}
			if err = w.fail(ctx, err); err != nil {
				return err
			}
		}
		r.count(ctx, model.Counters{Sent: 1, OK: 1})

		if i < phase.count-1 {
			if err := r.pace(ctx, phase.minDelay, phase.maxDelay); err != nil {
				return err
			}
		}
	}
	r.log(model.ChannelAdder, "account %s sent %d messages", w.account.Phone, phase.count)
	return nil
}
