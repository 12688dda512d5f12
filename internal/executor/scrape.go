package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
)

const defaultScrapeLimit = 100

// runScrape collects recent message texts from a chat, applying a minimum
// length and a keyword blacklist. Results go to the remote message store
// when one is configured, falling back to the task log otherwise.
func runScrape(ctx context.Context, r *run) error {
	var p model.ScrapePayload
	if err := r.payload(&p); err != nil {
		return err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultScrapeLimit
	}

	accounts, err := r.lease(pool.Criteria{Count: 1})
	if err != nil {
		return err
	}
	w := r.worker(model.ChannelExtract, accounts[0])
	defer w.release(pool.Normal())

	client, err := r.engine.dialer.Dial(ctx, w.account)
	if err != nil {
		w.release(pool.Errored())
		return err
	}
	defer client.Close()

	r.log(model.ChannelExtract, "scraping %s", p.Link)

	var texts []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chat, err := client.ResolveChat(ctx, p.Link)
		if err != nil {
			if err = w.fail(ctx, err); errors.Is(err, accountAborted) {
				return r.finishWorkers(1, 1, true)
			} else if err != nil {
				return err
			}
			continue
		}

		texts = texts[:0]
		err = client.ChatHistory(ctx, chat.ID, limit, func(m platform.Message) error {
			text := strings.TrimSpace(m.Text)
			if len([]rune(text)) < p.MinLength {
				return nil
			}
			for _, kw := range p.KeywordsBlacklist {
				if kw != "" && strings.Contains(strings.ToLower(text), strings.ToLower(kw)) {
					return nil
				}
			}
			texts = append(texts, text)
			return nil
		})
		if err != nil {
			if err = w.fail(ctx, err); errors.Is(err, accountAborted) {
				return r.finishWorkers(1, 1, true)
			} else if err != nil {
				return err
			}
			continue
		}
		break
	}

	r.count(ctx, model.Counters{Extracted: int64(len(texts))})
	r.log(model.ChannelExtract, "scraped %d messages from %s", len(texts), p.Link)

	if p.SaveToRemote == nil || *p.SaveToRemote {
		if sink := r.messageSink(ctx); sink != nil {
			defer sink.Close()
			if err := sink.InsertMessages(ctx, texts); err != nil {
				r.log(model.ChannelExtract, "remote message store write failed: %v", err)
			}
		}
	}
	return nil
}
