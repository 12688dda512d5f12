package executor

import (
	"context"
	"errors"
	"strings"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
	"github.com/artai8/la/internal/pool"
)

// runExtract serves both extract and extract_batch: it pages through the
// membership of every source link, filters, and upserts into the
// deduplicated member set. Extraction uses a single account.
func runExtract(ctx context.Context, r *run) error {
	var p model.ExtractPayload
	if err := r.payload(&p); err != nil {
		return err
	}

	accounts, err := r.lease(pool.Criteria{Count: 1})
	if err != nil {
		return err
	}
	w := r.worker(model.ChannelExtract, accounts[0])
	defer w.release(pool.Normal())

	sink := r.memberSink(ctx)
	if sink != nil {
		defer sink.Close()
	}
	useRemote := p.UseRemoteDB == nil || *p.UseRemoteDB

	client, err := r.engine.dialer.Dial(ctx, w.account)
	if err != nil {
		w.release(pool.Errored())
		return err
	}
	defer client.Close()

	for _, link := range p.AllLinks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log(model.ChannelExtract, "extracting %s", link)

		members, err := r.collectMembers(ctx, client, w, link, &p)
		if errors.Is(err, accountAborted) {
			return r.finishWorkers(1, 1, true)
		}
		if err != nil {
			return err
		}
		if len(members) == 0 {
			continue
		}

		if err := r.engine.store.UpsertMembers(ctx, members); err != nil {
			return err
		}
		if useRemote && sink != nil {
			if err := sink.InsertMembers(ctx, members); err != nil {
				r.log(model.ChannelExtract, "remote member store write failed: %v", err)
			}
		}
		if p.AutoLoad {
			usernames := make([]string, 0, len(members))
			for _, m := range members {
				if m.OK && m.Username != "" {
					usernames = append(usernames, m.Username)
				}
			}
			loaded := r.engine.working.Load(usernames)
			r.log(model.ChannelExtract, "loaded %d members into working set", loaded)
		}
		r.log(model.ChannelExtract, "finished %s: %d members", link, len(members))
	}
	return nil
}

// collectMembers pages through one source link's membership, retrying
// per the backoff policy. A nil member slice with nil error means the link
// yielded nothing.
func (r *run) collectMembers(ctx context.Context, client platform.Client, w *worker,
	link string, p *model.ExtractPayload) ([]model.Member, error) {

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chat, err := client.JoinChat(ctx, link)
		if err != nil {
			if err = w.fail(ctx, err); err != nil {
				return nil, err
			}
			continue
		}

		var members []model.Member
		limit := r.settings.MaxMembersLimit
		err = client.ChatMembers(ctx, chat.ID, func(m platform.Member) error {
			if limit > 0 && len(members) >= limit {
				return errMemberLimit
			}
			if m.IsDeleted {
				return nil
			}
			if m.IsBot && (p.ExcludeBot == nil || *p.ExcludeBot) {
				return nil
			}
			if m.IsAdmin && p.ExcludeAdmin {
				return nil
			}
			member := model.Member{
				ID:          m.ID,
				Username:    m.Username,
				FirstName:   m.FirstName,
				LastName:    m.LastName,
				Phone:       m.Phone,
				SourceGroup: link,
			}
			member.OK = classifyMember(&member, p.IncludeKeywords, p.ExcludeKeywords)
			members = append(members, member)
			return nil
		})
		if err != nil && !errors.Is(err, errMemberLimit) {
			if err = w.fail(ctx, err); err != nil {
				return nil, err
			}
			continue
		}

		// Count once per completed page-through so a retried link is not
		// double-counted.
		var delta model.Counters
		for _, m := range members {
			delta.Extracted++
			if m.OK {
				delta.OK++
			} else {
				delta.Bad++
			}
		}
		if delta != (model.Counters{}) {
			r.count(ctx, delta)
		}
		return members, nil
	}
}

var errMemberLimit = errors.New("member limit reached")

// classifyMember applies keyword filters to the member's visible metadata.
func classifyMember(m *model.Member, include, exclude []string) bool {
	haystack := m.DisplayText()
	for _, kw := range exclude {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, kw := range include {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
