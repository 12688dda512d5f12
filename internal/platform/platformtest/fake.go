// Package platformtest provides a scripted in-memory platform client for
// executor and scheduler tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/artai8/la/internal/model"
	"github.com/artai8/la/internal/platform"
)

// SentMessage records one delivered message.
type SentMessage struct {
	Phone  string
	ChatID int64
	To     string // username for direct messages
	Text   string
}

// AddedMember records one successful membership addition.
type AddedMember struct {
	Phone    string
	ChatID   int64
	Username string
}

// Fake is a scripted platform backend shared by all clients it dials.
type Fake struct {
	mu sync.Mutex

	chats   map[string]*platform.Chat     // by link
	members map[int64][]platform.Member   // by chat id
	history map[int64][]platform.Message  // by chat id
	fail    map[string]error              // op key -> error, consumed once
	always  map[string]error              // op key -> persistent error

	Sent         []SentMessage
	Added        []AddedMember
	Joined       []string // "phone link"
	Dials        int
	Warmups      int
	SendAttempts int // every SendMessage call, failed ones included
}

func NewFake() *Fake {
	return &Fake{
		chats:   make(map[string]*platform.Chat),
		members: make(map[int64][]platform.Member),
		history: make(map[int64][]platform.Message),
		fail:    make(map[string]error),
		always:  make(map[string]error),
	}
}

// AddChat registers a resolvable chat.
func (f *Fake) AddChat(link string, id int64, title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[link] = &platform.Chat{ID: id, Title: title, Link: link}
}

// AddMembers appends members to a chat's member list.
func (f *Fake) AddMembers(chatID int64, members ...platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[chatID] = append(f.members[chatID], members...)
}

// AddHistory appends messages to a chat's history.
func (f *Fake) AddHistory(chatID int64, msgs ...platform.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[chatID] = append(f.history[chatID], msgs...)
}

// FailOnce arranges for the next call matching key to return err.
// Keys have the form "op:username" or "op:link", e.g. "add:bob", "join:@grp".
func (f *Fake) FailOnce(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = err
}

// FailAlways arranges for every call matching key to return err.
func (f *Fake) FailAlways(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.always[key] = err
}

func (f *Fake) scripted(key string) error {
	if err, ok := f.always[key]; ok {
		return err
	}
	if err, ok := f.fail[key]; ok {
		delete(f.fail, key)
		return err
	}
	return nil
}

// SentTexts returns the texts sent by the given phone, in order.
func (f *Fake) SentTexts(phone string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.Sent {
		if m.Phone == phone {
			out = append(out, m.Text)
		}
	}
	return out
}

// Dial implements platform.Dialer.
func (f *Fake) Dial(ctx context.Context, account model.Account) (platform.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dials++
	if err := f.scripted("dial:" + account.Phone); err != nil {
		return nil, err
	}
	return &fakeClient{fake: f, phone: account.Phone}, nil
}

type fakeClient struct {
	fake  *Fake
	phone string
}

func (c *fakeClient) ResolveChat(ctx context.Context, link string) (*platform.Chat, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if err := c.fake.scripted("resolve:" + link); err != nil {
		return nil, err
	}
	chat, ok := c.fake.chats[link]
	if !ok {
		return nil, fmt.Errorf("%w: unknown chat %s", model.ErrPlatformRejected, link)
	}
	return chat, nil
}

func (c *fakeClient) JoinChat(ctx context.Context, link string) (*platform.Chat, error) {
	c.fake.mu.Lock()
	if err := c.fake.scripted("join:" + link); err != nil {
		c.fake.mu.Unlock()
		return nil, err
	}
	c.fake.Joined = append(c.fake.Joined, c.phone+" "+link)
	chat, ok := c.fake.chats[link]
	c.fake.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown chat %s", model.ErrPlatformRejected, link)
	}
	return chat, nil
}

func (c *fakeClient) ChatMembers(ctx context.Context, chatID int64, fn func(platform.Member) error) error {
	c.fake.mu.Lock()
	members := append([]platform.Member(nil), c.fake.members[chatID]...)
	c.fake.mu.Unlock()
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) ChatHistory(ctx context.Context, chatID int64, limit int, fn func(platform.Message) error) error {
	c.fake.mu.Lock()
	msgs := append([]platform.Message(nil), c.fake.history[chatID]...)
	c.fake.mu.Unlock()
	for i, m := range msgs {
		if limit > 0 && i >= limit {
			break
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *fakeClient) AddChatMember(ctx context.Context, chatID int64, username string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if err := c.fake.scripted("add:" + username); err != nil {
		return err
	}
	c.fake.Added = append(c.fake.Added, AddedMember{Phone: c.phone, ChatID: chatID, Username: username})
	return nil
}

func (c *fakeClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.SendAttempts++
	if err := c.fake.scripted("send:" + c.phone); err != nil {
		return err
	}
	c.fake.Sent = append(c.fake.Sent, SentMessage{Phone: c.phone, ChatID: chatID, Text: text})
	return nil
}

func (c *fakeClient) SendDirect(ctx context.Context, username, text string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	if err := c.fake.scripted("dm:" + username); err != nil {
		return err
	}
	c.fake.Sent = append(c.fake.Sent, SentMessage{Phone: c.phone, To: username, Text: text})
	return nil
}

func (c *fakeClient) Warmup(ctx context.Context, action string) error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()
	c.fake.Warmups++
	return nil
}

func (c *fakeClient) Close() error { return nil }
