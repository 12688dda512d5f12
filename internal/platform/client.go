// Package platform defines the boundary to the external messaging-platform
// client. The engine only ever talks to these interfaces; authentication and
// wire protocol live outside this repository.
package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/artai8/la/internal/model"
)

// Chat is a resolved group or channel.
type Chat struct {
	ID    int64
	Title string
	Link  string
}

// Member is one entry of a chat's member list.
type Member struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Phone     string
	IsBot     bool
	IsAdmin   bool
	IsDeleted bool
}

// Message is one entry of a chat's history.
type Message struct {
	ID       int64
	Text     string
	SenderID int64
}

// Warmup actions the client can perform.
const (
	ActionRead   = "read"
	ActionScroll = "scroll"
	ActionReact  = "react"
)

// Client is an authenticated session for one account. Implementations must
// be safe for use by a single goroutine at a time.
type Client interface {
	// ResolveChat resolves a link or username to a chat without joining.
	ResolveChat(ctx context.Context, link string) (*Chat, error)

	// JoinChat joins the chat behind link, or resolves it when the account
	// is already a participant.
	JoinChat(ctx context.Context, link string) (*Chat, error)

	// ChatMembers pages through the member list, invoking fn per member.
	// Iteration stops on the first non-nil error from fn.
	ChatMembers(ctx context.Context, chatID int64, fn func(Member) error) error

	// ChatHistory pages through up to limit recent messages.
	ChatHistory(ctx context.Context, chatID int64, limit int, fn func(Message) error) error

	// AddChatMember adds the user behind username to the chat.
	AddChatMember(ctx context.Context, chatID int64, username string) error

	// SendMessage posts text into the chat.
	SendMessage(ctx context.Context, chatID int64, text string) error

	// SendDirect sends text to a user directly.
	SendDirect(ctx context.Context, username, text string) error

	// Warmup performs one low-risk organic action (read, scroll, react).
	Warmup(ctx context.Context, action string) error

	// Close releases the session.
	Close() error
}

// Dialer produces a connected Client for an account.
type Dialer interface {
	Dial(ctx context.Context, account model.Account) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, account model.Account) (Client, error)

func (f DialerFunc) Dial(ctx context.Context, account model.Account) (Client, error) {
	return f(ctx, account)
}

// FloodWaitError is the platform's throttling signal: the client must pause
// for Seconds before retrying.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry in %ds", e.Seconds)
}

func (e *FloodWaitError) Unwrap() error { return model.ErrPlatformThrottled }

// AsFloodWait extracts the flood-wait duration from err, if present.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}

// ErrBanned indicates the account has been banned by the platform.
var ErrBanned = errors.New("account banned")

// IsBanned reports whether err is a ban signal.
func IsBanned(err error) bool { return errors.Is(err, ErrBanned) }
