package model

import (
	"encoding/json"
	"fmt"
)

// ExtractPayload drives extract and extract_batch tasks.
type ExtractPayload struct {
	Link            string   `json:"link,omitempty"`
	Links           []string `json:"links,omitempty"`
	IncludeKeywords []string `json:"include_keywords,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	ExcludeAdmin    bool     `json:"exclude_admin,omitempty"`
	ExcludeBot      *bool    `json:"exclude_bot,omitempty"`
	UseRemoteDB     *bool    `json:"use_remote_db,omitempty"`
	AutoLoad        bool     `json:"auto_load,omitempty"`
	RunDaily        bool     `json:"run_daily,omitempty"`
}

// AllLinks merges the single-link and multi-link forms, dropping blanks.
func (p *ExtractPayload) AllLinks() []string {
	return mergeLinks(p.Link, p.Links)
}

func (p *ExtractPayload) Validate() error {
	if len(p.AllLinks()) == 0 {
		return fmt.Errorf("%w: missing links", ErrInvalidPayload)
	}
	return nil
}

// ScrapePayload drives scrape tasks.
type ScrapePayload struct {
	Link              string   `json:"link"`
	Limit             int      `json:"limit,omitempty"`
	MinLength         int      `json:"min_length,omitempty"`
	KeywordsBlacklist []string `json:"keywords_blacklist,omitempty"`
	SaveToRemote      *bool    `json:"save_to_remote,omitempty"`
	RunDaily          bool     `json:"run_daily,omitempty"`
}

func (p *ScrapePayload) Validate() error {
	if p.Link == "" {
		return fmt.Errorf("%w: missing link", ErrInvalidPayload)
	}
	return nil
}

// JoinPayload drives join tasks.
type JoinPayload struct {
	Links         []string `json:"links"`
	NumberAccount int      `json:"number_account,omitempty"`
	AccountDelay  int      `json:"account_delay,omitempty"`
	RunDaily      bool     `json:"run_daily,omitempty"`
}

func (p *JoinPayload) Validate() error {
	if len(mergeLinks("", p.Links)) == 0 {
		return fmt.Errorf("%w: missing links", ErrInvalidPayload)
	}
	return nil
}

// AdderPayload drives adder tasks; targets come from the working set or a
// remote member store.
type AdderPayload struct {
	Link          string   `json:"link,omitempty"`
	Links         []string `json:"links,omitempty"`
	NumberAdd     int      `json:"number_add,omitempty"`
	NumberAccount int      `json:"number_account,omitempty"`
	MinDelay      int      `json:"min_delay,omitempty"`
	MaxDelay      int      `json:"max_delay,omitempty"`
	UseRemoteDB   *bool    `json:"use_remote_db,omitempty"`
	RunDaily      bool     `json:"run_daily,omitempty"`
}

func (p *AdderPayload) AllLinks() []string {
	return mergeLinks(p.Link, p.Links)
}

func (p *AdderPayload) Validate() error {
	if len(p.AllLinks()) == 0 {
		return fmt.Errorf("%w: missing target link", ErrInvalidPayload)
	}
	return nil
}

// InvitePayload drives invite tasks; targets come from named source groups.
type InvitePayload struct {
	Link          string   `json:"link"`
	GroupNames    []string `json:"group_names,omitempty"`
	NumberAdd     int      `json:"number_add,omitempty"`
	NumberAccount int      `json:"number_account,omitempty"`
	MinDelay      int      `json:"min_delay,omitempty"`
	MaxDelay      int      `json:"max_delay,omitempty"`
	UseLoaded     bool     `json:"use_loaded,omitempty"`
	UseRemoteDB   bool     `json:"use_remote_db,omitempty"`
	RunDaily      bool     `json:"run_daily,omitempty"`
}

func (p *InvitePayload) Validate() error {
	if p.Link == "" {
		return fmt.Errorf("%w: missing target link", ErrInvalidPayload)
	}
	return nil
}

// ChatPayload drives chat tasks.
type ChatPayload struct {
	Link          string   `json:"link,omitempty"`
	Links         []string `json:"links,omitempty"`
	Messages      []string `json:"messages"`
	NumberAccount int      `json:"number_account,omitempty"`
	MinDelay      int      `json:"min_delay,omitempty"`
	MaxDelay      int      `json:"max_delay,omitempty"`
	MaxMessages   int      `json:"max_messages,omitempty"`
	UseRemoteDB   bool     `json:"use_remote_db,omitempty"`
	RunDaily      bool     `json:"run_daily,omitempty"`
}

func (p *ChatPayload) AllLinks() []string {
	return mergeLinks(p.Link, p.Links)
}

func (p *ChatPayload) Validate() error {
	if len(p.AllLinks()) == 0 {
		return fmt.Errorf("%w: missing target link", ErrInvalidPayload)
	}
	if len(p.Messages) == 0 && !p.UseRemoteDB {
		return fmt.Errorf("%w: missing messages", ErrInvalidPayload)
	}
	return nil
}

// DMPayload drives dm tasks.
type DMPayload struct {
	GroupName     string   `json:"group_name,omitempty"`
	Messages      []string `json:"messages"`
	NumberAccount int      `json:"number_account,omitempty"`
	MinDelay      int      `json:"min_delay,omitempty"`
	MaxDelay      int      `json:"max_delay,omitempty"`
	UseLoaded     bool     `json:"use_loaded,omitempty"`
	RunDaily      bool     `json:"run_daily,omitempty"`
}

func (p *DMPayload) Validate() error {
	if len(p.Messages) == 0 {
		return fmt.Errorf("%w: missing messages", ErrInvalidPayload)
	}
	if p.GroupName == "" && !p.UseLoaded {
		return fmt.Errorf("%w: missing member source", ErrInvalidPayload)
	}
	return nil
}

// WarmupPayload drives warmup tasks.
type WarmupPayload struct {
	Phones      []string `json:"phones,omitempty"`
	DurationMin int      `json:"duration_min"`
	Actions     []string `json:"actions,omitempty"`
	RunDaily    bool     `json:"run_daily,omitempty"`
}

func (p *WarmupPayload) Validate() error {
	if p.DurationMin <= 0 {
		return fmt.Errorf("%w: missing duration_min", ErrInvalidPayload)
	}
	return nil
}

// SequencePayload drives sequence tasks: a chat phase followed by an adder
// phase on the same account lease.
type SequencePayload struct {
	ChatLink       string   `json:"chat_link"`
	AddLink        string   `json:"add_link"`
	Messages       []string `json:"messages,omitempty"`
	PickMin        int      `json:"pick_min,omitempty"`
	PickMax        int      `json:"pick_max,omitempty"`
	ChatPerAccount int      `json:"chat_per_account,omitempty"`
	NumberAdd      int      `json:"number_add,omitempty"`
	NumberAccount  int      `json:"number_account,omitempty"`
	MinDelay       int      `json:"min_delay,omitempty"`
	MaxDelay       int      `json:"max_delay,omitempty"`
	KeepOnline     bool     `json:"keep_online,omitempty"`
	UseRemoteDB    bool     `json:"use_remote_db,omitempty"`
	RunDaily       bool     `json:"run_daily,omitempty"`
}

func (p *SequencePayload) Validate() error {
	if p.ChatLink == "" || p.AddLink == "" {
		return fmt.Errorf("%w: missing chat_link or add_link", ErrInvalidPayload)
	}
	return nil
}

// ValidatePayload checks a raw payload against the schema of the task type.
// Rejections are synchronous at submission time.
func ValidatePayload(t TaskType, raw json.RawMessage) error {
	var target interface{ Validate() error }
	switch t {
	case TaskExtract, TaskExtractBatch:
		target = &ExtractPayload{}
	case TaskScrape:
		target = &ScrapePayload{}
	case TaskJoin:
		target = &JoinPayload{}
	case TaskAdder:
		target = &AdderPayload{}
	case TaskInvite:
		target = &InvitePayload{}
	case TaskChat:
		target = &ChatPayload{}
	case TaskDM:
		target = &DMPayload{}
	case TaskWarmup:
		target = &WarmupPayload{}
	case TaskSequence:
		target = &SequencePayload{}
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, t)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return target.Validate()
}

func mergeLinks(single string, many []string) []string {
	out := make([]string, 0, len(many)+1)
	for _, l := range many {
		if l != "" {
			out = append(out, l)
		}
	}
	if single != "" {
		out = append(out, single)
	}
	return out
}
