// Package config holds the process-wide runtime settings. Settings are a
// flat string-keyed map persisted by the storage layer; this package gives
// them typed accessors and task-start snapshots so a running task's pacing
// policy stays stable for its lifetime.
package config

import (
	"strconv"
	"strings"
)

// Recognized settings keys. Unrecognized keys are stored but have no
// defined effect.
const (
	KeyMinDelay        = "min_delay"
	KeyMaxDelay        = "max_delay"
	KeyFloodWaitLimit  = "flood_wait_limit"
	KeyMaxErrors       = "max_errors"
	KeyMaxMembersLimit = "max_members_limit"
	KeyMaxConcurrent   = "max_concurrent"
	KeyChatIntervalMin = "chat_interval_min"
	KeyChatIntervalMax = "chat_interval_max"
	KeyChatMessages    = "chat_messages"
	KeyLang            = "lang"
)

// RemoteDB is a connection target for one of the optional external stores.
type RemoteDB struct {
	Host string
	Port string
	User string
	Pass string
	Name string
}

// Configured reports whether the target has enough fields to connect.
func (r RemoteDB) Configured() bool { return r.Host != "" }

// Settings is a frozen snapshot of the runtime configuration, taken at task
// start. Delays are in seconds, matching the wire-level settings map.
type Settings struct {
	MinDelay        int
	MaxDelay        int
	FloodWaitLimit  int
	MaxErrors       int
	MaxMembersLimit int
	MaxConcurrent   int
	ChatIntervalMin int
	ChatIntervalMax int
	ChatMessages    []string
	Lang            string

	// External storage targets: DB1 is the member store (Postgres),
	// DB2 the chat-message store (Redis).
	DB1 RemoteDB
	DB2 RemoteDB
}

// Defaults mirror the values the system falls back to when a key is unset.
func Defaults() Settings {
	return Settings{
		MinDelay:        300,
		MaxDelay:        600,
		FloodWaitLimit:  500,
		MaxErrors:       3,
		MaxMembersLimit: 2000,
		MaxConcurrent:   0,
		ChatIntervalMin: 300,
		ChatIntervalMax: 600,
		Lang:            "en",
	}
}

// Getter reads one settings key, returning "" when unset.
type Getter interface {
	GetSetting(key string) (string, error)
}

// Snapshot builds a Settings snapshot from the stored key-value map,
// falling back to Defaults for unset or malformed values.
func Snapshot(g Getter) Settings {
	s := Defaults()
	s.MinDelay = intSetting(g, KeyMinDelay, s.MinDelay)
	s.MaxDelay = intSetting(g, KeyMaxDelay, s.MaxDelay)
	s.FloodWaitLimit = intSetting(g, KeyFloodWaitLimit, s.FloodWaitLimit)
	s.MaxErrors = intSetting(g, KeyMaxErrors, s.MaxErrors)
	s.MaxMembersLimit = intSetting(g, KeyMaxMembersLimit, s.MaxMembersLimit)
	s.MaxConcurrent = intSetting(g, KeyMaxConcurrent, s.MaxConcurrent)
	s.ChatIntervalMin = intSetting(g, KeyChatIntervalMin, s.ChatIntervalMin)
	s.ChatIntervalMax = intSetting(g, KeyChatIntervalMax, s.ChatIntervalMax)
	s.Lang = strSetting(g, KeyLang, s.Lang)

	if raw := strSetting(g, KeyChatMessages, ""); raw != "" {
		for _, line := range strings.Split(raw, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				s.ChatMessages = append(s.ChatMessages, line)
			}
		}
	}

	s.DB1 = remoteDB(g, "db1")
	s.DB2 = remoteDB(g, "db2")
	return s
}

func remoteDB(g Getter, prefix string) RemoteDB {
	return RemoteDB{
		Host: strSetting(g, prefix+"_host", ""),
		Port: strSetting(g, prefix+"_port", ""),
		User: strSetting(g, prefix+"_user", ""),
		Pass: strSetting(g, prefix+"_pass", ""),
		Name: strSetting(g, prefix+"_name", ""),
	}
}

func strSetting(g Getter, key, def string) string {
	v, err := g.GetSetting(key)
	if err != nil || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func intSetting(g Getter, key string, def int) int {
	v, err := g.GetSetting(key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return def
	}
	return n
}
