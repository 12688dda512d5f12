package model

import "strings"

// Member is a record extracted from a source group. Members are keyed by the
// platform's numeric id within their source group; re-extraction updates
// attributes instead of duplicating rows.
type Member struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	SourceGroup string `json:"source_group"`
	OK          bool   `json:"ok"` // passed the task's keyword filters
}

// DisplayText is the lowercased text the keyword filters run against.
func (m *Member) DisplayText() string {
	return strings.ToLower(m.Username + " " + m.FirstName + " " + m.LastName)
}
