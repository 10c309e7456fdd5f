package schemas

import (
	"strings"
	"time"
)

// DomSnapshot is the page state captured around a step: accessibility-tree text
// plus location. Only used for diffing.
type DomSnapshot struct {
	Content    string    `json:"content"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	CapturedAt time.Time `json:"captured_at"`
}

// EmptySnapshot is the pre-navigation state.
func EmptySnapshot() DomSnapshot { return DomSnapshot{} }

// IsEmpty reports whether d is the pre-navigation sentinel.
func (d DomSnapshot) IsEmpty() bool {
	return d.Content == "" && d.URL == "" && d.Title == ""
}

// Differs compares content byte for byte.
func (d DomSnapshot) Differs(other DomSnapshot) bool {
	return d.Content != other.Content
}

// Contains reports whether the snapshot text includes s.
func (d DomSnapshot) Contains(s string) bool {
	return s != "" && strings.Contains(d.Content, s)
}

// Excerpt returns at most n bytes of content, cut on a line boundary where possible.
func (d DomSnapshot) Excerpt(n int) string {
	if n <= 0 || len(d.Content) <= n {
		return d.Content
	}
	cut := d.Content[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > n/2 {
		cut = cut[:i]
	}
	return cut + "\n..."
}
