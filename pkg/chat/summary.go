package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/harun/convo/pkg/session"
)

const (
	// DefaultSummary labels a session without user messages.
	DefaultSummary = "New Chat"
	// SummaryLimit is the number of runes kept from the first user message.
	SummaryLimit = 40
)

// Summarize derives the display label of a conversation from its first user message.
func Summarize(messages []session.Message) string {
	for _, msg := range messages {
		if msg.Role != session.RoleUser {
			continue
		}
		runes := []rune(msg.Content)
		if len(runes) > SummaryLimit {
			return string(runes[:SummaryLimit]) + "..."
		}
		return msg.Content
	}
	return DefaultSummary
}

// hasUserMessage reports whether the summary of messages is final
func hasUserMessage(messages []session.Message) bool {
	for _, msg := range messages {
		if msg.Role == session.RoleUser {
			return true
		}
	}
	return false
}

// SessionInfo is the display entry for one session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Summary      string    `json:"summary"`
	MessageCount int       `json:"message_count"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

func infoFromHistory(h History) SessionInfo {
	info := SessionInfo{
		ID:           h.SessionID,
		Summary:      h.Summary,
		MessageCount: len(h.Messages),
	}
	if n := len(h.Messages); n > 0 {
		info.StartedAt = h.Messages[0].Timestamp
		info.UpdatedAt = h.Messages[n-1].Timestamp
	}
	return info
}

// SortNewestFirst orders sessions by first message time, newest first.
// Sessions without messages are treated as newest; ties keep ID order.
func SortNewestFirst(infos []SessionInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i].StartedAt, infos[j].StartedAt
		switch {
		case a.IsZero() != b.IsZero():
			return a.IsZero()
		case !a.Equal(b):
			return a.After(b)
		default:
			return infos[i].ID < infos[j].ID
		}
	})
}

// FilterBySummary keeps the sessions whose summary contains query, ignoring case.
// An empty query keeps everything.
func FilterBySummary(infos []SessionInfo, query string) []SessionInfo {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return infos
	}
	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Summary), query) {
			out = append(out, info)
		}
	}
	return out
}

// PendingUserMessage returns the trailing user message of a history that
// never received an assistant reply.
func PendingUserMessage(messages []session.Message) (session.Message, bool) {
	if n := len(messages); n > 0 && messages[n-1].Role == session.RoleUser {
		return messages[n-1], true
	}
	return session.Message{}, false
}
