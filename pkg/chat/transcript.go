package chat

import (
	"fmt"
	"strings"
)

// TranscriptTimeLayout is the timestamp format of exported transcripts.
const TranscriptTimeLayout = "2006-01-02 15:04:05"

// Transcript renders a conversation as plain text, one line per message:
//
//	[2024-05-01 10:30:00] User: hello
//	[2024-05-01 10:30:02] Assistant: hi there
//
// Timestamps are shown in the local time zone.
func Transcript(h History) string {
	var sb strings.Builder
	for _, msg := range h.Messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n",
			msg.Timestamp.Local().Format(TranscriptTimeLayout),
			msg.Role.Label(),
			msg.Content,
		)
	}
	return sb.String()
}

// TranscriptFileName is the default export file name for a session.
func TranscriptFileName(sessionID string) string {
	return "chat_" + sessionID + ".txt"
}
