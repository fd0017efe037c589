package api

import (
	"errors"
	"strings"
)

// errNoUserMessage means the request carried no user turn to submit.
var errNoUserMessage = errors.New("api: request contains no user message")

// The facade is stateless but the page is not: the page holds the real
// conversation. Clients signal conversation identity implicitly through the
// history they send. A request whose history contains no assistant turn is
// the opening of a new conversation, so the page session is reinitialized
// before submitting; any request that replays assistant turns is treated as
// a continuation of whatever conversation the page currently holds.

// startsNewConversation reports whether the request opens a fresh
// conversation.
func startsNewConversation(messages []ChatMessage) bool {
	for _, m := range messages {
		if m.Role == "assistant" {
			return false
		}
	}
	return true
}

// extractPrompt selects the text to submit: the last user message, with any
// system messages of a new conversation folded in front of it, since the
// page offers nowhere else to put instructions.
func extractPrompt(messages []ChatMessage) (string, error) {
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return "", errNoUserMessage
	}

	if !startsNewConversation(messages) {
		return messages[lastUser].Content, nil
	}

	var parts []string
	for _, m := range messages[:lastUser] {
		if m.Role == "system" && strings.TrimSpace(m.Content) != "" {
			parts = append(parts, m.Content)
		}
	}
	parts = append(parts, messages[lastUser].Content)
	return strings.Join(parts, "\n\n"), nil
}
