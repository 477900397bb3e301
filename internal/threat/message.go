package threat

import "strings"

// Message is a single chat message as received from an OpenAI-compatible
// client. Content is either a string or a list of typed parts; anything
// else is treated as empty text.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Text returns the user-visible text of the message. String content is
// returned as-is. List content contributes the "text" field of each part
// with type "text", joined by spaces. Other content yields "".
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t != "text" {
				continue
			}
			text, _ := part["text"].(string)
			parts = append(parts, text)
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// lastUserText returns the text of the newest message with role "user".
func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Text()
		}
	}
	return ""
}

// fullText concatenates the string content of every message, separated by
// spaces. List content contributes the empty string here: only plain string
// content feeds creative-mode detection. The asymmetry with lastUserText is
// intentional.
func fullText(messages []Message) string {
	parts := make([]string, len(messages))
	for i, m := range messages {
		if s, ok := m.Content.(string); ok {
			parts[i] = s
		}
	}
	return strings.Join(parts, " ")
}
