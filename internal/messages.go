package gateway

import "encoding/json"

// contentPart is one element of a multi-part message content list.
type contentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// NewTextMessage builds a message whose content is a plain JSON string.
func NewTextMessage(role, text string) Message {
	b, _ := json.Marshal(text)
	return Message{Role: role, Content: b}
}

// ExtractText returns the textual content of a message. String content is
// returned verbatim; multi-part content concatenates text parts with "\n".
// Non-text parts contribute nothing.
func ExtractText(m Message) string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []contentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// HasMultimodalContent reports whether any message carries a non-text part.
func HasMultimodalContent(msgs []Message) bool {
	for _, m := range msgs {
		var parts []contentPart
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			continue
		}
		for _, p := range parts {
			if p.Type != "" && p.Type != "text" {
				return true
			}
		}
	}
	return false
}

// LastUserQuery returns the text of the most recent user message, or "".
func LastUserQuery(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return ExtractText(msgs[i])
		}
	}
	return ""
}

// EnsureSystemContent guarantees that the message list starts with a system
// message carrying text. If the list is empty or does not start with a
// system message, one is inserted at position 0. Otherwise text is merged
// into the existing system message: string content gets "\n\n" + text
// appended; part-list content gets a new text part.
func EnsureSystemContent(msgs []Message, text string) []Message {
	if len(msgs) == 0 || msgs[0].Role != "system" {
		return append([]Message{NewTextMessage("system", text)}, msgs...)
	}

	sys := msgs[0]
	var s string
	if err := json.Unmarshal(sys.Content, &s); err == nil {
		if s != "" {
			s += "\n\n"
		}
		b, _ := json.Marshal(s + text)
		sys.Content = b
		out := make([]Message, len(msgs))
		copy(out, msgs)
		out[0] = sys
		return out
	}

	var parts []contentPart
	if err := json.Unmarshal(sys.Content, &parts); err != nil {
		// Unrecognized content shape: replace it with the text outright.
		return append([]Message{NewTextMessage("system", text)}, msgs[1:]...)
	}
	parts = append(parts, contentPart{Type: "text", Text: text})
	b, _ := json.Marshal(parts)
	sys.Content = b
	out := make([]Message, len(msgs))
	copy(out, msgs)
	out[0] = sys
	return out
}
