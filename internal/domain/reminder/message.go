package reminder

import "strings"

// QuickReply is an interactive reply option offered with a message
type QuickReply struct {
	Payload string `json:"payload"`
	Title   string `json:"title"`
}

// Message is a rendered notification ready for a channel
type Message struct {
	Text    string       `json:"text"`
	Replies []QuickReply `json:"replies,omitempty"`
	// InstanceID links the message to the reminder it belongs to, if any
	InstanceID string `json:"instance_id,omitempty"`
}

// Reply payload verbs
const (
	PayloadTaken = "TAKEN"
	PayloadLater = "LATER"
	PayloadSkip  = "SKIP"
)

// ReplyPayload encodes a button payload carrying the instance id as a correlation token
func ReplyPayload(verb, instanceID string) string {
	if instanceID == "" {
		return verb
	}
	return verb + ":" + instanceID
}

// SplitReplyPayload decodes "VERB[:instance-id]". ok is false when text is not a payload.
func SplitReplyPayload(text string) (verb, instanceID string, ok bool) {
	verb, instanceID, _ = strings.Cut(strings.TrimSpace(text), ":")
	switch strings.ToUpper(verb) {
	case PayloadTaken, PayloadLater, PayloadSkip:
		return strings.ToUpper(verb), strings.TrimSpace(instanceID), true
	}
	return "", "", false
}

// ReminderReplies returns the standard taken/later/skip options for an instance
func ReminderReplies(instanceID string, titles map[string]string) []QuickReply {
	title := func(verb, def string) string {
		if t, ok := titles[verb]; ok && t != "" {
			return t
		}
		return def
	}
	return []QuickReply{
		{Payload: ReplyPayload(PayloadTaken, instanceID), Title: title(PayloadTaken, "✅ Taken")},
		{Payload: ReplyPayload(PayloadLater, instanceID), Title: title(PayloadLater, "⏰ Later")},
		{Payload: ReplyPayload(PayloadSkip, instanceID), Title: title(PayloadSkip, "❌ Skip")},
	}
}
