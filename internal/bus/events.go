package bus

import "time"

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Timestamp time.Time
	// Persona optionally routes the message to a specific consultant;
	// empty means the channel default.
	Persona string
	// Command is set for control messages such as "reset" or "persona".
	Command  string
	Metadata map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Persona  string
	Metadata map[string]any
}
