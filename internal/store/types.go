package store

import "strings"

// Plan is one saved consultation outcome.
type Plan struct {
	ID               int64  `json:"id"`
	Email            string `json:"email"`
	Name             string `json:"name"`
	Role             string `json:"role"`
	Department       string `json:"department"`
	Plan             string `json:"plan"`
	ConsultationType string `json:"consultation_type"`
	SessionID        string `json:"session_id,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// ChatMessage is one input row for SaveChatHistory. Sender is free-form and
// normalised on write.
type ChatMessage struct {
	Sender    string
	Message   string
	Timestamp string
}

// ChatRecord is a persisted chat_history row.
type ChatRecord struct {
	ID             int64  `json:"id"`
	ConsultationID int64  `json:"consultation_id"`
	Email          string `json:"email"`
	Sender         string `json:"sender"`
	Message        string `json:"message"`
	MessageOrder   int    `json:"message_order"`
	CreatedAt      string `json:"created_at"`
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Consultations  int            `json:"consultations"`
	ChatMessages   int            `json:"chat_messages"`
	ByConsultation map[string]int `json:"by_consultation_type"`
}

const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// assistantSenders are the labels that identify the model side of a
// transcript. Persona ids are accepted too.
var assistantSenders = map[string]bool{
	"ai":        true,
	"bot":       true,
	"agent":     true,
	"assistant": true,
	"model":     true,
	"riley":     true,
	"morgan":    true,
	"alex":      true,
	"jordan":    true,
	"casey":     true,
	"riva":      true,
}

// NormalizeSender maps a transcript sender label onto the two stored values.
// Unknown labels count as the user.
func NormalizeSender(sender string) string {
	s := strings.ToLower(strings.TrimSpace(sender))
	if assistantSenders[s] {
		return SenderAI
	}
	return SenderUser
}
