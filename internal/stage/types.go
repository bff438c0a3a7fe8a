package stage

import (
	"encoding/json"
	"strings"
)

// Sender identifies who wrote an exchange log entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderUnknown   Sender = ""
)

// ParseSender maps the sender labels used by the web clients onto a Sender.
// Unrecognised labels yield SenderUnknown.
func ParseSender(s string) Sender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return SenderUser
	case "assistant", "ai", "bot", "agent", "model":
		return SenderAssistant
	default:
		return SenderUnknown
	}
}

// Entry is one message of the exchange log supplied by the caller.
type Entry struct {
	Sender    Sender `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`

	// label is the sender text as the client sent it, kept for storage.
	label string
}

// Label returns the sender as supplied by the client, falling back to the
// parsed Sender for entries built in code.
func (e Entry) Label() string {
	if e.label != "" {
		return e.label
	}
	return string(e.Sender)
}

// UnmarshalJSON never fails: fields of the wrong type, and entries that are
// not objects at all, decode to zero values that match nothing.
func (e *Entry) UnmarshalJSON(data []byte) error {
	*e = Entry{}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	e.label = strings.TrimSpace(rawString(raw["sender"]))
	e.Sender = ParseSender(e.label)
	e.Message = rawString(raw["message"])
	e.Timestamp = rawString(raw["timestamp"])
	return nil
}

func rawString(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return ""
	}
	return s
}

// ActionKind enumerates what the orchestrator should do next.
type ActionKind string

const (
	ActionStartFirstQuestion   ActionKind = "start_first_question"
	ActionAskQuestion          ActionKind = "ask_specific_question"
	ActionAdvanceStage         ActionKind = "advance_to_stage"
	ActionProduceFinalAnalysis ActionKind = "produce_final_analysis"
	ActionEndConversation      ActionKind = "end_conversation"
	ActionContinue             ActionKind = "continue"
)

// Action is a tagged variant. Fingerprint is set for ActionAskQuestion,
// Stage for ActionAdvanceStage.
type Action struct {
	Kind        ActionKind
	Fingerprint string
	Stage       string
}

func AskQuestion(fingerprint string) Action {
	return Action{Kind: ActionAskQuestion, Fingerprint: fingerprint}
}

func AdvanceTo(stage string) Action {
	return Action{Kind: ActionAdvanceStage, Stage: stage}
}

// String renders the action in the form the consultation front end expects.
func (a Action) String() string {
	switch a.Kind {
	case ActionStartFirstQuestion:
		return "start_role_context"
	case ActionAskQuestion:
		return "ask_next_question: " + a.Fingerprint
	case ActionAdvanceStage:
		return "move_to_next_stage: " + a.Stage
	case ActionProduceFinalAnalysis:
		return "provide_analysis"
	case ActionEndConversation:
		return "farewell"
	default:
		return "continue_conversation"
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText is the inverse of String. Unknown text decodes to ActionContinue.
func (a *Action) UnmarshalText(text []byte) error {
	s := string(text)
	switch {
	case s == "start_role_context":
		*a = Action{Kind: ActionStartFirstQuestion}
	case strings.HasPrefix(s, "ask_next_question: "):
		*a = AskQuestion(strings.TrimPrefix(s, "ask_next_question: "))
	case strings.HasPrefix(s, "move_to_next_stage: "):
		*a = AdvanceTo(strings.TrimPrefix(s, "move_to_next_stage: "))
	case s == "provide_analysis":
		*a = Action{Kind: ActionProduceFinalAnalysis}
	case s == "farewell":
		*a = Action{Kind: ActionEndConversation}
	default:
		*a = Action{Kind: ActionContinue}
	}
	return nil
}

// Result is the outcome of one classification call.
type Result struct {
	Stage            string   `json:"stage"`
	Progress         float64  `json:"progress"`
	NextAction       Action   `json:"next_action"`
	PromptsSatisfied []string `json:"questions_asked"`
	PromptsRemaining []string `json:"questions_remaining"`
	StageDescription string   `json:"stage_description,omitempty"`
}
