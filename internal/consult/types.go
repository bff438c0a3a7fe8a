package consult

import "github.com/stellarlinkco/consultant/internal/stage"

const (
	StatusSuccess = "success"
	StatusError   = "error"

	// PlanMarker is appended by the agent when its reply is a final plan.
	PlanMarker = "[PLAN_GENERATED]"

	StageAnalysisComplete     = "STRATEGIC_ANALYSIS_COMPLETE"
	StageConsultationComplete = "CONSULTATION_COMPLETE"

	defaultUserID     = "default_user"
	defaultDepartment = "Unknown Department"
	defaultName       = "there"
	defaultRole       = "unknown role"
)

// Context describes the stakeholder and the transcript so far.
type Context struct {
	UserID              string        `json:"user_id,omitempty"`
	Email               string        `json:"email,omitempty" validate:"omitempty,email"`
	Name                string        `json:"name,omitempty"`
	Role                string        `json:"role,omitempty"`
	Department          string        `json:"department,omitempty"`
	ConversationHistory []stage.Entry `json:"conversationHistory,omitempty"`
}

type Request struct {
	Message   string  `json:"message"`
	Context   Context `json:"context"`
	SessionID string  `json:"session_id,omitempty"`
}

type Response struct {
	Message        string `json:"message"`
	Status         string `json:"status"`
	SessionID      string `json:"session_id,omitempty"`
	PlanSaved      bool   `json:"plan_saved"`
	ConsultationID *int64 `json:"consultation_id"`
	Data           *Data  `json:"data,omitempty"`
}

// Data carries stage metadata for stage-tracked personas and persistence
// outcomes for the rest.
type Data struct {
	ConversationStage    string        `json:"conversation_stage,omitempty"`
	Stage                string        `json:"stage,omitempty"`
	Progress             *float64      `json:"progress,omitempty"`
	NextAction           *stage.Action `json:"next_action,omitempty"`
	Department           string        `json:"department,omitempty"`
	StageDescription     string        `json:"stage_description,omitempty"`
	AnalysisCompleted    bool          `json:"analysis_completed,omitempty"`
	ConsultationComplete bool          `json:"consultation_complete,omitempty"`
	PlanGenerated        bool          `json:"plan_generated"`
	PlanSaved            bool          `json:"plan_saved"`
	ChatHistorySaved     bool          `json:"chat_history_saved"`
}
