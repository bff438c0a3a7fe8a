// Package consult runs one consultation turn for a persona: classify the
// conversation, ask the agent, and persist any plan it produces.
package consult

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/google/uuid"
	"github.com/stellarlinkco/consultant/internal/persona"
	"github.com/stellarlinkco/consultant/internal/questions"
	"github.com/stellarlinkco/consultant/internal/stage"
	"github.com/stellarlinkco/consultant/internal/store"
)

const defaultHistoryWindow = 20

// analysisPhrases mark a reply as the strategic analysis itself.
var analysisPhrases = []string{"strategic analysis", "priority matrix", "roadmap", "recommendations"}

// PlanStore is the persistence the manager needs.
type PlanStore interface {
	SavePlan(ctx context.Context, p store.Plan) (int64, error)
	SaveChatHistory(ctx context.Context, consultationID int64, email string, entries []store.ChatMessage) (int, error)
}

type Options struct {
	Persona    persona.Persona
	Runtime    Runtime
	Store      PlanStore
	Classifier *stage.Classifier
	Questions  *questions.Bank
	Logger     *log.Logger
	// HistoryWindow limits how many trailing entries are quoted to the agent.
	HistoryWindow int
}

// Manager is the orchestrator for a single persona. It is safe for
// concurrent use when its Runtime and Store are.
type Manager struct {
	persona    persona.Persona
	runtime    Runtime
	store      PlanStore
	classifier *stage.Classifier
	bank       *questions.Bank
	log        *log.Logger
	window     int
}

func New(opts Options) (*Manager, error) {
	if opts.Runtime == nil {
		return nil, errors.New("consult: runtime is required")
	}
	m := &Manager{
		persona:    opts.Persona,
		runtime:    opts.Runtime,
		store:      opts.Store,
		classifier: opts.Classifier,
		bank:       opts.Questions,
		log:        opts.Logger,
		window:     opts.HistoryWindow,
	}
	if m.classifier == nil {
		m.classifier = stage.Default()
	}
	if m.log == nil {
		m.log = log.New(os.Stderr, "", log.LstdFlags)
	}
	if m.window <= 0 {
		m.window = defaultHistoryWindow
	}
	if m.persona.QuestionBank && m.bank == nil {
		m.bank = questions.DeliveryStaff()
	}
	return m, nil
}

func (m *Manager) Persona() persona.Persona {
	return m.persona
}

func (m *Manager) Close() {
	m.runtime.Close()
}

func (m *Manager) logf(format string, args ...any) {
	m.log.Printf("[consult:%s] "+format, append([]any{m.persona.ID}, args...)...)
}

// Process runs one turn. Failures never escape as errors; they become an
// error-status response.
func (m *Manager) Process(ctx context.Context, req Request) Response {
	c := withDefaults(req.Context)
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var classification *stage.Result
	if m.persona.TrackStages {
		r := m.classifier.Classify(req.Message, c.ConversationHistory)
		classification = &r
		m.logf("session %s stage=%s progress=%.1f next=%s", sessionID, r.Stage, r.Progress, r.NextAction)
	}

	prompt := m.buildPrompt(req.Message, c, classification)
	output, err := m.run(ctx, prompt, sessionID)
	if err != nil {
		m.logf("agent error: %v", err)
		return Response{
			Message: fmt.Sprintf("I apologize, but I encountered an error while processing your request: %v", err),
			Status:  StatusError,
		}
	}
	if strings.TrimSpace(output) == "" {
		output = m.persona.FallbackMessage
	}

	data := &Data{}
	resp := Response{Status: StatusSuccess, SessionID: sessionID, Data: data}

	if strings.Contains(output, PlanMarker) {
		output = strings.TrimSpace(strings.ReplaceAll(output, PlanMarker, ""))
		data.PlanGenerated = true
		m.persist(ctx, req.Message, output, c, sessionID, &resp)
	}
	resp.Message = output

	if classification != nil {
		m.describeStage(output, c, classification, data)
	}
	return resp
}

func (m *Manager) run(ctx context.Context, prompt, sessionID string) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent runtime panic: %v", r)
		}
	}()

	resp, err := m.runtime.Run(ctx, api.Request{
		Prompt:    prompt,
		SessionID: m.persona.ID + ":" + sessionID,
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}

func (m *Manager) persist(ctx context.Context, message, plan string, c Context, sessionID string, resp *Response) {
	if c.Email == "" {
		m.logf("warning: no email provided in context, plan not saved")
		return
	}
	if m.store == nil {
		m.logf("warning: no store configured, plan not saved")
		return
	}

	id, err := m.store.SavePlan(ctx, store.Plan{
		Email:            c.Email,
		Name:             c.Name,
		Role:             c.Role,
		Department:       c.Department,
		Plan:             plan,
		ConsultationType: m.persona.ConsultationType,
		SessionID:        sessionID,
	})
	if err != nil {
		m.logf("save plan for %s failed: %v", c.Email, err)
		return
	}
	m.logf("plan saved for %s with id %d", c.Email, id)
	resp.PlanSaved = true
	resp.ConsultationID = &id
	resp.Data.PlanSaved = true

	if !m.persona.SaveChatHistory {
		return
	}
	transcript := chatMessages(c.ConversationHistory, message, plan)
	n, err := m.store.SaveChatHistory(ctx, id, c.Email, transcript)
	if err != nil {
		m.logf("save chat history for consultation %d failed: %v", id, err)
		return
	}
	m.logf("chat history saved: %d messages for consultation %d", n, id)
	resp.Data.ChatHistorySaved = true
}

func (m *Manager) describeStage(reply string, c Context, r *stage.Result, data *Data) {
	table := m.classifier.Table()
	full := 100.0

	switch {
	case r.Stage == table.FinalAnalysis && containsAny(strings.ToLower(reply), analysisPhrases):
		m.logf("strategic analysis provided")
		data.AnalysisCompleted = true
		data.Stage = StageAnalysisComplete
		data.Progress = &full
	case r.Stage == table.Complete:
		data.ConsultationComplete = true
		data.Stage = StageConsultationComplete
		data.Progress = &full
	default:
		progress := r.Progress
		action := r.NextAction
		data.ConversationStage = r.Stage
		data.Progress = &progress
		data.NextAction = &action
		data.Department = c.Department
		data.StageDescription = r.StageDescription
	}
}

func (m *Manager) buildPrompt(message string, c Context, r *stage.Result) string {
	var sb strings.Builder

	sb.WriteString("CONVERSATION HISTORY:\n")
	sb.WriteString(formatHistory(c.ConversationHistory, m.window))
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "User's Name: %s\nUser's Role: %s\nUser's Department: %s\n", c.Name, c.Role, c.Department)

	if r != nil {
		sb.WriteString("\nCURRENT CONSULTATION STATUS:\n")
		fmt.Fprintf(&sb, "- Stage: %s\n", r.Stage)
		fmt.Fprintf(&sb, "- Progress: %.1f%%\n", r.Progress)
		fmt.Fprintf(&sb, "- Next Action: %s\n", r.NextAction)
		fmt.Fprintf(&sb, "- Stage Description: %s\n", r.StageDescription)
		fmt.Fprintf(&sb, "- Questions Asked: %d\n", len(r.PromptsSatisfied))
		fmt.Fprintf(&sb, "- Questions Remaining in Current Stage: %d\n", len(r.PromptsRemaining))
	}

	if m.bank != nil {
		id := questions.NextID(assistantText(c.ConversationHistory))
		if q, ok := m.bank.Get(id); ok {
			fmt.Fprintf(&sb, "\nNEXT QUESTION (end your reply with ID[%d]):\n%s\n", id, questions.Format(q))
		} else {
			sb.WriteString("\nAll scripted questions have been asked. Summarise the key insights.\n")
		}
	}

	fmt.Fprintf(&sb, "\nCurrent Message: %s", message)
	return sb.String()
}

func withDefaults(c Context) Context {
	c.UserID = orDefault(c.UserID, defaultUserID)
	c.Department = orDefault(c.Department, defaultDepartment)
	c.Name = orDefault(c.Name, defaultName)
	c.Role = orDefault(c.Role, defaultRole)
	c.Email = strings.TrimSpace(c.Email)
	return c
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func formatHistory(history []stage.Entry, window int) string {
	if len(history) > window {
		history = history[len(history)-window:]
	}
	lines := make([]string, 0, len(history))
	for _, e := range history {
		if e.Sender == stage.SenderUnknown && e.Message == "" {
			continue
		}
		sender := "MODEL"
		if e.Sender == stage.SenderUser {
			sender = "USER"
		}
		lines = append(lines, sender+": "+e.Message)
	}
	if len(lines) == 0 {
		return "No previous conversation history."
	}
	return strings.Join(lines, "\n")
}

func assistantText(history []stage.Entry) string {
	var sb strings.Builder
	for _, e := range history {
		if e.Sender == stage.SenderAssistant {
			sb.WriteString(e.Message)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// chatMessages converts the transcript plus the current exchange into rows.
func chatMessages(history []stage.Entry, message, reply string) []store.ChatMessage {
	out := make([]store.ChatMessage, 0, len(history)+2)
	for _, e := range history {
		out = append(out, store.ChatMessage{Sender: store.NormalizeSender(e.Label()), Message: e.Message, Timestamp: e.Timestamp})
	}
	if strings.TrimSpace(message) != "" {
		out = append(out, store.ChatMessage{Sender: store.SenderUser, Message: message})
	}
	return append(out, store.ChatMessage{Sender: store.SenderAI, Message: reply})
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
