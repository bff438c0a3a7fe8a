package persona

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownPersona = errors.New("unknown persona")

// Persona configures one consultant. Every persona runs through the same
// orchestrator; only these values differ.
type Persona struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	AppName          string `json:"app_name"`
	Endpoint         string `json:"endpoint"`
	ConsultationType string `json:"consultation_type"`
	FallbackMessage  string `json:"-"`
	Instruction      string `json:"-"`
	TrackStages      bool   `json:"track_stages"`
	SaveChatHistory  bool   `json:"save_chat_history"`
	QuestionBank     bool   `json:"question_bank"`
}

const (
	defaultFallback = "No response generated."
	planInstruction = "When the consultation is finished, present the final plan and end your reply with the line [PLAN_GENERATED]."
)

// Builtins returns fresh copies of the built-in personas in display order.
func Builtins() []Persona {
	return []Persona{
		{
			ID:               "riley",
			Name:             "Riley",
			Description:      "Strategic consultant running a priority discovery interview",
			AppName:          "strategic_consultant_app",
			Endpoint:         "/run",
			ConsultationType: "priority_discovery",
			FallbackMessage:  "Hello! I'm Riley, your strategic consultant. How can I help you today?",
			Instruction: "You are Riley, a strategic consultant for TAFE NSW. Work through the consultation stages one question at a time, " +
				"following the stage status you are given, then produce a strategic analysis with a priority matrix, roadmap and recommendations. " +
				planInstruction,
			TrackStages: true,
		},
		{
			ID:               "morgan",
			Name:             "Morgan",
			Description:      "Capacity analyst assessing workforce and delivery capacity",
			AppName:          "CapacityAgentApp",
			Endpoint:         "/capacity-agent",
			ConsultationType: "capacity_assessment",
			FallbackMessage:  defaultFallback,
			Instruction: "You are Morgan, a capacity analyst. Assess staffing, student capacity and resource constraints, asking one question at a time. " +
				planInstruction,
		},
		{
			ID:               "alex",
			Name:             "Alex",
			Description:      "Risk analyst building a risk register",
			AppName:          "RiskAgentApp",
			Endpoint:         "/risk-agent",
			ConsultationType: "risk_register",
			FallbackMessage:  defaultFallback,
			Instruction: "You are Alex, a risk analyst. Identify risks, their likelihood, impact and mitigations, and compile them into a risk register. " +
				planInstruction,
		},
		{
			ID:               "jordan",
			Name:             "Jordan",
			Description:      "Engagement planner mapping stakeholders and engagement activities",
			AppName:          "EngagementPlannerApp",
			Endpoint:         "/engagement-agent",
			ConsultationType: "engagement_planning",
			FallbackMessage:  defaultFallback,
			Instruction: "You are Jordan, an engagement planner. Map the stakeholder's internal and external relationships and draft an engagement plan. " +
				planInstruction,
			SaveChatHistory: true,
		},
		{
			ID:               "casey",
			Name:             "Casey",
			Description:      "External stakeholder consultant gathering industry partner input",
			AppName:          "ExternalStakeholderAgentApp",
			Endpoint:         "/external-stakeholder-agent",
			ConsultationType: "external_stakeholder",
			FallbackMessage:  defaultFallback,
			Instruction: "You are Casey, consulting an external industry stakeholder about their workforce needs and partnership with TAFE NSW. " +
				planInstruction,
			SaveChatHistory: true,
		},
		{
			ID:               "riva",
			Name:             "Riva",
			Description:      "Delivery staff assistant running the scripted staff survey",
			AppName:          "DeliveryStaffAgentApp",
			Endpoint:         "/delivery-staff-agent",
			ConsultationType: "delivery_staff",
			FallbackMessage:  defaultFallback,
			Instruction: "You are Riva, surveying teaching staff. Present exactly the next scripted question you are given and end each question with ID[n], " +
				"where n is that question's number. After the last question summarise the key insights. " + planInstruction,
			SaveChatHistory: true,
			QuestionBank:    true,
		},
	}
}

// Registry is a read-only set of personas keyed by id.
type Registry struct {
	byID  map[string]Persona
	order []string
}

func NewRegistry(personas []Persona) (*Registry, error) {
	r := &Registry{byID: make(map[string]Persona, len(personas))}
	endpoints := make(map[string]string, len(personas))
	for _, p := range personas {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if id == "" {
			return nil, fmt.Errorf("persona with empty id")
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate persona %q", id)
		}
		if p.Endpoint != "" {
			if prev, dup := endpoints[p.Endpoint]; dup {
				return nil, fmt.Errorf("persona %q: endpoint %s already used by %q", id, p.Endpoint, prev)
			}
			endpoints[p.Endpoint] = id
		}
		if p.FallbackMessage == "" {
			p.FallbackMessage = defaultFallback
		}
		p.ID = id
		r.byID[id] = p
		r.order = append(r.order, id)
	}
	return r, nil
}

// Get resolves a persona id case-insensitively.
func (r *Registry) Get(id string) (Persona, error) {
	p, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

// List returns personas in registration order.
func (r *Registry) List() []Persona {
	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns persona ids sorted alphabetically.
func (r *Registry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}
