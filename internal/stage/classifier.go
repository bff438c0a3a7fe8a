package stage

import (
	"strings"
)

// recentAssistantWindow is how many trailing assistant messages the
// completion check inspects.
const recentAssistantWindow = 3

// Classifier maps a message and its exchange log onto a questionnaire stage.
// It holds only the immutable table and is safe for concurrent use.
type Classifier struct {
	table        *Table
	fingerprints []string
	firstPrompts []string
}

// NewClassifier builds a classifier over a validated table. The table must
// not be modified afterwards.
func NewClassifier(t *Table) *Classifier {
	c := &Classifier{table: t}
	for _, s := range t.Stages {
		c.fingerprints = append(c.fingerprints, s.RequiredPrompts...)
		if c.firstPrompts == nil && len(s.RequiredPrompts) > 0 {
			c.firstPrompts = s.RequiredPrompts
		}
	}
	return c
}

// Table returns the stage table the classifier was built from.
func (c *Classifier) Table() *Table {
	return c.table
}

// Classify determines the current stage, progress and next action. It has
// no error path: empty or malformed input degrades to the initial stage.
func (c *Classifier) Classify(current string, history []Entry) Result {
	msg := strings.ToLower(current)

	if c.isComplete(msg, history) {
		return c.result(c.table.Complete, 100, Action{Kind: ActionEndConversation}, nil, nil)
	}

	if len(history) == 0 || c.isGreeting(msg) {
		return c.result(c.table.Initial, 0, Action{Kind: ActionStartFirstQuestion}, nil, clone(c.firstPrompts))
	}

	satisfied := c.satisfied(history)
	name := c.currentStage(satisfied)

	progress := 0.0
	if total := len(c.fingerprints); total > 0 {
		progress = float64(len(satisfied)) / float64(total) * 100
	}

	def, _ := c.table.Stage(name)
	remaining := make([]string, 0, len(def.RequiredPrompts))
	for _, fp := range def.RequiredPrompts {
		if _, ok := satisfied[fp]; !ok {
			remaining = append(remaining, fp)
		}
	}

	return c.result(name, progress, c.nextAction(def, remaining), c.ordered(satisfied), remaining)
}

func (c *Classifier) result(name string, progress float64, action Action, satisfied, remaining []string) Result {
	r := Result{
		Stage:            name,
		Progress:         progress,
		NextAction:       action,
		PromptsSatisfied: satisfied,
		PromptsRemaining: remaining,
	}
	if r.PromptsSatisfied == nil {
		r.PromptsSatisfied = []string{}
	}
	if r.PromptsRemaining == nil {
		r.PromptsRemaining = []string{}
	}
	if def, ok := c.table.Stage(name); ok {
		r.StageDescription = def.Description
	}
	return r
}

func (c *Classifier) isComplete(msg string, history []Entry) bool {
	if len(history) == 0 || !containsAny(msg, c.table.Acknowledgements) {
		return false
	}
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < recentAssistantWindow; i-- {
		if history[i].Sender != SenderAssistant {
			continue
		}
		seen++
		if containsAny(strings.ToLower(history[i].Message), c.table.CompletionMarkers) {
			return true
		}
	}
	return false
}

// isGreeting is a plain substring test, so "hi" also fires inside "this".
func (c *Classifier) isGreeting(msg string) bool {
	return containsAny(msg, c.table.Greetings)
}

func (c *Classifier) satisfied(history []Entry) map[string]struct{} {
	found := make(map[string]struct{})
	for _, e := range history {
		if e.Sender != SenderAssistant || e.Message == "" {
			continue
		}
		text := strings.ToLower(e.Message)
		for _, fp := range c.fingerprints {
			if strings.Contains(text, fp) {
				found[fp] = struct{}{}
			}
		}
	}
	return found
}

func (c *Classifier) currentStage(satisfied map[string]struct{}) string {
	for _, s := range c.table.Stages {
		if len(s.RequiredPrompts) == 0 {
			continue
		}
		for _, fp := range s.RequiredPrompts {
			if _, ok := satisfied[fp]; !ok {
				return s.Name
			}
		}
	}
	return c.table.FinalAnalysis
}

func (c *Classifier) nextAction(def Definition, remaining []string) Action {
	switch {
	case def.Name == c.table.FinalAnalysis:
		return Action{Kind: ActionProduceFinalAnalysis}
	case def.Name == c.table.Complete:
		return Action{Kind: ActionEndConversation}
	case len(def.RequiredPrompts) == 0:
		return Action{Kind: ActionContinue}
	case len(remaining) > 0:
		return AskQuestion(remaining[0])
	default:
		next := def.NextStage
		if next == "" {
			next = c.table.FinalAnalysis
		}
		return AdvanceTo(next)
	}
}

// ordered lists satisfied fingerprints in table order so results are
// deterministic.
func (c *Classifier) ordered(satisfied map[string]struct{}) []string {
	out := make([]string, 0, len(satisfied))
	for _, fp := range c.fingerprints {
		if _, ok := satisfied[fp]; ok {
			out = append(out, fp)
		}
	}
	return out
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Classify runs the built-in consultation classifier.
func Classify(current string, history []Entry) Result {
	return Default().Classify(current, history)
}
