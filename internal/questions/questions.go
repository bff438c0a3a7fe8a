// Package questions holds the scripted question bank used by the delivery
// staff persona. The agent tags each question it presents with an ID[n]
// marker so the next question can be looked up from the transcript.
package questions

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

//go:embed delivery_staff.json
var deliveryStaffJSON []byte

const TypeMatrix = "matrix"

type SubQuestion struct {
	Title   string   `json:"title"`
	Options []string `json:"options"`
}

type Question struct {
	ID           string        `json:"id"`
	Question     string        `json:"question"`
	Type         string        `json:"type,omitempty"`
	Options      []string      `json:"options,omitempty"`
	SubQuestions []SubQuestion `json:"subQuestions,omitempty"`
}

// Bank is an immutable, ordered set of questions.
type Bank struct {
	questions []Question
	byID      map[string]int
}

type bankFile struct {
	Questions []Question `json:"questions"`
}

// Parse decodes a question bank document.
func Parse(data []byte) (*Bank, error) {
	var f bankFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}
	b := &Bank{questions: f.Questions, byID: make(map[string]int, len(f.Questions))}
	for i, q := range f.Questions {
		id := strings.TrimSpace(q.ID)
		if id == "" {
			return nil, fmt.Errorf("parse question bank: question %d has no id", i+1)
		}
		if _, dup := b.byID[id]; dup {
			return nil, fmt.Errorf("parse question bank: duplicate id %q", id)
		}
		b.byID[id] = i
	}
	return b, nil
}

// Load reads a question bank from disk.
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	return Parse(data)
}

// DeliveryStaff returns the built-in delivery staff bank.
func DeliveryStaff() *Bank {
	b, err := Parse(deliveryStaffJSON)
	if err != nil {
		panic(fmt.Sprintf("questions: embedded delivery staff bank: %v", err))
	}
	return b
}

func (b *Bank) Len() int {
	return len(b.questions)
}

// Get looks a question up by its numeric id.
func (b *Bank) Get(id int) (Question, bool) {
	i, ok := b.byID[strconv.Itoa(id)]
	if !ok {
		return Question{}, false
	}
	return b.questions[i], true
}

// Format renders a question for inclusion in an agent request. Blank
// options are skipped.
func Format(q Question) string {
	var sb strings.Builder
	if q.Type == TypeMatrix {
		fmt.Fprintf(&sb, "Question: %s\n\n", q.Question)
		for _, sub := range q.SubQuestions {
			fmt.Fprintf(&sb, "For %s:\nOptions:\n", sub.Title)
			writeOptions(&sb, sub.Options)
			sb.WriteString("\n")
		}
		return strings.TrimSpace(sb.String())
	}

	fmt.Fprintf(&sb, "Question: %s\n", q.Question)
	if hasOptions(q.Options) {
		sb.WriteString("Options:\n")
		writeOptions(&sb, q.Options)
	}
	return strings.TrimSpace(sb.String())
}

func writeOptions(sb *strings.Builder, options []string) {
	for _, opt := range options {
		if strings.TrimSpace(opt) == "" {
			continue
		}
		fmt.Fprintf(sb, "- %s\n", opt)
	}
}

func hasOptions(options []string) bool {
	for _, opt := range options {
		if strings.TrimSpace(opt) != "" {
			return true
		}
	}
	return false
}

var markerPattern = regexp.MustCompile(`ID\[(\d+)\]`)

// NextID returns the id after the last ID[n] marker in text, or 1 when
// there is none.
func NextID(text string) int {
	matches := markerPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 1
	}
	n, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 1
	}
	return n + 1
}
