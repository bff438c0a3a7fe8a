package stage

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed consultation.yaml
var consultationYAML []byte

var validate = validator.New()

// Definition describes one stage of a questionnaire.
type Definition struct {
	Name            string   `yaml:"name" validate:"required"`
	Order           int      `yaml:"order" validate:"gt=0"`
	Description     string   `yaml:"description" validate:"required"`
	RequiredPrompts []string `yaml:"required_prompts,omitempty" validate:"dive,required"`
	NextStage       string   `yaml:"next_stage,omitempty"`
}

// Terminal reports whether the stage has no successor.
func (d Definition) Terminal() bool {
	return d.NextStage == ""
}

// Table is an ordered questionnaire plus the phrase lists that drive the
// completion and fresh-start checks.
type Table struct {
	Initial           string       `yaml:"initial" validate:"required"`
	FinalAnalysis     string       `yaml:"final_analysis" validate:"required"`
	Complete          string       `yaml:"complete" validate:"required"`
	Greetings         []string     `yaml:"greetings" validate:"dive,required"`
	CompletionMarkers []string     `yaml:"completion_markers" validate:"dive,required"`
	Acknowledgements  []string     `yaml:"acknowledgements" validate:"dive,required"`
	Stages            []Definition `yaml:"stages" validate:"required,min=1,dive"`
}

// ParseTable decodes and validates a YAML stage table. Phrases and
// fingerprints are lower-cased so matching can be case-insensitive.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse stage table: %w", err)
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTable reads a stage table from disk.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage table: %w", err)
	}
	return ParseTable(data)
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Default returns the classifier for the built-in strategic consultation table.
func Default() *Classifier {
	defaultOnce.Do(func() {
		t, err := ParseTable(consultationYAML)
		if err != nil {
			panic(fmt.Sprintf("stage: embedded consultation table: %v", err))
		}
		defaultClassifier = NewClassifier(t)
	})
	return defaultClassifier
}

// LoadClassifier returns the classifier for the table at path, or Default
// when path is blank.
func LoadClassifier(path string) (*Classifier, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	t, err := LoadTable(path)
	if err != nil {
		return nil, fmt.Errorf("load stage table %s: %w", path, err)
	}
	return NewClassifier(t), nil
}

func (t *Table) normalize() {
	t.Greetings = lowerAll(t.Greetings)
	t.CompletionMarkers = lowerAll(t.CompletionMarkers)
	t.Acknowledgements = lowerAll(t.Acknowledgements)
	for i := range t.Stages {
		t.Stages[i].RequiredPrompts = lowerAll(t.Stages[i].RequiredPrompts)
	}
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the structural invariants of the table: strictly
// increasing order, a resolvable successor for every non-terminal stage,
// pairwise disjoint fingerprints and existing named stages.
func (t *Table) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("validate stage table: %w", err)
	}

	byName := make(map[string]int, len(t.Stages))
	owner := make(map[string]string)
	var errs []error
	for i, s := range t.Stages {
		if _, dup := byName[s.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate stage %q", s.Name))
		}
		byName[s.Name] = i
		if i > 0 && s.Order <= t.Stages[i-1].Order {
			errs = append(errs, fmt.Errorf("stage %q order %d does not follow %d", s.Name, s.Order, t.Stages[i-1].Order))
		}
		for _, fp := range s.RequiredPrompts {
			if prev, ok := owner[fp]; ok {
				errs = append(errs, fmt.Errorf("fingerprint %q belongs to both %q and %q", fp, prev, s.Name))
				continue
			}
			owner[fp] = s.Name
		}
	}
	for _, s := range t.Stages {
		if s.Terminal() {
			continue
		}
		next, ok := byName[s.NextStage]
		if !ok {
			errs = append(errs, fmt.Errorf("stage %q: unknown next stage %q", s.Name, s.NextStage))
		} else if t.Stages[next].Order <= s.Order {
			errs = append(errs, fmt.Errorf("stage %q: next stage %q moves backwards", s.Name, s.NextStage))
		}
	}
	for _, name := range []string{t.Initial, t.FinalAnalysis, t.Complete} {
		if _, ok := byName[name]; !ok {
			errs = append(errs, fmt.Errorf("named stage %q is not defined", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validate stage table: %w", errors.Join(errs...))
	}
	return nil
}

// Stage looks up a definition by name.
func (t *Table) Stage(name string) (Definition, bool) {
	for _, s := range t.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Definition{}, false
}
