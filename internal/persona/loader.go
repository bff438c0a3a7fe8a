package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const personaFileName = "PERSONA.md"

var errInvalidPersonaYAML = errors.New("invalid persona YAML frontmatter")

type personaFrontmatter struct {
	Name             string `yaml:"name"`
	Description      string `yaml:"description"`
	ConsultationType string `yaml:"consultation_type"`
	Fallback         string `yaml:"fallback"`
	TrackStages      *bool  `yaml:"track_stages"`
	SaveChatHistory  *bool  `yaml:"save_chat_history"`
}

// Load overlays workspace persona files onto the built-ins. Each persona
// lives in <dir>/<id>/PERSONA.md; the markdown body replaces the
// instruction. Files with invalid YAML are skipped with a warning, and a
// directory that names no known persona is an error.
func Load(dir string, builtins []Persona) (*Registry, error) {
	personas := append([]Persona(nil), builtins...)
	index := make(map[string]int, len(personas))
	for i, p := range personas {
		index[strings.ToLower(p.ID)] = i
	}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		return NewRegistry(personas)
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewRegistry(personas)
		}
		return nil, fmt.Errorf("stat personas dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("personas path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read personas dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), personaFileName)
		meta, body, skip, err := parsePersonaFile(path)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		i, ok := index[strings.ToLower(entry.Name())]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %q", path, ErrUnknownPersona, entry.Name())
		}
		personas[i] = overlay(personas[i], meta, body)
	}

	return NewRegistry(personas)
}

func overlay(p Persona, meta personaFrontmatter, body string) Persona {
	if v := strings.TrimSpace(meta.Name); v != "" {
		p.Name = v
	}
	if v := strings.TrimSpace(meta.Description); v != "" {
		p.Description = v
	}
	if v := strings.TrimSpace(meta.ConsultationType); v != "" {
		p.ConsultationType = v
	}
	if v := strings.TrimSpace(meta.Fallback); v != "" {
		p.FallbackMessage = v
	}
	if meta.TrackStages != nil {
		p.TrackStages = *meta.TrackStages
	}
	if meta.SaveChatHistory != nil {
		p.SaveChatHistory = *meta.SaveChatHistory
	}
	if body = strings.TrimSpace(body); body != "" {
		p.Instruction = body
	}
	return p
}

func parsePersonaFile(path string) (personaFrontmatter, string, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return personaFrontmatter{}, "", true, nil
		}
		return personaFrontmatter{}, "", false, fmt.Errorf("read persona %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidPersonaYAML) {
			log.Printf("[persona] warning: skip invalid YAML persona %s: %v", path, err)
			return personaFrontmatter{}, "", true, nil
		}
		return personaFrontmatter{}, "", false, fmt.Errorf("parse persona %q: %w", path, err)
	}
	return meta, body, false, nil
}

func parseFrontmatter(content []byte) (personaFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return personaFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return personaFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta personaFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return personaFrontmatter{}, "", fmt.Errorf("%w: %v", errInvalidPersonaYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

// WriteDefaults writes a PERSONA.md for each persona that has none yet.
func WriteDefaults(dir string, personas []Persona) error {
	for _, p := range personas {
		path := filepath.Join(dir, p.ID, personaFileName)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create persona dir: %w", err)
		}
		meta, err := yaml.Marshal(map[string]any{
			"name":              p.Name,
			"description":       p.Description,
			"consultation_type": p.ConsultationType,
			"track_stages":      p.TrackStages,
			"save_chat_history": p.SaveChatHistory,
		})
		if err != nil {
			return fmt.Errorf("marshal persona %s: %w", p.ID, err)
		}
		doc := "---\n" + string(meta) + "---\n" + p.Instruction + "\n"
		if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
			return fmt.Errorf("write persona %s: %w", p.ID, err)
		}
	}
	return nil
}
