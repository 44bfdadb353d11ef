package analysis

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActivityIDsPlaceholder is replaced with the comma-joined activity ids
// when the template is rendered.
const ActivityIDsPlaceholder = "{{ACTIVITY_IDS}}"

const defaultPromptBody = `New Garmin activities are ready to analyze: ` + ActivityIDsPlaceholder + `.

Use the activity tools to fetch each activity's details (sport, distance,
duration, pace, heart rate, training effect). Write a short assessment of
how the session went, in plain prose a runner would want to read back in
their daily note.

Include one markdown table summarizing the key metrics across activities.
Use the chart tools to render the one or two charts that best show the
day's effort, and mention anything unusual compared to a typical session.`

type promptFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Template is the analysis prompt. Stored as a markdown file with optional
// YAML frontmatter so it can be edited inside the vault like any note.
type Template struct {
	Name        string
	Description string
	body        string
}

func (t *Template) Render(activityIDs []string) string {
	return strings.ReplaceAll(t.body, ActivityIDsPlaceholder, strings.Join(activityIDs, ", "))
}

func DefaultTemplate() *Template {
	return &Template{
		Name:        "garmin-activity-analysis",
		Description: "Daily Garmin activity analysis prompt",
		body:        defaultPromptBody,
	}
}

// LoadTemplate reads the prompt template at path. A missing file falls back
// to the built-in default; a present but malformed file is an error so bad
// edits surface at startup instead of inside a cycle.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultTemplate(), nil
		}
		return nil, fmt.Errorf("read prompt template %q: %w", path, err)
	}

	text := strings.TrimPrefix(string(data), "﻿")
	tpl := DefaultTemplate()

	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "---" {
		end := -1
		for i := 1; i < len(lines); i++ {
			if strings.TrimSpace(lines[i]) == "---" {
				end = i
				break
			}
		}
		if end == -1 {
			return nil, fmt.Errorf("prompt template %q: missing closing frontmatter separator", path)
		}
		var meta promptFrontmatter
		if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
			return nil, fmt.Errorf("prompt template %q: invalid YAML frontmatter: %w", path, err)
		}
		if strings.TrimSpace(meta.Name) != "" {
			tpl.Name = strings.TrimSpace(meta.Name)
		}
		tpl.Description = strings.TrimSpace(meta.Description)
		text = strings.Join(lines[end+1:], "\n")
	}

	body := strings.TrimSpace(text)
	if body == "" {
		return nil, fmt.Errorf("prompt template %q: empty body", path)
	}
	tpl.body = body
	return tpl, nil
}

// WriteDefaultTemplate materializes the built-in template at path for
// onboarding. An existing file is left alone.
func WriteDefaultTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create template dir: %w", err)
	}
	tpl := DefaultTemplate()
	content := fmt.Sprintf("---\nname: %s\ndescription: %s\n---\n\n%s\n", tpl.Name, tpl.Description, tpl.body)
	return os.WriteFile(path, []byte(content), 0644)
}
