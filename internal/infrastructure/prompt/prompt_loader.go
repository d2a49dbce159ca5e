package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PromptComponent represents a single hot-pluggable prompt module
// loaded from a .md file with YAML frontmatter.
type PromptComponent struct {
	Name     string        // unique component name
	Priority int           // sort weight (lower = earlier in prompt, default 50)
	Content  string        // the actual prompt text (markdown body)
	Requires *Requirements // conditions for loading (nil = always load)
	FilePath string        // source file path for debugging
}

// Requirements defines the conditions under which a component is loaded.
// All conditions must be satisfied (AND logic).
type Requirements struct {
	// Tools — component loads only if ALL listed tools are registered
	Tools []string `yaml:"tools"`

	// AnyTool — component loads if ANY listed tool is registered
	AnyTool []string `yaml:"any_tool"`

	// Intent — component loads only for these task intents
	Intent []string `yaml:"intent"`

	// Model — component loads only for models whose name contains one of
	// these strings (case-insensitive)
	Model []string `yaml:"model"`
}

// frontmatter is the YAML header schema of a prompt component file.
type frontmatter struct {
	Name     string        `yaml:"name"`
	Priority *int          `yaml:"priority"`
	Requires *Requirements `yaml:"requires"`
}

// ParsePromptFile reads a .md file with YAML frontmatter and returns a
// PromptComponent. The frontmatter goes through a real YAML decoder —
// nested lists, quoting, and comments all behave the way a prompt author
// editing ~/.osa/prompts expects.
//
// Expected format:
//
//	---
//	name: scheduling_rules
//	priority: 50
//	requires:
//	  any_tool: [bash, web_search]
//	  intent: [general, research]
//	---
//	Your prompt content here...
func ParsePromptFile(path string) (*PromptComponent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}

	content := string(data)

	comp := &PromptComponent{
		Name:     fileBaseName(path),
		Priority: 50,
		FilePath: path,
	}

	// No frontmatter — the whole file is content with defaults.
	if !strings.HasPrefix(content, "---") {
		comp.Content = strings.TrimSpace(content)
		return comp, nil
	}

	header, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter of %s: %w", path, err)
	}

	if fm.Name != "" {
		comp.Name = fm.Name
	}
	if fm.Priority != nil {
		comp.Priority = *fm.Priority
	}
	comp.Requires = fm.Requires
	comp.Content = strings.TrimSpace(body)

	return comp, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(content string) (header, body string, err error) {
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed YAML frontmatter")
}

// fileBaseName extracts the file name without extension.
func fileBaseName(path string) string {
	name := filepath.Base(path)
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	return name
}
