package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func writePromptFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParsePromptFile_NoFrontmatter(t *testing.T) {
	path := writePromptFile(t, "plain_rules.md", "Always answer in the user's language.\n")

	comp, err := ParsePromptFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if comp.Name != "plain_rules" {
		t.Errorf("name should default to the file base name, got %q", comp.Name)
	}
	if comp.Priority != 50 {
		t.Errorf("priority should default to 50, got %d", comp.Priority)
	}
	if comp.Requires != nil {
		t.Errorf("no frontmatter means no requirements, got %+v", comp.Requires)
	}
}

func TestParsePromptFile_FullFrontmatter(t *testing.T) {
	path := writePromptFile(t, "sched.md", `---
name: scheduling_rules
priority: 10
requires:
  any_tool: [bash, web_search]
  model:
    - qwen3
    - claude
---
Prefer absolute dates when scheduling.`)

	comp, err := ParsePromptFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if comp.Name != "scheduling_rules" || comp.Priority != 10 {
		t.Errorf("frontmatter not applied: name=%q priority=%d", comp.Name, comp.Priority)
	}
	if comp.Requires == nil || len(comp.Requires.AnyTool) != 2 || len(comp.Requires.Model) != 2 {
		t.Fatalf("requirements not decoded: %+v", comp.Requires)
	}
	// Both YAML list styles (flow and block) must decode.
	if comp.Requires.AnyTool[0] != "bash" || comp.Requires.Model[1] != "claude" {
		t.Errorf("list values wrong: %+v", comp.Requires)
	}
	if comp.Content != "Prefer absolute dates when scheduling." {
		t.Errorf("body mismatch: %q", comp.Content)
	}
}

func TestParsePromptFile_PriorityZeroIsRespected(t *testing.T) {
	path := writePromptFile(t, "soul.md", "---\npriority: 0\n---\nIdentity prompt.")

	comp, err := ParsePromptFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if comp.Priority != 0 {
		t.Errorf("an explicit priority of 0 must not fall back to the default, got %d", comp.Priority)
	}
}

func TestParsePromptFile_UnclosedFrontmatterFails(t *testing.T) {
	path := writePromptFile(t, "broken.md", "---\nname: broken\nNo closing fence.")

	if _, err := ParsePromptFile(path); err == nil {
		t.Errorf("unclosed frontmatter must be an error")
	}
}
