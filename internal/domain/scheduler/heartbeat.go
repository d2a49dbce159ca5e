package scheduler

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// taskListMD is configured with the GFM task-list extension so
// "- [ ] foo" / "- [x] foo" parse as task-list nodes, matching the
// project's existing convention of using goldmark.New() plus an AST walk
// for Markdown handling (see the Telegram HTML renderer).
var taskListMD = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// checkboxLine matches a markdown task-list item: optional leading
// whitespace, a list marker, "[ ]" or "[x]"/"[X]", then the task text.
var checkboxLine = regexp.MustCompile(`^(\s*[-*+]\s+\[)([ xX])(\]\s*)(.*)$`)

// completedStamp matches a trailing "(completed <RFC3339>)" marker left by
// MarkHeartbeatTaskDone, so re-marking a task is idempotent and parsing
// strips it back out of the task text.
var completedStamp = regexp.MustCompile(`\s*\(completed [^)]*\)\s*$`)

// ParseHeartbeatTasks reads path and returns every checkbox line found.
// The file is parsed through goldmark first to confirm it is well-formed
// Markdown; checkbox state itself is then read line-by-line since
// HEARTBEAT.md is intentionally a flat task list rather than nested
// structure worth walking as a tree.
func ParseHeartbeatTasks(path string) ([]HeartbeatTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read heartbeat file: %w", err)
	}

	reader := text.NewReader(data)
	if doc := taskListMD.Parser().Parse(reader); doc == nil {
		return nil, fmt.Errorf("parse heartbeat file: empty document")
	}

	var tasks []HeartbeatTask
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		m := checkboxLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		tasks = append(tasks, HeartbeatTask{
			Line: i + 1,
			Text: strings.TrimSpace(completedStamp.ReplaceAllString(m[4], "")),
			Done: m[2] == "x" || m[2] == "X",
			Raw:  line,
		})
	}
	return tasks, nil
}

// MarkHeartbeatTaskDone rewrites the checkbox on the given 1-based line to
// "[x]" and appends an ISO-8601 completion stamp, leaving every other line
// byte-for-byte untouched. It writes via temp-file-then-rename so a
// concurrent reader never observes a partially written file.
func MarkHeartbeatTaskDone(path string, line int, at time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read heartbeat file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	idx := line - 1
	if idx < 0 || idx >= len(lines) {
		return fmt.Errorf("heartbeat file has no line %d", line)
	}

	m := checkboxLine.FindStringSubmatch(lines[idx])
	if m == nil {
		return fmt.Errorf("line %d is not a checkbox item", line)
	}

	taskText := completedStamp.ReplaceAllString(m[4], "")
	lines[idx] = fmt.Sprintf("%s%s%s%s (completed %s)", m[1], "x", m[3], taskText, at.UTC().Format(time.RFC3339))

	return atomicWriteFile(path, []byte(strings.Join(lines, "\n")))
}
