package summarize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lumeos/chatdigest/internal/store"
)

const (
	systemPromptFile  = "system_prompt.txt"
	summaryPromptFile = "summary_prompt.txt"

	historyPlaceholder   = "{chat_history}"
	timestampPlaceholder = "{timestamp}"
)

// PromptSet holds the externally supplied prompt templates. The summary
// template must contain {chat_history}; {timestamp} is optional.
type PromptSet struct {
	System  string
	Summary string
}

// DefaultPrompts is used when no prompt files are installed.
var DefaultPrompts = PromptSet{
	System: "You are a concise assistant that digests group chat conversations. " +
		"Summarize the key topics, decisions and questions. Answer in the language the chat uses.",
	Summary: "Current time: {timestamp}\n\nSummarize the following chat history:\n\n{chat_history}",
}

// LoadPrompts reads the prompt templates from dir.
func LoadPrompts(dir string) (PromptSet, error) {
	system, err := os.ReadFile(filepath.Join(dir, systemPromptFile))
	if err != nil {
		return PromptSet{}, fmt.Errorf("read system prompt: %w", err)
	}
	summary, err := os.ReadFile(filepath.Join(dir, summaryPromptFile))
	if err != nil {
		return PromptSet{}, fmt.Errorf("read summary prompt: %w", err)
	}

	set := PromptSet{
		System:  strings.TrimSpace(string(system)),
		Summary: strings.TrimSpace(string(summary)),
	}
	if !strings.Contains(set.Summary, historyPlaceholder) {
		return PromptSet{}, fmt.Errorf("summary prompt is missing %s placeholder", historyPlaceholder)
	}
	return set, nil
}

// Render substitutes the transcript (and current time) into the summary
// template.
func (p PromptSet) Render(transcript string, now time.Time) string {
	out := strings.ReplaceAll(p.Summary, historyPlaceholder, transcript)
	out = strings.ReplaceAll(out, timestampPlaceholder, now.UTC().Format(time.RFC3339))
	return out
}

// FormatTranscript renders messages one per line in chronological order:
// [2025-01-02 15:04:05] Name: text
func FormatTranscript(msgs []store.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		name := m.AuthorName
		if name == "" {
			name = "unknown"
		}
		sb.WriteByte('[')
		sb.WriteString(m.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		sb.WriteString("] ")
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(m.Text)
	}
	return sb.String()
}
