package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumeos/chatdigest/internal/store"
)

type dumpRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
}

// WriteDump serializes an import run's messages as a JSON array of
// {timestamp, author, text} records, creating parent directories as needed.
func WriteDump(path string, msgs []store.Message) error {
	records := make([]dumpRecord, 0, len(msgs))
	for _, m := range msgs {
		author := m.AuthorName
		if author == "" {
			author = m.AuthorID
		}
		records = append(records, dumpRecord{
			Timestamp: m.Timestamp.UTC(),
			Author:    author,
			Text:      m.Text,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dump: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dump dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
