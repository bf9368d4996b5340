package swarm

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/swarmer/internal/config"
)

// ParseItems turns raw command output or file contents into items.
// Structured input that fails to parse falls back to line splitting.
func ParseItems(raw, mode string) []string {
	if mode == config.InputStructuredArray {
		items, err := parseArray(raw)
		if err == nil {
			return items
		}
		slog.Warn("structured input is not a JSON array, splitting lines", "error", err)
	}
	return splitLines(raw)
}

// ExtractInline looks for a bracketed array literal in free text. The
// boolean is false when no usable non-empty array is present.
func ExtractInline(message string) ([]string, bool) {
	start := strings.Index(message, "[")
	end := strings.LastIndex(message, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	items, err := parseArray(message[start : end+1])
	if err != nil || len(items) == 0 {
		return nil, false
	}
	return items, true
}

// SplitIntoBatches partitions items into consecutive pending batches of at
// most batchSize items.
func SplitIntoBatches(items []string, batchSize int) []*Batch {
	if batchSize <= 0 {
		batchSize = config.DefaultBatchSize
	}

	batches := make([]*Batch, 0, (len(items)+batchSize-1)/batchSize)
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batches = append(batches, &Batch{
			Index:  len(batches),
			Items:  items[start:end:end],
			Status: StatusPending,
		})
	}
	return batches
}

// MessageLines returns trimmed non-empty lines of a message.
func MessageLines(message string) []string {
	return splitLines(message)
}

func parseArray(raw string) ([]string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &elems); err != nil {
		return nil, err
	}

	items := make([]string, 0, len(elems))
	for _, e := range elems {
		if len(e) > 0 && e[0] == '"' {
			var s string
			if err := json.Unmarshal(e, &s); err != nil {
				return nil, err
			}
			items = append(items, s)
			continue
		}
		// Non-string elements keep their own text, compacted.
		var buf bytes.Buffer
		if err := json.Compact(&buf, e); err != nil {
			return nil, err
		}
		items = append(items, buf.String())
	}
	return items, nil
}

func splitLines(raw string) []string {
	var items []string
	for line := range strings.SplitSeq(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			items = append(items, line)
		}
	}
	return items
}
