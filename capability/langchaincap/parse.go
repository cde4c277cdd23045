package langchaincap

import (
	"strconv"
	"strings"

	"github.com/kagome-ai/memengine/message"
)

// parseKeyValueLines turns "key: value" lines into ExtractedEntity values,
// skipping any line that doesn't contain the separator.
func parseKeyValueLines(out string) []message.ExtractedEntity {
	var entities []message.ExtractedEntity
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+2:])
		if key == "" || value == "" {
			continue
		}
		entities = append(entities, message.ExtractedEntity{
			Key:        key,
			Value:      value,
			Type:       message.EntityOther,
			Importance: 0.5,
			IsNovel:    true,
		})
	}
	return entities
}

// parseFirstFloat extracts the first whitespace-delimited token in s that
// parses as a float64.
func parseFirstFloat(s string) (float64, bool) {
	for _, field := range strings.Fields(s) {
		field = strings.Trim(field, ".,;:")
		if v, err := strconv.ParseFloat(field, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// extractJSONObject trims any leading/trailing prose the model adds around
// a JSON object, taking the outermost brace-delimited substring.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
