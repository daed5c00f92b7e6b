package oracle

import (
	"encoding/json"
	"errors"
	"strings"
)

var ErrNoJSONObject = errors.New("oracle: no json object in output")

// DecodeObject unmarshals the first JSON object found in text into v.
// Models often wrap JSON in markdown fences or add prose around it.
func DecodeObject(text string, v any) error {
	raw, err := ExtractObject(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// ExtractObject returns the outermost {...} span of text.
func ExtractObject(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```JSON")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrNoJSONObject
	}
	raw := s[start : end+1]
	if !json.Valid([]byte(raw)) {
		return "", ErrNoJSONObject
	}
	return raw, nil
}
