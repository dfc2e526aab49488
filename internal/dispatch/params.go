package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// pair is one decoded parameter. Null values have value == nil.
type pair struct {
	key   string
	value *string
}

// decodePairs reads a JSON object keeping the key order of the document.
func decodePairs(parameter string) ([]pair, error) {
	parameter = strings.TrimSpace(parameter)
	if parameter == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(parameter))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid parameter: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("invalid parameter: expected a JSON object")
	}

	var pairs []pair
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid parameter: %w", err)
		}
		key, _ := tok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", key, err)
		}
		pairs = append(pairs, pair{key: key, value: rawString(raw)})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid parameter: %w", err)
	}
	return pairs, nil
}

func rawString(raw json.RawMessage) *string {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return &s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		s = string(trimmed)
		return &s
	}
	s = compact.String()
	return &s
}

// decodeMap decodes parameter as a key/value mapping. Empty input yields an
// empty map.
func decodeMap(parameter string) (map[string]any, error) {
	params := map[string]any{}
	parameter = strings.TrimSpace(parameter)
	if parameter == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(parameter), &params); err != nil {
		return nil, fmt.Errorf("invalid parameter: %w", err)
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
