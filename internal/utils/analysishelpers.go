package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SensitiveField is a JSON key whose name suggests authentication or identity data.
type SensitiveField struct {
	Path  string `json:"path" yaml:"path"`
	Value string `json:"value" yaml:"value"`
}

// FindSensitiveFields walks a JSON document in document order and returns every key
// whose name contains one of names (case-insensitive), with its full path ("a.b[0].c").
// Nested objects and arrays are searched recursively; a matching parent is reported
// before its children.
func FindSensitiveFields(body []byte, names []string) ([]SensitiveField, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(n)
	}

	var found []SensitiveField
	if _, err := walkJSON(dec, "", lowered, &found); err != nil {
		return found, fmt.Errorf("failed to walk JSON body: %w", err)
	}
	return found, nil
}

// walkJSON consumes one JSON value and returns a short rendering of it.
func walkJSON(dec *json.Decoder, path string, names []string, found *[]SensitiveField) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	delim, isDelim := tok.(json.Delim)
	if !isDelim {
		return scalarString(tok), nil
	}

	switch delim {
	case '{':
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return "", err
			}
			key, _ := keyTok.(string)
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}

			idx := -1
			if keyMatches(key, names) {
				*found = append(*found, SensitiveField{Path: childPath})
				idx = len(*found) - 1
			}
			rendered, err := walkJSON(dec, childPath, names, found)
			if err != nil {
				return "", err
			}
			if idx >= 0 {
				(*found)[idx].Value = rendered
			}
		}
		if _, err := dec.Token(); err != nil { // closing '}'
			return "", err
		}
		return "{...}", nil
	case '[':
		for i := 0; dec.More(); i++ {
			if _, err := walkJSON(dec, fmt.Sprintf("%s[%d]", path, i), names, found); err != nil {
				return "", err
			}
		}
		if _, err := dec.Token(); err != nil { // closing ']'
			return "", err
		}
		return "[...]", nil
	default:
		return "", fmt.Errorf("unexpected delimiter %q", delim)
	}
}

func keyMatches(key string, names []string) bool {
	lower := strings.ToLower(key)
	for _, n := range names {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func scalarString(tok json.Token) string {
	switch v := tok.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}
