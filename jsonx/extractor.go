// Package jsonx implements tolerant extraction of a JSON object from
// free-form model output. No third-party JSON-repair library appears
// anywhere in the reference corpus, so extraction stays on encoding/json
// plus a small brace-scanner.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoObject is the sentinel returned when no JSON object could be
// extracted from the model's raw output.
var ErrNoObject = errors.New("no JSON object found in model output")

// Extract tries, in order: a fenced ```json block, the entire trimmed
// output, then the outermost balanced {...} substring. It never panics;
// any failure collapses to ErrNoObject. out must be a pointer, the same
// way json.Unmarshal expects.
func Extract(raw string, out interface{}) error {
	candidates := []string{}

	if fenced, ok := extractFencedJSON(raw); ok {
		candidates = append(candidates, fenced)
	}
	candidates = append(candidates, strings.TrimSpace(raw))
	if braced, ok := extractBalancedBraces(raw); ok {
		candidates = append(candidates, braced)
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), out); err == nil {
			return nil
		}
	}

	return ErrNoObject
}

// extractFencedJSON looks for a ```json ... ``` fenced block and returns
// its trimmed contents.
func extractFencedJSON(raw string) (string, bool) {
	const openTag = "```json"
	start := strings.Index(raw, openTag)
	if start == -1 {
		return "", false
	}
	rest := raw[start+len(openTag):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalancedBraces scans for the first '{' and returns the substring
// up to its matching closing '}', accounting for nested braces and braces
// inside string literals.
func extractBalancedBraces(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(raw); i++ {
		c := raw[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}

	return "", false
}
