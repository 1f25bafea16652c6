// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"encoding/json"
	"strings"
)

// FormatError indicates a model reply that could not be parsed into the
// expected structure, or parsed but was missing required fields.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "compose: malformed model reply: " + e.Reason
}

// extractJSONObject locates the JSON object in a model reply.
//
// Description:
//
//	Exactly three strategies, in order: (1) the whole trimmed reply is a
//	JSON object; (2) the reply wraps one in a fenced code block; (3) the
//	first balanced top-level {...} substring found by brace matching.
//	Nothing beyond these. Bounded parsing keeps behavior predictable.
//
// Inputs:
//   - text: The raw model reply.
//
// Outputs:
//   - []byte: The JSON object bytes.
//   - error: *FormatError when no object could be located.
func extractJSONObject(text string) ([]byte, error) {
	trimmed := strings.TrimSpace(text)
	if looksLikeJSONObject(trimmed) {
		return []byte(trimmed), nil
	}

	if inner, ok := stripFencedBlock(trimmed); ok && looksLikeJSONObject(inner) {
		return []byte(inner), nil
	}

	if obj, ok := firstBalancedObject(trimmed); ok {
		return []byte(obj), nil
	}

	return nil, &FormatError{Reason: "no JSON object found in reply"}
}

// looksLikeJSONObject reports whether s parses as a JSON object.
func looksLikeJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var probe map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &probe) == nil
}

// stripFencedBlock removes a leading/trailing markdown code fence, with or
// without a language tag.
func stripFencedBlock(s string) (string, bool) {
	if !strings.HasPrefix(s, "```") {
		return "", false
	}
	rest := s[3:]
	// Drop an optional language tag up to the first newline.
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[idx+1:]
	}
	end := strings.LastIndex(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// firstBalancedObject finds the first top-level {...} substring by brace
// matching, skipping braces inside JSON string literals.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				candidate := s[start : i+1]
				if looksLikeJSONObject(candidate) {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
