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
	"errors"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]struct {
		input string
		want  string
		fails bool
	}{
		"bare object": {
			input: `{"sql": "SELECT 1"}`,
			want:  `{"sql": "SELECT 1"}`,
		},
		"leading whitespace": {
			input: "\n  {\"a\": 1}\n",
			want:  `{"a": 1}`,
		},
		"fenced with language tag": {
			input: "```json\n{\"a\": 1}\n```",
			want:  `{"a": 1}`,
		},
		"fenced without language tag": {
			input: "```\n{\"a\": 1}\n```",
			want:  `{"a": 1}`,
		},
		"prose around the object": {
			input: `Sure, here is the decision: {"shouldCompose": true} Hope that helps!`,
			want:  `{"shouldCompose": true}`,
		},
		"braces inside string literals": {
			input: `reply: {"sql": "SELECT '{' FROM rpt.Patient", "strategy": "fresh"}`,
			want:  `{"sql": "SELECT '{' FROM rpt.Patient", "strategy": "fresh"}`,
		},
		"no object at all": {
			input: "the previous query already answers this",
			fails: true,
		},
		"unbalanced braces": {
			input: `{"sql": "SELECT 1"`,
			fails: true,
		},
		"empty reply": {
			input: "",
			fails: true,
		},
	}

	for name, tc := range cases {
		got, err := extractJSONObject(tc.input)
		if tc.fails {
			var formatErr *FormatError
			if !errors.As(err, &formatErr) {
				t.Errorf("%s: error = %v, want *FormatError", name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: got %q, want %q", name, got, tc.want)
		}
	}
}
