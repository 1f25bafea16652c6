// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import "regexp"

// secretPattern pairs a compiled regex with a labeled replacement so the log
// reader can tell what class of credential was scrubbed without seeing it.
type secretPattern struct {
	re          *regexp.Regexp
	replacement string
}

// secretPatterns covers the credential formats this package actually handles:
// Anthropic keys from the x-api-key header, Google keys (the Gemini endpoint
// takes the key as a ?key= URL parameter, so it can leak through request URLs
// in error text), the bearer token OpenWebUI sends in its Authorization
// header, and generic sk- keys for OpenAI-compatible gateways proxied behind
// OpenWebUI. password= pairs are caught for config echoed into error bodies.
//
// Order matters: sk-ant- must precede the bare sk- pattern or an Anthropic
// key gets mislabeled as a gateway key.
var secretPatterns = []secretPattern{
	{
		re:          regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
		replacement: "[REDACTED:anthropic_key]",
	},
	{
		re:          regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),
		replacement: "[REDACTED:gateway_key]",
	},
	{
		re:          regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
		replacement: "[REDACTED:google_key]",
	},
	{
		re:          regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		replacement: "[REDACTED:bearer_token]",
	},
	{
		re:          regexp.MustCompile(`(?i)\bkey=[A-Za-z0-9._-]{10,}`),
		replacement: "key=[REDACTED]",
	},
	{
		re:          regexp.MustCompile(`(?i)\bpassword=[^\s&]{3,}`),
		replacement: "password=[REDACTED]",
	},
}

// SafeLogString scrubs known credential formats from a string before it is
// logged or folded into an error.
//
// Description:
//
//	Upstream APIs sometimes echo the request URL or headers back in error
//	bodies, and the clients in this package surface those bodies in their
//	"API returned status" errors. SafeLogString is the choke point that
//	keeps API keys out of logs on that path. Each match is replaced with a
//	labeled placeholder such as [REDACTED:anthropic_key].
//
// Inputs:
//   - s: A single log line or error message. Empty is fine.
//
// Outputs:
//   - string: The input with every matched credential replaced. Unmatched
//     input comes back unchanged.
//
// Limitations:
//   - Pattern-based only. A credential in an unrecognized format, or one
//     split across lines, passes through.
//
// Thread Safety: Safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}
