// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlsafety

import "strings"

// CountTopLevelCTEs counts the named CTEs in a WITH prologue.
//
// Description:
//
//	Scans the statement with a lightweight tokenizer: parenthesis depth is
//	tracked, single-quoted string literals are skipped, and commas at depth
//	zero separate CTE definitions. The prologue ends at the first depth-zero
//	SELECT keyword, which begins the statement body. Statements that do not
//	begin with WITH have zero CTEs.
//
//	This is deliberately not a full SQL parser. Skipping quoted strings
//	covers the common misclassification case (commas or parentheses inside
//	literals); exotic constructs like quoted identifiers containing commas
//	are out of scope.
//
// Inputs:
//   - sql: The SQL statement to scan.
//
// Outputs:
//   - int: Number of top-level CTE definitions. Zero for non-WITH statements.
func CountTopLevelCTEs(sql string) int {
	// Scan the upper-cased copy only: ToUpper can change byte length for
	// non-ASCII runes, so offsets into it must not be mixed with offsets
	// into the original. Quotes, parentheses, and commas survive ToUpper
	// unchanged, and the scan needs nothing else from the original bytes.
	upper := strings.ToUpper(strings.TrimSpace(sql))
	if !strings.HasPrefix(upper, "WITH") {
		return 0
	}

	depth := 0
	inString := false
	count := 1
	for i := len("WITH"); i < len(upper); i++ {
		c := upper[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			count++
		case depth == 0 && hasKeywordAt(upper, i, "SELECT"):
			// First depth-zero SELECT terminates the prologue.
			return count
		}
	}
	return count
}
