// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlsafety validates and rewrites candidate SQL before it is ever
// handed to the reporting database.
//
// The validator is a pure function over the SQL text. Fatal rules (statement
// kind, dangerous keywords) set IsValid=false. Advisory rules (row cap,
// schema prefix, column count) never fail the statement. They rewrite it
// and record a warning. Callers must always execute ModifiedSQL, never the
// original input.
package sqlsafety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "sqlsafety",
		Name:      "validations_total",
		Help:      "SQL safety validations by outcome: valid, invalid",
	}, []string{"outcome"})

	rewritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "sqlsafety",
		Name:      "rewrites_total",
		Help:      "Advisory rewrites applied by rule: row_limit, schema_prefix",
	}, []string{"rule"})
)

// =============================================================================
// Defaults
// =============================================================================

// DefaultRowLimit is the row cap inserted when a statement has neither a TOP
// nor an OFFSET clause.
const DefaultRowLimit = 1000

// ColumnCountWarningThreshold is the top-level column count above which the
// validator emits a performance warning. No rewrite is applied.
const ColumnCountWarningThreshold = 20

// ReportingSchema is the schema every reporting table lives in. Bare table
// references are rewritten to carry this prefix.
const ReportingSchema = "rpt"

// knownTables are the reporting tables the schema-prefix rule recognizes.
// Table names not in this list pass through untouched; the rule only fixes
// references it is certain about.
var knownTables = []string{
	"Patient",
	"Wound",
	"WoundAssessment",
	"WoundMeasurement",
	"Encounter",
	"Facility",
	"Clinician",
	"Treatment",
	"LabResult",
}

// dangerousKeywords are rejected as whole words anywhere in the statement.
// SP_ and XP_ (system stored procedure prefixes) are matched separately
// because the trailing underscore defeats a plain \b boundary.
var dangerousKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "TRUNCATE", "ALTER", "CREATE", "EXEC", "EXECUTE",
}

var (
	// dangerousKeywordRe matches any dangerous keyword as a whole word.
	// Word-boundary matching avoids false positives on identifiers such as
	// createdByUserName or lastUpdatedDate.
	dangerousKeywordRe = regexp.MustCompile(`(?i)\b(` + strings.Join(dangerousKeywords, "|") + `)\b`)

	// procPrefixRe matches sp_/xp_ stored procedure prefixes at a word start.
	procPrefixRe = regexp.MustCompile(`(?i)\b(sp|xp)_`)

	// rowLimitPresentRe detects an existing TOP or OFFSET clause.
	rowLimitPresentRe = regexp.MustCompile(`(?i)\b(TOP|OFFSET)\b`)

	// leadingSelectRe locates the first SELECT keyword for row-cap insertion.
	leadingSelectRe = regexp.MustCompile(`(?i)\bSELECT\b`)

	// tempTableRe matches temp-table creation patterns in any case.
	tempTableRe = regexp.MustCompile(`(?i)\b(CREATE\s+TEMP|INTO\s+TEMP)\b`)
)

// =============================================================================
// Report
// =============================================================================

// Report is the outcome of a single validation pass.
//
// Description:
//
//	IsValid reflects only the fatal rules. ModifiedSQL always carries the
//	statement with all advisory rewrites applied in order (row limit, then
//	schema prefix) and is what callers must execute. Warnings are ordered
//	by the rule that produced them.
type Report struct {
	// IsValid is false when a fatal rule fired.
	IsValid bool `json:"isValid"`

	// ModifiedSQL is the statement after advisory rewrites. Equal to the
	// trimmed input when no rewrite applied. Empty when IsValid is false.
	ModifiedSQL string `json:"modifiedSql,omitempty"`

	// Warnings lists fatal violations (when IsValid is false) and advisory
	// notices (when rewrites or the column-count check fired).
	Warnings []string `json:"warnings"`
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks a candidate SQL statement against the safety rules.
//
// Description:
//
//	Fatal rules: the statement must begin with SELECT or WITH, and must not
//	contain a dangerous keyword as a whole word. Advisory rules: a missing
//	TOP/OFFSET gets a TOP cap inserted after the leading SELECT; bare known
//	table names get the reporting schema prefix; a top-level column list
//	over the threshold gets a performance warning.
//
//	Re-validating ModifiedSQL is idempotent: once a TOP clause and schema
//	prefixes are present, no further rewrite applies.
//
// Inputs:
//   - sql: Candidate SQL statement. Leading/trailing whitespace is ignored.
//
// Outputs:
//   - *Report: Validation outcome. Never nil.
func Validate(sql string) *Report {
	report := &Report{Warnings: []string{}}

	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		report.Warnings = append(report.Warnings, "statement is empty")
		validationsTotal.WithLabelValues("invalid").Inc()
		return report
	}

	// Fatal: statement kind. Only SELECT and WITH statements are allowed
	// against the reporting schema.
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		report.Warnings = append(report.Warnings,
			"only SELECT or WITH statements are allowed against the reporting schema")
		validationsTotal.WithLabelValues("invalid").Inc()
		return report
	}

	// Fatal: dangerous keywords as whole words.
	if m := dangerousKeywordRe.FindString(trimmed); m != "" {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("dangerous keyword %q is not allowed", strings.ToUpper(m)))
		validationsTotal.WithLabelValues("invalid").Inc()
		return report
	}
	if m := procPrefixRe.FindString(trimmed); m != "" {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("system stored procedure prefix %q is not allowed", strings.ToUpper(m)))
		validationsTotal.WithLabelValues("invalid").Inc()
		return report
	}

	report.IsValid = true
	modified := trimmed

	// Advisory: row-limit enforcement.
	if !rowLimitPresentRe.MatchString(modified) {
		if loc := leadingSelectRe.FindStringIndex(modified); loc != nil {
			modified = modified[:loc[1]] + fmt.Sprintf(" TOP %d", DefaultRowLimit) + modified[loc[1]:]
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("no row limit found; added TOP %d to bound the result set", DefaultRowLimit))
			rewritesTotal.WithLabelValues("row_limit").Inc()
		}
	}

	// Advisory: schema-prefix enforcement.
	var prefixed []string
	for _, table := range knownTables {
		rewritten, changed := prefixTable(modified, table)
		if changed {
			modified = rewritten
			prefixed = append(prefixed, table)
		}
	}
	if len(prefixed) > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("qualified bare table reference(s) with schema %q: %s",
				ReportingSchema, strings.Join(prefixed, ", ")))
		rewritesTotal.WithLabelValues("schema_prefix").Inc()
	}

	// Advisory: column-count check. No rewrite.
	if n := topLevelColumnCount(modified); n > ColumnCountWarningThreshold {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("select list has %d columns (threshold %d); consider narrowing for performance",
				n, ColumnCountWarningThreshold))
	}

	report.ModifiedSQL = modified
	validationsTotal.WithLabelValues("valid").Inc()
	return report
}

// HasTempTablePattern reports whether the statement contains a temp-table
// creation pattern (CREATE TEMP or INTO TEMP, any case). The composer treats
// this as fatal regardless of the general validator's advisory rules.
func HasTempTablePattern(sql string) bool {
	return tempTableRe.MatchString(sql)
}

// prefixTable qualifies bare references to table with the reporting schema.
//
// A reference counts as bare when the table name appears as a whole word not
// already preceded by a schema qualifier (any "identifier." immediately
// before it). Returns the rewritten SQL and whether a rewrite occurred.
func prefixTable(sql, table string) (string, bool) {
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(table) + `\b`)
	if err != nil {
		return sql, false
	}

	changed := false
	var b strings.Builder
	last := 0
	for _, loc := range re.FindAllStringIndex(sql, -1) {
		if isQualified(sql, loc[0]) || insideLiteral(sql, loc[0]) {
			continue
		}
		// Preserve the original casing of the matched reference; only the
		// schema prefix is inserted.
		b.WriteString(sql[last:loc[0]])
		b.WriteString(ReportingSchema)
		b.WriteString(".")
		b.WriteString(sql[loc[0]:loc[1]])
		last = loc[1]
		changed = true
	}
	if !changed {
		return sql, false
	}
	b.WriteString(sql[last:])
	return b.String(), true
}

// insideLiteral reports whether pos falls inside a single-quoted string
// literal. Quote parity handles the doubled-quote escape ('') as two
// adjacent literals, which still classifies interior positions correctly.
func insideLiteral(sql string, pos int) bool {
	inString := false
	for i := 0; i < pos && i < len(sql); i++ {
		if sql[i] == '\'' {
			inString = !inString
		}
	}
	return inString
}

// isQualified reports whether the identifier starting at pos is already
// schema-qualified or is itself a trailing segment of a dotted reference
// (e.g. the "Patient" in "p.Patient" or "rpt.Patient").
func isQualified(sql string, pos int) bool {
	i := pos - 1
	for i >= 0 && (sql[i] == ' ' || sql[i] == '\t') {
		i--
	}
	return i >= 0 && sql[i] == '.'
}

// topLevelColumnCount counts entries in the outermost SELECT ... FROM column
// list. Commas inside parentheses (function calls, subqueries) and inside
// single-quoted strings are ignored. Returns 0 when no list is found.
func topLevelColumnCount(sql string) int {
	// Scan the upper-cased copy only: ToUpper can change byte length for
	// non-ASCII runes, so offsets into it must not be mixed with offsets
	// into the original.
	upper := strings.ToUpper(sql)
	loc := leadingSelectRe.FindStringIndex(upper)
	if loc == nil {
		return 0
	}

	depth := 0
	inString := false
	count := 1
	for i := loc[1]; i < len(upper); i++ {
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
		case depth == 0 && hasKeywordAt(upper, i, "FROM"):
			return count
		}
	}
	return 0
}

// hasKeywordAt reports whether upper contains the keyword as a whole word
// starting at i. upper must already be upper-cased.
func hasKeywordAt(upper string, i int, keyword string) bool {
	if !strings.HasPrefix(upper[i:], keyword) {
		return false
	}
	before := i == 0 || !isWordByte(upper[i-1])
	end := i + len(keyword)
	after := end >= len(upper) || !isWordByte(upper[end])
	return before && after
}

// isWordByte reports whether b is part of an identifier.
func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}
