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

import (
	"strings"
	"testing"
)

func TestValidate_RejectsNonSelectStatements(t *testing.T) {
	cases := []string{
		"UPDATE rpt.Patient SET name = 'x'",
		"DELETE FROM rpt.Patient",
		"  \n\tTRUNCATE TABLE rpt.Wound",
		"EXEC sp_help",
		"",
	}
	for _, sql := range cases {
		report := Validate(sql)
		if report.IsValid {
			t.Errorf("Validate(%q).IsValid = true, want false", sql)
		}
		if len(report.Warnings) == 0 {
			t.Errorf("Validate(%q) returned no explanation", sql)
		}
	}
}

func TestValidate_AcceptsLeadingWhitespace(t *testing.T) {
	report := Validate("\n\t  SELECT TOP 5 id FROM rpt.Patient")
	if !report.IsValid {
		t.Fatalf("expected valid, got warnings: %v", report.Warnings)
	}
}

func TestValidate_WholeWordKeywordMatch(t *testing.T) {
	// Identifier containing CREATE as a substring must not trip the rule.
	report := Validate("SELECT TOP 10 createdByUserName FROM rpt.WoundAssessment")
	if !report.IsValid {
		t.Fatalf("false positive on identifier substring: %v", report.Warnings)
	}

	// A genuine DROP after a statement separator must trip it.
	report = Validate("SELECT 1; DROP TABLE X")
	if report.IsValid {
		t.Fatal("expected DROP to be rejected")
	}
	if !strings.Contains(strings.Join(report.Warnings, " "), "DROP") {
		t.Errorf("warning should name the keyword, got %v", report.Warnings)
	}
}

func TestValidate_StoredProcedurePrefixes(t *testing.T) {
	for _, sql := range []string{
		"SELECT * FROM sp_configure",
		"SELECT * FROM xp_cmdshell",
	} {
		if Validate(sql).IsValid {
			t.Errorf("Validate(%q) should reject stored procedure prefix", sql)
		}
	}
}

func TestValidate_AddsRowLimit(t *testing.T) {
	report := Validate("SELECT id FROM rpt.Patient")
	if !report.IsValid {
		t.Fatalf("unexpected invalid: %v", report.Warnings)
	}
	if !strings.Contains(report.ModifiedSQL, "TOP 1000") {
		t.Errorf("ModifiedSQL = %q, want TOP 1000 inserted", report.ModifiedSQL)
	}
	if !strings.HasPrefix(report.ModifiedSQL, "SELECT TOP 1000 ") {
		t.Errorf("TOP must follow the leading SELECT, got %q", report.ModifiedSQL)
	}
}

func TestValidate_RespectsExistingOffset(t *testing.T) {
	sql := "SELECT id FROM rpt.Patient ORDER BY id OFFSET 50 ROWS"
	report := Validate(sql)
	if strings.Contains(report.ModifiedSQL, "TOP") {
		t.Errorf("must not add TOP when OFFSET present: %q", report.ModifiedSQL)
	}
}

func TestValidate_RowLimitIdempotent(t *testing.T) {
	first := Validate("SELECT id FROM rpt.Patient")
	second := Validate(first.ModifiedSQL)
	if !second.IsValid {
		t.Fatalf("re-validation failed: %v", second.Warnings)
	}
	if second.ModifiedSQL != first.ModifiedSQL {
		t.Errorf("re-validation changed SQL:\n first = %q\nsecond = %q",
			first.ModifiedSQL, second.ModifiedSQL)
	}
	if strings.Count(second.ModifiedSQL, "TOP 1000") != 1 {
		t.Errorf("expected exactly one TOP clause, got %q", second.ModifiedSQL)
	}
}

func TestValidate_SchemaPrefixAndRowLimitTogether(t *testing.T) {
	// Bare table and no row limit: both rewrites fire, with two warnings.
	report := Validate("SELECT Patient.id FROM Patient")
	if !report.IsValid {
		t.Fatalf("unexpected invalid: %v", report.Warnings)
	}
	if !strings.Contains(report.ModifiedSQL, "TOP 1000") {
		t.Errorf("missing TOP 1000 in %q", report.ModifiedSQL)
	}
	if !strings.Contains(report.ModifiedSQL, "rpt.Patient") {
		t.Errorf("missing rpt.Patient in %q", report.ModifiedSQL)
	}
	if len(report.Warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(report.Warnings), report.Warnings)
	}
}

func TestValidate_DoesNotDoublePrefix(t *testing.T) {
	report := Validate("SELECT TOP 10 w.Severity FROM rpt.Wound w")
	if strings.Contains(report.ModifiedSQL, "rpt.rpt.") {
		t.Errorf("double prefix in %q", report.ModifiedSQL)
	}
	if report.ModifiedSQL != "SELECT TOP 10 w.Severity FROM rpt.Wound w" {
		t.Errorf("already-qualified statement should be unchanged, got %q", report.ModifiedSQL)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", report.Warnings)
	}
}

func TestValidate_LiteralTableNameNotPrefixed(t *testing.T) {
	report := Validate("SELECT TOP 10 id FROM rpt.Encounter WHERE note = 'Patient fell'")
	if !report.IsValid {
		t.Fatalf("expected valid, got warnings %v", report.Warnings)
	}
	if !strings.Contains(report.ModifiedSQL, "'Patient fell'") {
		t.Errorf("table name inside a string literal was rewritten: %q", report.ModifiedSQL)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", report.Warnings)
	}
}

func TestValidate_MultibyteLiteral(t *testing.T) {
	// ToUpper shrinks U+0131 to a one-byte rune; the column scan must not
	// mix offsets between the original and upper-cased bytes.
	report := Validate("SELECT 'ıııııııı' AS label, a, b FROM rpt.Patient")
	if !report.IsValid {
		t.Fatalf("expected valid, got warnings %v", report.Warnings)
	}
	if !strings.Contains(report.ModifiedSQL, "'ıııııııı'") {
		t.Errorf("literal altered: %q", report.ModifiedSQL)
	}
}

func TestValidate_ColumnCountWarning(t *testing.T) {
	cols := make([]string, 25)
	for i := range cols {
		cols[i] = "c" + string(rune('a'+i%26))
	}
	sql := "SELECT TOP 10 " + strings.Join(cols, ", ") + " FROM rpt.Patient"
	report := Validate(sql)
	if !report.IsValid {
		t.Fatalf("column count must be advisory, got invalid: %v", report.Warnings)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "25 columns") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected column-count warning, got %v", report.Warnings)
	}
	if report.ModifiedSQL != sql {
		t.Errorf("column-count check must not rewrite, got %q", report.ModifiedSQL)
	}
}

func TestValidate_ColumnCountIgnoresNestedCommas(t *testing.T) {
	sql := "SELECT TOP 10 COALESCE(a, b, c), d FROM rpt.Patient"
	report := Validate(sql)
	for _, w := range report.Warnings {
		if strings.Contains(w, "columns") {
			t.Errorf("function-call commas miscounted as columns: %v", report.Warnings)
		}
	}
}

func TestHasTempTablePattern(t *testing.T) {
	cases := map[string]bool{
		"CREATE TEMP TABLE t AS SELECT 1":       true,
		"SELECT * INTO TEMP FROM rpt.Patient":   true,
		"create temp table t2 (id int)":         true,
		"SELECT TOP 10 name FROM rpt.Patient":   false,
		"SELECT 'into temperature' AS caption":  false,
		"WITH t AS (SELECT 1 AS n) SELECT * FROM t": false,
	}
	for sql, want := range cases {
		if got := HasTempTablePattern(sql); got != want {
			t.Errorf("HasTempTablePattern(%q) = %v, want %v", sql, got, want)
		}
	}
}

func TestCountTopLevelCTEs(t *testing.T) {
	cases := []struct {
		sql  string
		want int
	}{
		{"SELECT 1", 0},
		{"WITH a AS (SELECT 1 AS n) SELECT * FROM a", 1},
		{"WITH a AS (SELECT 1), b AS (SELECT 2) SELECT * FROM a JOIN b ON 1=1", 2},
		{"WITH a AS (SELECT 1), b AS (SELECT 2), c AS (SELECT 3) SELECT * FROM c", 3},
		{"WITH a AS (SELECT 1), b AS (SELECT 2), c AS (SELECT 3), d AS (SELECT 4) SELECT * FROM d", 4},
		// Commas inside a CTE body are nested and must not be counted.
		{"WITH a AS (SELECT x, y, z FROM rpt.Wound) SELECT * FROM a", 1},
		// Commas inside string literals must not be counted.
		{"WITH a AS (SELECT 'one, two' AS label) SELECT * FROM a", 1},
		// Literals whose upper-cased form is shorter in bytes must still scan.
		{"WITH a AS (SELECT 'ıııııııı' AS v) SELECT v FROM a", 1},
	}
	for _, tc := range cases {
		if got := CountTopLevelCTEs(tc.sql); got != tc.want {
			t.Errorf("CountTopLevelCTEs(%q) = %d, want %d", tc.sql, got, tc.want)
		}
	}
}
