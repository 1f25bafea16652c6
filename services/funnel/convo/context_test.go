// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convo

import (
	"fmt"
	"testing"
)

func makeContext(n int) Context {
	ctx := Context{
		ConversationID: "conv-1",
		CustomerID:     "cust-1",
		ActiveFilters:  map[string]string{"facility": "north"},
		TimeRange:      "last 90 days",
	}
	for i := 1; i <= n; i++ {
		ctx.ReferencedResultSets = append(ctx.ReferencedResultSets, ResultSetRef{
			MessageID: fmt.Sprintf("msg-%d", i),
			RowCount:  i * 10,
			Columns:   []string{"id", "value"},
		})
	}
	return ctx
}

func TestAddResult_EvictsOldestAtCapacity(t *testing.T) {
	ctx := makeContext(MaxResultSets)

	got := AddResult(ctx, ResultSetRef{MessageID: "msg-11", RowCount: 5})

	if len(got.ReferencedResultSets) != MaxResultSets {
		t.Fatalf("history holds %d entries, want %d", len(got.ReferencedResultSets), MaxResultSets)
	}
	if got.ReferencedResultSets[0].MessageID != "msg-2" {
		t.Errorf("oldest entry should be evicted, head is %s", got.ReferencedResultSets[0].MessageID)
	}
	last, ok := GetLast(got)
	if !ok || last.MessageID != "msg-11" {
		t.Errorf("newest entry missing, last is %+v", last)
	}
	if got.TimeRange != "last 90 days" || got.ActiveFilters["facility"] != "north" {
		t.Error("non-result-set fields must pass through untouched")
	}
}

func TestAddResult_ReplacesInPlaceByMessageID(t *testing.T) {
	ctx := makeContext(3)

	got := AddResult(ctx, ResultSetRef{MessageID: "msg-2", RowCount: 999})

	if len(got.ReferencedResultSets) != 3 {
		t.Fatalf("replace must not grow the history, got %d", len(got.ReferencedResultSets))
	}
	if got.ReferencedResultSets[1].MessageID != "msg-2" || got.ReferencedResultSets[1].RowCount != 999 {
		t.Errorf("entry not replaced in place: %+v", got.ReferencedResultSets[1])
	}
}

func TestTrim_IdentityWhenWithinBounds(t *testing.T) {
	ctx := makeContext(4)
	got := Trim(ctx, 10)
	if len(got.ReferencedResultSets) != 4 {
		t.Errorf("trim changed an in-bounds history: %d entries", len(got.ReferencedResultSets))
	}
}

func TestTrim_KeepsMostRecent(t *testing.T) {
	ctx := makeContext(7)
	got := Trim(ctx, 3)
	if len(got.ReferencedResultSets) != 3 {
		t.Fatalf("got %d entries, want 3", len(got.ReferencedResultSets))
	}
	if got.ReferencedResultSets[0].MessageID != "msg-5" ||
		got.ReferencedResultSets[2].MessageID != "msg-7" {
		t.Errorf("trim kept the wrong entries: %+v", got.ReferencedResultSets)
	}
}

func TestGetLast_EmptyHistory(t *testing.T) {
	if _, ok := GetLast(Context{}); ok {
		t.Error("expected no last entry for an empty context")
	}
}

func TestClear_PreservesOtherFields(t *testing.T) {
	ctx := makeContext(5)
	got := Clear(ctx)
	if len(got.ReferencedResultSets) != 0 {
		t.Error("clear should drop the result-set history")
	}
	if got.CustomerID != "cust-1" || got.TimeRange != "last 90 days" {
		t.Error("clear must preserve non-result-set fields")
	}
}

func TestEstimateSize_GrowsWithHistory(t *testing.T) {
	small := EstimateSize(makeContext(1))
	large := EstimateSize(makeContext(8))
	if small <= 0 || large <= small {
		t.Errorf("size proxy not monotonic: small=%d large=%d", small, large)
	}
}

func TestHashEntity_DeterministicAndOpaque(t *testing.T) {
	a := HashEntity("patient-1234")
	b := HashEntity("patient-1234")
	c := HashEntity("patient-1235")
	if a != b {
		t.Error("hash must be deterministic")
	}
	if a == c {
		t.Error("distinct values must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected a hex sha256 digest, got %d chars", len(a))
	}
}
