// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convo holds per-conversation context: which result sets earlier
// turns produced and the filters in play. Entries carry shape and size
// metadata only, never raw rows or direct identifiers. All operations are
// pure functions over the Context value.
package convo

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// MaxResultSets bounds the referenced-result-set history per conversation.
const MaxResultSets = 10

// ResultSetRef describes a prior turn's result set by shape only.
type ResultSetRef struct {
	// MessageID identifies the turn that produced the result set.
	MessageID string `json:"messageId"`

	// RowCount is the number of rows returned.
	RowCount int `json:"rowCount"`

	// Columns is the ordered output column list.
	Columns []string `json:"columns"`

	// EntityHashes optionally carries one-way hashed entity references so
	// follow-up turns can talk about "the same patients" without the cache
	// ever holding an identifier.
	EntityHashes []string `json:"entityHashes,omitempty"`
}

// Context is the conversation-scoped state consumed by the composer.
type Context struct {
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`

	// ActiveFilters are the filter expressions currently applied.
	ActiveFilters map[string]string `json:"activeFilters,omitempty"`

	// TimeRange is the active reporting window, e.g. "last 90 days".
	TimeRange string `json:"timeRange,omitempty"`

	ReferencedResultSets []ResultSetRef `json:"referencedResultSets,omitempty"`
}

// Trim bounds the result-set history to max entries, dropping oldest first.
//
// Description:
//
//	Eviction is FIFO by arrival, not by access. All non-result-set fields
//	pass through untouched; when the history is already within bounds the
//	context is returned unchanged.
func Trim(ctx Context, max int) Context {
	if max <= 0 {
		max = MaxResultSets
	}
	if len(ctx.ReferencedResultSets) <= max {
		return ctx
	}
	trimmed := make([]ResultSetRef, max)
	copy(trimmed, ctx.ReferencedResultSets[len(ctx.ReferencedResultSets)-max:])
	ctx.ReferencedResultSets = trimmed
	return ctx
}

// AddResult records a result set in the context.
//
// Description:
//
//	An entry with the same MessageID is replaced in place, keeping its
//	position; otherwise the entry is appended and the history trimmed to
//	MaxResultSets.
func AddResult(ctx Context, entry ResultSetRef) Context {
	for i, existing := range ctx.ReferencedResultSets {
		if existing.MessageID == entry.MessageID {
			updated := make([]ResultSetRef, len(ctx.ReferencedResultSets))
			copy(updated, ctx.ReferencedResultSets)
			updated[i] = entry
			ctx.ReferencedResultSets = updated
			return ctx
		}
	}
	updated := make([]ResultSetRef, 0, len(ctx.ReferencedResultSets)+1)
	updated = append(updated, ctx.ReferencedResultSets...)
	updated = append(updated, entry)
	ctx.ReferencedResultSets = updated
	return Trim(ctx, MaxResultSets)
}

// GetLast returns the most recent result set, or false when there is none.
func GetLast(ctx Context) (ResultSetRef, bool) {
	if len(ctx.ReferencedResultSets) == 0 {
		return ResultSetRef{}, false
	}
	return ctx.ReferencedResultSets[len(ctx.ReferencedResultSets)-1], true
}

// Clear drops the result-set history while preserving filters, time range,
// and identity fields.
func Clear(ctx Context) Context {
	ctx.ReferencedResultSets = nil
	return ctx
}

// EstimateSize returns the serialized character count of the context. A
// monotonic size proxy for observability only, never for correctness.
func EstimateSize(ctx Context) int {
	raw, err := json.Marshal(ctx)
	if err != nil {
		return 0
	}
	return len(raw)
}

// HashEntity one-way hashes an entity reference for use in EntityHashes.
func HashEntity(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
