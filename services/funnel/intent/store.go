// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

// =============================================================================
// Durable Classification Store
// =============================================================================
//
// Warm classification results are cheap individually but add up: every cold
// start pays a model call per distinct question until the in-memory tiers
// refill. This store persists entries in BadgerDB between service restarts.
//
// Design choices:
//
//	1. BadgerDB: classification entries are service infrastructure, not user
//	   data. Embedded storage means no network call and no availability
//	   dependency on the lookup path.
//
//	2. BadgerDB native TTL: per-tier expiry is enforced by BadgerDB's GC,
//	   not by application code. Expired keys return ErrKeyNotFound, which
//	   the store treats as a cache miss.
//
// Storage layout:
//
//	intent/v1/{tier}/{sha256(normalizedQuestion|customerId)}
//	    →  gob-encoded Result
//	    TTL: the tier's TTL at write time

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/vantahealth/queryfunnel/services/funnel/storage/badger"
)

// storeKeyPrefix is versioned (v1) to allow future format changes without
// collision.
const storeKeyPrefix = "intent/v1/"

// errStoreMiss distinguishes "key not found" from a genuine storage error.
var errStoreMiss = errors.New("cache miss")

// Store persists classification results across service restarts.
//
// # Description
//
// Load returns (nil, nil) on cache miss (key absent or TTL expired) and
// (nil, error) on storage failure. Save failures are non-fatal to callers;
// the entry is simply recomputed next time.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, tier Tier, key string) (*Result, error)
	Save(ctx context.Context, tier Tier, key string, result Result, ttl time.Duration) error
}

// BadgerStore implements Store backed by a BadgerDB instance. The DB is
// opened by the caller (typically in main) and shared; this store does not
// own its lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-goroutine.
type BadgerStore struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewBadgerStore creates a BadgerStore.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil.
//   - logger: Logger for hit/miss diagnostics. May be nil.
func NewBadgerStore(db *badgerstore.DB, logger *slog.Logger) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

// Load retrieves a persisted classification result.
func (s *BadgerStore) Load(ctx context.Context, tier Tier, key string) (*Result, error) {
	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(storeKey(tier, key))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errStoreMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errStoreMiss) {
		s.logger.Debug("intent store: miss",
			slog.String("tier", string(tier)), slog.String("key", shortKey(key)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("intent store load: %w", err)
	}

	result, err := gobDecodeResult(raw)
	if err != nil {
		return nil, fmt.Errorf("intent store decode: %w", err)
	}

	s.logger.Debug("intent store: hit",
		slog.String("tier", string(tier)),
		slog.String("key", shortKey(key)),
		slog.String("intent", string(result.Intent)),
	)
	return result, nil
}

// Save persists a classification result with the tier's TTL.
func (s *BadgerStore) Save(ctx context.Context, tier Tier, key string, result Result, ttl time.Duration) error {
	raw, err := gobEncodeResult(result)
	if err != nil {
		return fmt.Errorf("intent store encode: %w", err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		entry := dgbadger.NewEntry(storeKey(tier, key), raw).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("intent store save: %w", err)
	}

	s.logger.Debug("intent store: saved",
		slog.String("tier", string(tier)),
		slog.String("key", shortKey(key)),
		slog.Duration("ttl", ttl),
	)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// KeyPrefix returns the full key prefix for a tier. Used by the cache dump
// tool to iterate one tier at a time.
func KeyPrefix(tier Tier) []byte {
	return []byte(storeKeyPrefix + string(tier) + "/")
}

func storeKey(tier Tier, key string) []byte {
	return append(KeyPrefix(tier), key...)
}

// shortKey returns the first 8 characters of a key hash for log display.
func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8] + "..."
	}
	return k
}

func gobEncodeResult(result Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(result); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecodeResult(data []byte) (*Result, error) {
	var result Result
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}
