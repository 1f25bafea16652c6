// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// intent_cache_dump inspects the funnel's durable intent classification cache.
//
// The classification cache persists pattern and AI classification results in
// BadgerDB between service restarts. This tool opens the cache read-only and
// prints a human-readable summary per tier: keys, TTL remaining, and the
// decoded classification (intent, confidence, method, matched signals).
//
// Usage:
//
//	intent_cache_dump [--path /path/to/intent/cache]
//
// If --path is not given, reads INTENT_CACHE_DIR from the environment,
// falling back to ~/.queryfunnel/cache/intent/.
//
// Exit codes:
//
//	0 — success (including "empty cache" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/vantahealth/queryfunnel/services/funnel/intent"
)

func main() {
	pathFlag := flag.String("path", "", "Path to intent BadgerDB directory (overrides INTENT_CACHE_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("INTENT_CACHE_DIR")
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalf("cannot resolve home directory: %v", err)
		}
		dbPath = filepath.Join(home, ".queryfunnel", "cache", "intent")
	}

	fmt.Printf("Intent cache path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. The service has not yet persisted any classifications.")
		os.Exit(0)
	}

	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	total := 0
	for _, tier := range []intent.Tier{intent.TierPattern, intent.TierAI} {
		n, err := dumpTier(db, tier)
		if err != nil {
			fatalf("read BadgerDB: %v", err)
		}
		total += n
	}

	if total == 0 {
		fmt.Println("\nNo intent cache entries found.")
		fmt.Println("Entries appear once the service has classified at least one question.")
		os.Exit(0)
	}

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Printf("Summary: %d entr%s, cache path: %s\n", total, plural(total, "y", "ies"), dbPath)
}

// dumpTier prints every entry under one tier's key prefix and returns the
// entry count.
func dumpTier(db *dgbadger.DB, tier intent.Tier) (int, error) {
	prefix := intent.KeyPrefix(tier)
	count := 0

	err := db.View(func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			count++
			if count == 1 {
				fmt.Printf("\nTier %q:\n%s\n", tier, strings.Repeat("─", 80))
			}

			key := string(item.Key())
			fmt.Printf("\n[%d] Key:        %s\n", count, key)
			fmt.Printf("    Hash:       %s\n", strings.TrimPrefix(key, string(prefix)))
			printTTL(item.ExpiresAt())

			raw, err := item.ValueCopy(nil)
			if err != nil {
				fmt.Printf("    READ ERROR: %v\n", err)
				continue
			}
			fmt.Printf("    Raw size:   %d bytes\n", len(raw))

			var result intent.Result
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&result); err != nil {
				fmt.Printf("    DECODE ERROR: %v\n", err)
				continue
			}

			fmt.Printf("    Intent:     %s (confidence %.2f, method %s)\n",
				result.Intent, result.Confidence, result.Method)
			if len(result.MatchedPatterns) > 0 {
				fmt.Printf("    Signals:    %s\n", strings.Join(result.MatchedPatterns, ", "))
			}
			if result.Reasoning != "" {
				fmt.Printf("    Reasoning:  %s\n", result.Reasoning)
			}
		}
		return nil
	})
	return count, err
}

// printTTL renders an item's expiry. ExpiresAt returns Unix seconds, 0 means
// no expiry set.
func printTTL(expiresAt uint64) {
	if expiresAt == 0 {
		fmt.Printf("    TTL:        no expiry set\n")
		return
	}
	exp := time.Unix(int64(expiresAt), 0)
	remaining := time.Until(exp)
	if remaining < 0 {
		fmt.Printf("    TTL:        EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
		return
	}
	fmt.Printf("    TTL:        %s remaining (expires %s)\n",
		remaining.Round(time.Second), exp.Format("2006-01-02 15:04:05 MST"))
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "intent_cache_dump: "+format+"\n", args...)
	os.Exit(1)
}
