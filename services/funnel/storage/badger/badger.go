// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance behind small transaction helpers.
//
// The wrapper exists so callers (the durable intent cache, the cache dump
// tool) never touch badger.Options directly and always get the same defaults:
// no internal Badger logging, value-log GC on close, and context checks
// before each transaction.
//
// Thread Safety: DB is safe for concurrent use after OpenDB returns.
package badger

import (
	"context"
	"fmt"
	"log/slog"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// Config holds the knobs for opening a BadgerDB instance.
type Config struct {
	// Path is the directory for the database files. Must not be empty.
	Path string

	// ReadOnly opens the database without write access. Used by
	// inspection tooling against a live cache directory.
	ReadOnly bool

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
}

// DefaultConfig returns a Config with production defaults. The caller must
// set Path before passing it to OpenDB (unless InMemory is set).
func DefaultConfig() Config {
	return Config{}
}

// DB wraps a BadgerDB handle with context-aware transaction helpers.
type DB struct {
	inner  *dgbadger.DB
	logger *slog.Logger
}

// OpenDB opens (or creates) a BadgerDB instance at cfg.Path.
//
// Description:
//
//	Badger's own logger is suppressed; lifecycle events are reported through
//	slog instead. The returned DB is owned by the caller and must be closed
//	at shutdown.
//
// Inputs:
//   - cfg: Open configuration. Path required unless InMemory is set.
//
// Outputs:
//   - *DB: Opened database wrapper.
//   - error: Non-nil if the directory cannot be opened.
func OpenDB(cfg Config) (*DB, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: config.Path must not be empty")
	}

	opts := dgbadger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithReadOnly(cfg.ReadOnly).
		WithInMemory(cfg.InMemory)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	inner, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", cfg.Path, err)
	}

	return &DB{inner: inner, logger: slog.Default()}, nil
}

// WithTxn runs fn inside a read-write transaction.
func (db *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (db *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.inner.View(fn)
}

// Close flushes and closes the underlying database.
func (db *DB) Close() error {
	if err := db.inner.Close(); err != nil {
		return fmt.Errorf("badger: close: %w", err)
	}
	return nil
}
