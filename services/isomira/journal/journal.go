// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records isomira runs in an embedded BadgerDB store.
//
// # Key Layout
//
//	run:<id>:meta          RunRecord (JSON)
//	run:<id>:iter:<000042> IterationRecord (JSON)
//
// Iteration keys are zero padded so a prefix scan returns them in order.
//
// # Thread Safety
//
// Journal is safe for concurrent use; BadgerDB serializes transactions.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrRunNotFound is returned when a run ID has no meta record.
	ErrRunNotFound = errors.New("run not found")

	// ErrEmptyRunID is returned for records without a run ID.
	ErrEmptyRunID = errors.New("run ID must not be empty")
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeDone      Outcome = "done"
	OutcomeHalted    Outcome = "halted"
	OutcomeCancelled Outcome = "cancelled"
)

// RunRecord describes one invocation of the loop.
type RunRecord struct {
	ID             string    `json:"id"`
	Project        string    `json:"project"`
	Framework      string    `json:"framework"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Iterations     int       `json:"iterations"`
	PlanGeneration int       `json:"plan_generation"`
}

// IterationRecord is written once per TEST phase.
type IterationRecord struct {
	RunID          string    `json:"run_id"`
	Iteration      int       `json:"iteration"`
	PlanGeneration int       `json:"plan_generation"`
	Passed         bool      `json:"passed"`
	Pattern        string    `json:"pattern"`
	Failing        []string  `json:"failing,omitempty"`
	Effective      int       `json:"effective_stuck"`
	Tier           string    `json:"tier,omitempty"`
	Files          []string  `json:"files,omitempty"`
	Events         []string  `json:"events,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Config configures the underlying store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Used by tests.
	InMemory bool

	// SyncWrites enables synchronous writes.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before GC rewrites.
	GCDiscardRatio float64
}

// DefaultConfig returns the persistent configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration suitable for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Journal is the run journal.
type Journal struct {
	db *badger.DB
	gc *gcRunner
}

// Open opens (or creates) a journal.
//
// Description:
//
//	Opens BadgerDB with the given configuration and starts the value log
//	GC loop for persistent stores.
//
// Outputs:
//
//	*Journal - The journal. Caller must call Close.
//	error - Non-nil if the path is missing or the store cannot be opened.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		j.gc = startGC(db, cfg.GCInterval, ratio, cfg.Logger)
	}
	return j, nil
}

// Close stops GC and closes the store.
func (j *Journal) Close() error {
	if j.gc != nil {
		j.gc.stop()
	}
	return j.db.Close()
}

func metaKey(runID string) []byte {
	return []byte("run:" + runID + ":meta")
}

func iterPrefix(runID string) []byte {
	return []byte("run:" + runID + ":iter:")
}

func iterKey(runID string, iteration int) []byte {
	return []byte(fmt.Sprintf("run:%s:iter:%06d", runID, iteration))
}

// StartRun writes the initial meta record with OutcomeRunning.
func (j *Journal) StartRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		return ErrEmptyRunID
	}
	if run.Outcome == "" {
		run.Outcome = OutcomeRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return j.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, metaKey(run.ID), run)
	})
}

// RecordIteration stores one iteration record.
func (j *Journal) RecordIteration(ctx context.Context, rec IterationRecord) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return j.update(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, iterKey(rec.RunID, rec.Iteration), rec)
	})
}

// FinishRun updates the meta record with the terminal outcome.
//
// Outputs:
//
//	error - ErrRunNotFound if StartRun was never called for runID.
func (j *Journal) FinishRun(ctx context.Context, runID string, outcome Outcome, reason string, iterations, generation int) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	return j.update(ctx, func(txn *badger.Txn) error {
		var run RunRecord
		if err := getJSON(txn, metaKey(runID), &run); err != nil {
			return err
		}
		run.Outcome = outcome
		run.Reason = reason
		run.Iterations = iterations
		run.PlanGeneration = generation
		run.FinishedAt = time.Now().UTC()
		return putJSON(txn, metaKey(runID), run)
	})
}

// Run returns the meta record of one run.
func (j *Journal) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var run RunRecord
	err := j.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, metaKey(runID), &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs lists all runs, most recent first.
func (j *Journal) Runs(ctx context.Context) ([]RunRecord, error) {
	var runs []RunRecord
	err := j.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("run:"), PrefetchValues: true, PrefetchSize: 50})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasSuffix(string(item.Key()), ":meta") {
				continue
			}
			var run RunRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].StartedAt.After(runs[b].StartedAt) })
	return runs, nil
}

// Iterations returns the iteration records of one run in iteration order.
func (j *Journal) Iterations(ctx context.Context, runID string) ([]IterationRecord, error) {
	if _, err := j.Run(ctx, runID); err != nil {
		return nil, err
	}
	var records []IterationRecord
	err := j.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: iterPrefix(runID), PrefetchValues: true, PrefetchSize: 50})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec IterationRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

func (j *Journal) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := j.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

func (j *Journal) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := j.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
