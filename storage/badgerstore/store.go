// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore implements the storage.TaskStore contract on
// BadgerDB: an embedded, transactional key-value store with low-latency
// access.
//
// Keys are `task/<path>`, values JSON-encoded tasks. Key order is
// lexicographic by path, which gives pattern queries a stable iteration
// order. One read-write transaction may be active per store handle at a
// time; concurrent BeginTransaction callers queue, which is what
// serializes the engine's bulk operations (staged state never
// interleaves). BeginTransaction returns a context identifying the owner;
// reads carrying it observe the staged writes, while every other reader
// goes through a snapshot view of committed state only.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/atlasforge/taskengine/storage"
	"github.com/atlasforge/taskengine/task"
)

const taskPrefix = "task/"

// Config holds configuration for a badger-backed task store.
type Config struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives store logs. If nil, badger's internal logging is
	// disabled and store logs go to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults for a persistent store.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: in-memory, no sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
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

// Store is the badger-backed TaskStore.
//
// Thread Safety: safe for concurrent use. Transactions serialize through
// an internal mutex held from BeginTransaction to Commit/Rollback.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// txMu serializes whole transactions across callers.
	txMu sync.Mutex

	// mu guards txn and owner.
	mu    sync.Mutex
	txn   *badger.Txn
	owner *txToken
}

// txToken identifies the owner of the active transaction. Its address is
// the identity; the context returned by BeginTransaction carries it. The
// padding field keeps the type non-zero-sized so each allocation has a
// distinct address (zero-size allocations may share one).
type txToken struct{ _ byte }

type txTokenKey struct{}

// compile-time contract check
var _ storage.TaskStore = (*Store)(nil)

// Open creates and opens a badger-backed task store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badgerstore.Store")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func taskKey(path string) []byte {
	return []byte(taskPrefix + path)
}

func encodeTask(t *task.Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.Path, err)
	}
	return data, nil
}

func decodeTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// activeTxn returns the staged transaction when ctx belongs to its
// owner, or nil. Readers without the owner token see committed state
// only, never another caller's staged writes.
func (s *Store) activeTxn(ctx context.Context) *badger.Txn {
	tok, _ := ctx.Value(txTokenKey{}).(*txToken)
	if tok == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != tok {
		return nil
	}
	return s.txn
}

// GetTask returns the task at path, or nil if absent. Staged writes are
// visible only to the transaction owner's context.
func (s *Store) GetTask(ctx context.Context, path string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	read := func(txn *badger.Txn) (*task.Task, error) {
		item, err := txn.Get(taskKey(path))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var t *task.Task
		err = item.Value(func(val []byte) error {
			t, err = decodeTask(val)
			return err
		})
		return t, err
	}

	if txn := s.activeTxn(ctx); txn != nil {
		return read(txn)
	}

	var t *task.Task
	err := s.db.View(func(txn *badger.Txn) error {
		var innerErr error
		t, innerErr = read(txn)
		return innerErr
	})
	return t, err
}

// GetTasksByPattern returns tasks whose path matches the glob, in key
// order, honoring limit/offset.
func (s *Store) GetTasksByPattern(ctx context.Context, pattern string, limit, offset int) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := task.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	scan := func(txn *badger.Txn) ([]*task.Task, error) {
		out := make([]*task.Task, 0)
		skipped := 0

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(taskPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			path := strings.TrimPrefix(string(it.Item().Key()), taskPrefix)
			if !p.Match(path) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			var t *task.Task
			err := it.Item().Value(func(val []byte) error {
				var innerErr error
				t, innerErr = decodeTask(val)
				return innerErr
			})
			if err != nil {
				return nil, err
			}
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return out, nil
	}

	if txn := s.activeTxn(ctx); txn != nil {
		return scan(txn)
	}

	var out []*task.Task
	err = s.db.View(func(txn *badger.Txn) error {
		var innerErr error
		out, innerErr = scan(txn)
		return innerErr
	})
	return out, err
}

// PutTask inserts or replaces a task. Inside an active transaction the
// write is staged until commit.
func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeTask(t)
	if err != nil {
		return err
	}

	if txn := s.activeTxn(ctx); txn != nil {
		return txn.Set(taskKey(t.Path), data)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(taskKey(t.Path), data)
	})
}

// DeleteTask removes the task at path. Deleting an absent path succeeds.
func (s *Store) DeleteTask(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if txn := s.activeTxn(ctx); txn != nil {
		return txn.Delete(taskKey(path))
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(path))
	})
}

// ClearAllTasks removes every task.
func (s *Store) ClearAllTasks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	clear := func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		prefix := []byte(taskPrefix)
		keys := make([][]byte, 0)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}

	if txn := s.activeTxn(ctx); txn != nil {
		return clear(txn)
	}
	return s.db.Update(clear)
}

// BeginTransaction opens a read-write transaction on this handle and
// returns a context identifying the caller as its owner. Concurrent
// callers queue until the active transaction resolves. A caller whose
// context already owns the active transaction gets
// storage.ErrTransactionActive instead of deadlocking on the queue.
func (s *Store) BeginTransaction(ctx context.Context) (context.Context, error) {
	if err := ctx.Err(); err != nil {
		return ctx, err
	}
	if s.activeTxn(ctx) != nil {
		return ctx, storage.ErrTransactionActive
	}

	s.txMu.Lock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn != nil {
		// Same handle, nested begin. The queue mutex is re-released so
		// the active transaction can still resolve.
		s.txMu.Unlock()
		return ctx, storage.ErrTransactionActive
	}
	s.txn = s.db.NewTransaction(true)
	s.owner = &txToken{}
	return context.WithValue(ctx, txTokenKey{}, s.owner), nil
}

// CommitTransaction commits the staged writes.
func (s *Store) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	txn := s.txn
	s.txn = nil
	s.owner = nil
	s.mu.Unlock()

	if txn == nil {
		return storage.ErrNoTransaction
	}
	defer s.txMu.Unlock()

	if err := txn.Commit(); err != nil {
		txn.Discard()
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction discards the staged writes.
func (s *Store) RollbackTransaction(ctx context.Context) error {
	s.mu.Lock()
	txn := s.txn
	s.txn = nil
	s.owner = nil
	s.mu.Unlock()

	if txn == nil {
		return storage.ErrNoTransaction
	}
	defer s.txMu.Unlock()

	txn.Discard()
	return nil
}

// Vacuum runs value-log garbage collection. Advisory: a run that finds
// nothing to rewrite is success.
func (s *Store) Vacuum(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	if errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return fmt.Errorf("value log GC: %w", err)
}

// Analyze flattens the LSM tree into fewer levels. Advisory.
func (s *Store) Analyze(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Flatten(2); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	return nil
}

// Checkpoint forces a sync to disk. No-op for in-memory stores.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.Opts().InMemory {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// RepairRelationships re-establishes the parentPath/subtasks inverses:
// dangling parent references are cleared, dangling subtask entries
// dropped, and missing subtask entries added. With dryRun only the report
// is produced.
func (s *Store) RepairRelationships(ctx context.Context, dryRun bool) (*storage.RepairResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	all, err := s.GetTasksByPattern(ctx, "*", 0, 0)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*task.Task, len(all))
	for _, t := range all {
		byPath[t.Path] = t
	}

	result := &storage.RepairResult{Issues: []string{}}
	dirty := make(map[string]*task.Task)

	touch := func(t *task.Task) {
		dirty[t.Path] = t
	}

	for _, t := range all {
		// Dangling parent reference.
		if t.ParentPath != "" {
			if _, ok := byPath[t.ParentPath]; !ok {
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s: parent %s does not exist", t.Path, t.ParentPath))
				t.ParentPath = ""
				touch(t)
				result.Fixed++
			}
		}

		// Dangling subtask entries.
		kept := t.Subtasks[:0]
		for _, sub := range t.Subtasks {
			child, ok := byPath[sub]
			if !ok {
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s: subtask %s does not exist", t.Path, sub))
				result.Fixed++
				touch(t)
				continue
			}
			if child.ParentPath != t.Path {
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s: subtask %s has parentPath %q", t.Path, sub, child.ParentPath))
				child.ParentPath = t.Path
				touch(child)
				result.Fixed++
			}
			kept = append(kept, sub)
		}
		if len(kept) != len(t.Subtasks) {
			t.Subtasks = kept
		}
	}

	// Missing subtask entries on the parent side.
	for _, t := range all {
		if t.ParentPath == "" {
			continue
		}
		parent, ok := byPath[t.ParentPath]
		if !ok {
			continue
		}
		has := false
		for _, sub := range parent.Subtasks {
			if sub == t.Path {
				has = true
				break
			}
		}
		if !has {
			result.Issues = append(result.Issues,
				fmt.Sprintf("%s: missing subtask entry for %s", parent.Path, t.Path))
			parent.Subtasks = append(parent.Subtasks, t.Path)
			touch(parent)
			result.Fixed++
		}
	}

	if dryRun || len(dirty) == 0 {
		return result, nil
	}

	// Deterministic write order.
	paths := make([]string, 0, len(dirty))
	for p := range dirty {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, p := range paths {
			data, err := encodeTask(dirty[p])
			if err != nil {
				return err
			}
			if err := txn.Set(taskKey(p), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repair write: %w", err)
	}

	s.logger.Info("relationship repair applied",
		slog.Int("fixed", result.Fixed),
		slog.Int("issues", len(result.Issues)),
	)

	return result, nil
}

// Close discards any active transaction and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	txn := s.txn
	s.txn = nil
	s.owner = nil
	s.mu.Unlock()

	if txn != nil {
		txn.Discard()
		s.txMu.Unlock()
	}
	return s.db.Close()
}
