// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recorder

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// JournalConfig configures the badger-backed journal.
type JournalConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps the journal in memory. Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every batch.
	SyncWrites bool `yaml:"sync_writes"`

	// Logger receives badger's internal logs. Nil disables them.
	Logger *slog.Logger `yaml:"-"`
}

// badgerLogger adapts slog to badger.Logger.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// JournalSink appends records to a local badger database keyed by run,
// endpoint and timestamp, so a run can be replayed in tick order.
type JournalSink struct {
	db *badger.DB
}

// OpenJournal opens or creates the journal.
func OpenJournal(cfg JournalConfig) (*JournalSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required for a persistent journal")
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
	return &JournalSink{db: db}, nil
}

// runPrefix returns the key prefix of every record in a run.
func runPrefix(runID string) []byte {
	return []byte("run/" + runID + "/")
}

// recordKey orders records by endpoint then time, with sequence breaking
// ties between records in the same nanosecond.
func recordKey(r Record) []byte {
	key := append(runPrefix(r.RunID), r.Endpoint...)
	key = append(key, '/')
	key = binary.BigEndian.AppendUint64(key, uint64(r.Time.UnixNano()))
	return binary.BigEndian.AppendUint32(key, r.Sequence)
}

// Write implements Sink.
func (j *JournalSink) Write(_ context.Context, batch []Record) error {
	wb := j.db.NewWriteBatch()
	for _, r := range batch {
		val, err := json.Marshal(r)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("encode record: %w", err)
		}
		if err := wb.Set(recordKey(r), val); err != nil {
			wb.Cancel()
			return fmt.Errorf("journal write: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("journal flush: %w", err)
	}
	return nil
}

// Replay returns every record of a run, grouped by endpoint and ordered by
// time within each endpoint.
func (j *JournalSink) Replay(runID string) ([]Record, error) {
	prefix := runPrefix(runID)
	var out []Record
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay run %s: %w", runID, err)
	}
	return out, nil
}

// Close implements Sink.
func (j *JournalSink) Close() error {
	return j.db.Close()
}
