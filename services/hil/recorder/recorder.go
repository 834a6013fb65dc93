// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recorder exports per-tick session snapshots to external stores.
//
// Sessions hand records to an Async recorder, which never blocks the tick:
// records are queued on a bounded channel and written in batches by a
// background goroutine. When the queue is full the record is dropped and
// counted. Sinks are provided for InfluxDB, a local badger journal, and
// memory.
package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed indicates the recorder has been closed.
var ErrClosed = errors.New("recorder closed")

// Record is one timestamped tick snapshot.
type Record struct {
	RunID    string     `json:"run_id"`
	Endpoint string     `json:"endpoint"`
	Time     time.Time  `json:"time"`
	Sequence uint32     `json:"sequence"`
	Command  float64    `json:"command"`
	State    [6]float64 `json:"state"`
	Fresh    bool       `json:"fresh"`
}

// Sink persists batches of records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

// -----------------------------------------------------------------------------
// Memory Sink
// -----------------------------------------------------------------------------

// MemorySink keeps every record in memory. Intended for tests and the
// loopback command's summary.
//
// Thread Safety: Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, batch []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, batch...)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything written.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// -----------------------------------------------------------------------------
// Async Recorder
// -----------------------------------------------------------------------------

// AsyncOption configures an Async recorder.
type AsyncOption func(*Async)

// WithQueueSize sets the bounded queue length. Default: 4096.
func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithBatchSize sets the maximum records per sink write. Default: 256.
func WithBatchSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed. Default: 1s.
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.flushEvery = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) AsyncOption {
	return func(a *Async) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Async decouples the tick loop from sink latency.
//
// Thread Safety: Safe for concurrent use.
type Async struct {
	sink       Sink
	logger     *slog.Logger
	queueSize  int
	batchSize  int
	flushEvery time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Record
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewAsync starts a background writer for sink.
func NewAsync(sink Sink, opts ...AsyncOption) *Async {
	a := &Async{
		sink:       sink,
		logger:     slog.Default(),
		queueSize:  4096,
		batchSize:  256,
		flushEvery: time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.queue = make(chan Record, a.queueSize)
	go a.loop()
	return a
}

// Record enqueues r without blocking.
//
// Outputs:
//   - bool: False if the record was dropped because the queue is full or
//     the recorder is closed.
func (a *Async) Record(r Record) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.queue <- r:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

func (a *Async) loop() {
	defer close(a.done)

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	batch := make([]Record, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.sink.Write(context.Background(), batch); err != nil {
			a.failed.Add(uint64(len(batch)))
			a.logger.Warn("recorder sink write failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		} else {
			a.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-a.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= a.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close drains the queue, flushes, and closes the sink.
//
// Outputs:
//   - error: ctx.Err() if draining did not finish in time, otherwise the
//     sink's Close error.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return a.sink.Close()
}

// Stats reports delivery counters.
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

// Stats returns delivery counters.
func (a *Async) Stats() Stats {
	return Stats{
		Written: a.written.Load(),
		Dropped: a.dropped.Load(),
		Failed:  a.failed.Load(),
	}
}

// -----------------------------------------------------------------------------
// Fan-out
// -----------------------------------------------------------------------------

// Multi writes each batch to every sink and joins their errors.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, batch []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
