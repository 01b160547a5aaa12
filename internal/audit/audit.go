// Package audit records every policy decision and every proxied request.
// The Entry schema is fixed and excludes header and credential fields by
// construction — a future logging change cannot reintroduce secret
// leakage because there is no field to put a secret in.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Source identifies which gateway surface produced an entry.
type Source string

const (
	SourceControlAPI Source = "control_api"
	SourceProxy      Source = "proxy"
	SourceAuth       Source = "auth"
	SourceLifecycle  Source = "lifecycle"
)

// Entry is one audit record. Exactly one Entry is written per policy
// decision and per completed proxied request.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Source        Source    `json:"source"`
	SessionID     string    `json:"session_id,omitempty"`
	Operation     string    `json:"operation"`
	Repo          string    `json:"repo,omitempty"` // owner/name when the operation targets a repository.
	Allowed       bool      `json:"allowed"`
	Reason        string    `json:"reason,omitempty"` // Denial reason or upstream status.
	LatencyMS     int64     `json:"latency_ms,omitempty"`
}

// Store is an append-only persistence backend for audit entries.
// No update or delete methods — immutability enforced at the interface level.
type Store interface {
	// Append writes a single entry. Never updates or deletes.
	Append(ctx context.Context, e Entry) error
	// Recent returns the most recent entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Logger writes entries as append-only JSONL, mirrors them to an optional
// Store, and fans them out to live subscribers. Thread-safe.
type Logger struct {
	mu   sync.Mutex
	file *os.File

	store  Store // nil = file-only
	logger *slog.Logger

	subMu   sync.Mutex
	subs    map[int]chan Entry
	nextSub int

	// Optional metrics hook invoked per sink write; nil-safe.
	onWrite func(sink, status string)
}

// NewLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewLogger(path string, store Store, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{
		file:   f,
		store:  store,
		logger: logger,
		subs:   make(map[int]chan Entry),
	}, nil
}

// WithWriteHook installs a callback invoked once per sink write with the
// sink name ("file" or "store") and outcome ("ok" or "error").
func (l *Logger) WithWriteHook(hook func(sink, status string)) *Logger {
	l.onWrite = hook
	return l
}

// Record serializes the entry as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
// Store and subscriber delivery failures are logged, never fatal: a slow
// database must not block a security decision from being recorded on disk.
func (l *Logger) Record(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, writeErr := l.file.Write(data)
	l.mu.Unlock()
	if writeErr != nil {
		l.reportWrite("file", "error")
		return fmt.Errorf("writing audit entry: %w", writeErr)
	}
	l.reportWrite("file", "ok")

	if l.store != nil {
		if err := l.store.Append(ctx, e); err != nil {
			l.reportWrite("store", "error")
			l.logger.Error("audit store append failed",
				slog.String("correlation_id", e.CorrelationID),
				slog.String("error", err.Error()),
			)
		} else {
			l.reportWrite("store", "ok")
		}
	}

	l.subMu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default: // Slow subscriber: drop rather than block the request path.
		}
	}
	l.subMu.Unlock()

	l.logger.InfoContext(ctx, "audit entry recorded",
		slog.String("operation", e.Operation),
		slog.String("source", string(e.Source)),
		slog.Bool("allowed", e.Allowed),
		slog.String("correlation_id", e.CorrelationID),
	)
	return nil
}

// Subscribe registers a live entry stream. The returned cancel function
// must be called to release the subscription.
func (l *Logger) Subscribe() (<-chan Entry, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, 64)
	l.subs[id] = ch

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Recent returns persisted entries when a store is configured.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l.store == nil {
		return nil, fmt.Errorf("audit store not configured")
	}
	return l.store.Recent(ctx, limit)
}

func (l *Logger) reportWrite(sink, status string) {
	if l.onWrite != nil {
		l.onWrite(sink, status)
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
