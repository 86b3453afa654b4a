// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const logFileName = "stream.log"

// FileConfig holds file-backed log configuration.
type FileConfig struct {
	Compression   CompressionType
	FsyncInterval time.Duration // 0 disables background fsync
	MaxEntryBytes int           // Reject entries encoding larger than this
}

// DefaultFileConfig returns default file log configuration.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Compression:   CompressionS2,
		FsyncInterval: 1 * time.Second,
		MaxEntryBytes: 1 << 20, // 1MB
	}
}

// recordPosition locates one record inside the log file.
type recordPosition struct {
	id   uint64
	pos  int64
	size int
}

// FileLog is an append-only, file-backed Log. Records are framed with a
// CRC-checked header; a torn write at the tail is truncated on open.
type FileLog struct {
	mu     sync.RWMutex
	dir    string
	file   *os.File
	config FileConfig
	logger *slog.Logger

	positions []recordPosition
	size      int64
	nextID    uint64

	notify chan struct{}
	dirty  bool
	closed bool

	syncStop chan struct{}
	syncDone chan struct{}
}

var _ Log = (*FileLog)(nil)

// OpenFileLog opens or creates a file-backed log in dir.
func OpenFileLog(dir string, config FileConfig, logger *slog.Logger) (*FileLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &FileLog{
		dir:      dir,
		file:     file,
		config:   config,
		logger:   logger,
		nextID:   1,
		notify:   make(chan struct{}),
		syncStop: make(chan struct{}),
		syncDone: make(chan struct{}),
	}

	if err := l.scan(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to recover log: %w", err)
	}

	if config.FsyncInterval > 0 {
		go l.syncLoop()
	} else {
		close(l.syncDone)
	}

	return l, nil
}

// scan walks the file, indexing records and truncating a corrupted tail.
func (l *FileLog) scan() error {
	info, err := l.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	data := make([]byte, info.Size())
	if _, err := l.file.ReadAt(data, 0); err != nil {
		return err
	}

	var pos int64
	for pos < info.Size() {
		entry, size, err := decodeRecord(data[pos:])
		if err != nil {
			// Torn or corrupted tail: keep everything before it.
			l.logger.Warn("truncating corrupted log tail",
				slog.Int64("position", pos),
				slog.String("error", err.Error()))
			if err := l.file.Truncate(pos); err != nil {
				return fmt.Errorf("failed to truncate corrupted tail: %w", err)
			}
			break
		}

		l.positions = append(l.positions, recordPosition{id: entry.ID, pos: pos, size: size})
		l.nextID = entry.ID + 1
		pos += int64(size)
	}

	l.size = pos
	return nil
}

// Append encodes the entry, writes it at the tail and wakes blocked readers.
func (l *FileLog) Append(ctx context.Context, fields []Field) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	id := l.nextID
	data, err := encodeRecord(Entry{ID: id, Fields: fields}, time.Now().UnixMilli(), l.config.Compression)
	if err != nil {
		return 0, err
	}
	if l.config.MaxEntryBytes > 0 && len(data) > l.config.MaxEntryBytes {
		return 0, fmt.Errorf("entry of %d bytes exceeds limit of %d", len(data), l.config.MaxEntryBytes)
	}

	if _, err := l.file.WriteAt(data, l.size); err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}

	l.positions = append(l.positions, recordPosition{id: id, pos: l.size, size: len(data)})
	l.size += int64(len(data))
	l.nextID = id + 1
	l.dirty = true

	close(l.notify)
	l.notify = make(chan struct{})

	return id, nil
}

// ReadAfter returns up to maxCount entries with ID > afterID, blocking up
// to the given duration when none are available.
func (l *FileLog) ReadAfter(ctx context.Context, afterID uint64, maxCount int, block time.Duration) ([]Entry, error) {
	if maxCount < 1 {
		return nil, ErrInvalidCount
	}

	deadline := time.Now().Add(block)
	for {
		entries, notify, err := l.read(afterID, maxCount)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (l *FileLog) read(afterID uint64, maxCount int) ([]Entry, chan struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, nil, ErrLogClosed
	}

	// First index with id > afterID
	idx := sort.Search(len(l.positions), func(i int) bool {
		return l.positions[i].id > afterID
	})
	if idx >= len(l.positions) {
		return nil, l.notify, nil
	}

	end := idx + maxCount
	if end > len(l.positions) {
		end = len(l.positions)
	}

	entries := make([]Entry, 0, end-idx)
	for _, rp := range l.positions[idx:end] {
		buf := make([]byte, rp.size)
		if _, err := l.file.ReadAt(buf, rp.pos); err != nil {
			return nil, nil, fmt.Errorf("failed to read record %d: %w", rp.id, err)
		}
		entry, _, err := decodeRecord(buf)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode record %d: %w", rp.id, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil, nil
}

// Head returns the highest assigned entry ID.
func (l *FileLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID - 1
}

// Len returns the number of entries in the log.
func (l *FileLog) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.positions))
}

// Sync flushes buffered writes to disk.
func (l *FileLog) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if !l.dirty {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func (l *FileLog) syncLoop() {
	defer close(l.syncDone)

	ticker := time.NewTicker(l.config.FsyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.syncStop:
			return
		case <-ticker.C:
			if err := l.Sync(); err != nil && err != ErrLogClosed {
				l.logger.Error("log fsync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close flushes and closes the log; blocked readers are released.
func (l *FileLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.notify)
	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.mu.Unlock()

	close(l.syncStop)
	<-l.syncDone

	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
