// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"time"
)

// Log errors.
var (
	ErrLogClosed       = errors.New("log is closed")
	ErrInvalidMagic    = errors.New("invalid magic number")
	ErrCRCMismatch     = errors.New("CRC mismatch")
	ErrCorruptedRecord = errors.New("corrupted record")
	ErrInvalidCount    = errors.New("max count must be at least 1")
)

// Magic number for log record framing (STRM in ASCII).
const recordMagic uint32 = 0x5354524D

// Current record format version.
const recordVersion uint8 = 1

// CompressionType selects the payload compression for file-backed logs.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota // No compression
	CompressionS2                          // S2 (Snappy-compatible, fastest) - default
	CompressionZstd                        // Zstd (best compression ratio)
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (CompressionType, error) {
	switch name {
	case "", "s2":
		return CompressionS2, nil
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, errors.New("unknown compression type: " + name)
	}
}

// Field is a single key/value pair of an entry. Fields preserve append
// order, so an entry behaves as an ordered mapping.
type Field struct {
	Key   string
	Value string
}

// Entry is one immutable record in the log, identified by a monotonically
// increasing ID. IDs start at 1; 0 means "before the first entry".
type Entry struct {
	ID     uint64
	Fields []Field
}

// Get returns the value for a field key and whether it is present.
func (e Entry) Get(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Fields builds a field slice from alternating key/value pairs.
// Panics on an odd number of arguments; intended for producers and tests.
func Fields(kv ...string) []Field {
	if len(kv)%2 != 0 {
		panic("stream.Fields: odd number of arguments")
	}
	fields := make([]Field, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		fields = append(fields, Field{Key: kv[i], Value: kv[i+1]})
	}
	return fields
}

// Log is the append-only durable log consumed by the processing engine.
// Entries are totally ordered by ID and immutable once appended.
type Log interface {
	// Append adds an entry and returns its assigned ID.
	Append(ctx context.Context, fields []Field) (uint64, error)

	// ReadAfter returns up to maxCount entries with ID strictly greater
	// than afterID. If no such entries exist it blocks up to the given
	// duration (zero means no blocking) and returns an empty slice on
	// timeout - never an error.
	ReadAfter(ctx context.Context, afterID uint64, maxCount int, block time.Duration) ([]Entry, error)

	// Head returns the highest assigned entry ID, or 0 if the log is empty.
	Head() uint64

	// Len returns the number of entries in the log.
	Len() uint64

	Close() error
}
