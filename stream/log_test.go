// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLog(t *testing.T) (*FileLog, string) {
	t.Helper()

	dir := t.TempDir()
	config := DefaultFileConfig()
	config.FsyncInterval = 0 // No background goroutine in tests

	l, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l, dir
}

func TestMemoryLog_AppendAssignsMonotonicIDs(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	for i := 1; i <= 5; i++ {
		id, err := l.Append(ctx, Fields("type", "click"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}

	assert.Equal(t, uint64(5), l.Head())
	assert.Equal(t, uint64(5), l.Len())
}

func TestMemoryLog_ReadAfter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, Fields("n", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}

	// Read from the start
	entries, err := l.ReadAfter(ctx, 0, 3, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(1), entries[0].ID)
	assert.Equal(t, uint64(3), entries[2].ID)

	// Read from the middle
	entries, err = l.ReadAfter(ctx, 7, 100, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(8), entries[0].ID)
	assert.Equal(t, uint64(10), entries[2].ID)

	// Nothing past the head
	entries, err = l.ReadAfter(ctx, 10, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryLog_ReadAfterInvalidCount(t *testing.T) {
	l := NewMemoryLog()
	defer l.Close()

	_, err := l.ReadAfter(context.Background(), 0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestMemoryLog_BlockingReadWokenByAppend(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	defer l.Close()

	done := make(chan []Entry, 1)
	go func() {
		entries, err := l.ReadAfter(ctx, 0, 10, 5*time.Second)
		assert.NoError(t, err)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := l.Append(ctx, Fields("type", "view"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, uint64(1), entries[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken by append")
	}
}

func TestMemoryLog_BlockingReadTimesOut(t *testing.T) {
	l := NewMemoryLog()
	defer l.Close()

	start := time.Now()
	entries, err := l.ReadAfter(context.Background(), 0, 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestMemoryLog_BlockingReadCancelled(t *testing.T) {
	l := NewMemoryLog()
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := l.ReadAfter(ctx, 0, 10, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLog_ClosedLogRejectsOperations(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog()
	require.NoError(t, l.Close())

	_, err := l.Append(ctx, Fields("a", "b"))
	assert.ErrorIs(t, err, ErrLogClosed)

	_, err = l.ReadAfter(ctx, 0, 1, 0)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestFileLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestFileLog(t)

	id, err := l.Append(ctx, Fields("type", "purchase", "value", "42.5"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	entries, err := l.ReadAfter(ctx, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	v, ok := entries[0].Get("value")
	assert.True(t, ok)
	assert.Equal(t, "42.5", v)

	// Field order is preserved
	assert.Equal(t, "type", entries[0].Fields[0].Key)
	assert.Equal(t, "value", entries[0].Fields[1].Key)
}

func TestFileLog_ReopenRecoversEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DefaultFileConfig()
	config.FsyncInterval = 0

	l, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := l.Append(ctx, Fields("n", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)
	defer l2.Close()

	assert.Equal(t, uint64(20), l2.Head())
	assert.Equal(t, uint64(20), l2.Len())

	// Next append continues the sequence
	id, err := l2.Append(ctx, Fields("n", "20"))
	require.NoError(t, err)
	assert.Equal(t, uint64(21), id)

	entries, err := l2.ReadAfter(ctx, 18, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(19), entries[0].ID)
}

func TestFileLog_TruncatesCorruptedTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DefaultFileConfig()
	config.FsyncInterval = 0

	l, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Fields("n", fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Simulate a torn write at the tail
	path := filepath.Join(dir, logFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)
	defer l2.Close()

	// Garbage tail is discarded, intact records survive
	assert.Equal(t, uint64(3), l2.Len())

	id, err := l2.Append(ctx, Fields("n", "3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestFileLog_CompressionRoundtrip(t *testing.T) {
	ctx := context.Background()

	for _, comp := range []CompressionType{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			dir := t.TempDir()
			config := DefaultFileConfig()
			config.FsyncInterval = 0
			config.Compression = comp

			l, err := OpenFileLog(dir, config, nil)
			require.NoError(t, err)
			defer l.Close()

			// Large, repetitive payload so compression kicks in
			payload := strings.Repeat("clickclickclick", 100)
			_, err = l.Append(ctx, Fields("type", "click", "blob", payload))
			require.NoError(t, err)

			entries, err := l.ReadAfter(ctx, 0, 1, 0)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			v, ok := entries[0].Get("blob")
			assert.True(t, ok)
			assert.Equal(t, payload, v)
		})
	}
}

func TestFileLog_RejectsOversizedEntry(t *testing.T) {
	dir := t.TempDir()
	config := DefaultFileConfig()
	config.FsyncInterval = 0
	config.Compression = CompressionNone
	config.MaxEntryBytes = 64

	l, err := OpenFileLog(dir, config, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(context.Background(), Fields("blob", strings.Repeat("x", 1024)))
	assert.Error(t, err)
	assert.Equal(t, uint64(0), l.Len())
}

func TestFileLog_BlockingReadWokenByAppend(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestFileLog(t)

	done := make(chan []Entry, 1)
	go func() {
		entries, err := l.ReadAfter(ctx, 0, 10, 5*time.Second)
		assert.NoError(t, err)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := l.Append(ctx, Fields("type", "signup"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked reader was not woken by append")
	}
}

func TestEncodeDecodeRecord(t *testing.T) {
	e := Entry{ID: 7, Fields: Fields("type", "view", "user_id", "u-1")}

	data, err := encodeRecord(e, time.Now().UnixMilli(), CompressionNone)
	require.NoError(t, err)

	decoded, n, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Fields, decoded.Fields)
}

func TestDecodeRecord_RejectsCorruption(t *testing.T) {
	e := Entry{ID: 1, Fields: Fields("type", "click")}
	data, err := encodeRecord(e, time.Now().UnixMilli(), CompressionNone)
	require.NoError(t, err)

	// Flip a payload byte: CRC must catch it
	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, _, err = decodeRecord(corrupted)
	assert.ErrorIs(t, err, ErrCRCMismatch)

	// Bad magic
	corrupted = make([]byte, len(data))
	copy(corrupted, data)
	corrupted[0] = 0x00
	_, _, err = decodeRecord(corrupted)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	// Short buffer
	_, _, err = decodeRecord(data[:10])
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionS2, c)

	c, err = ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("lz77")
	assert.Error(t, err)
}
