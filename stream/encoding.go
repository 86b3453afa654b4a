// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Record header layout:
// Magic(4) + CRC(4) + ID(8) + Timestamp(8) + PayloadLen(4) + Version(1) +
// Compression(1) + Reserved(2) = 32 bytes.
// The CRC covers everything after the CRC field, including the payload.
const recordHeaderSize = 32

// CRC32 table for the Castagnoli polynomial (same as used by Kafka).
var crcTable = crc32.MakeTable(crc32.Castagnoli)

func checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// encodeRecord serializes an entry as a framed log record.
func encodeRecord(e Entry, ts int64, compression CompressionType) ([]byte, error) {
	payload := encodeFields(e.Fields)

	comp := CompressionNone
	if compression != CompressionNone && len(payload) > 128 {
		compressed, err := compress(payload, compression)
		if err != nil {
			return nil, fmt.Errorf("compression failed: %w", err)
		}
		// Only use compression if it actually reduces size
		if len(compressed) < len(payload) {
			payload = compressed
			comp = compression
		}
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	// CRC at [4:8] written last
	binary.LittleEndian.PutUint64(buf[8:16], e.ID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(ts))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(payload)))
	buf[28] = recordVersion
	buf[29] = uint8(comp)
	// [30:32] reserved
	copy(buf[recordHeaderSize:], payload)

	binary.LittleEndian.PutUint32(buf[4:8], checksum(buf[8:]))
	return buf, nil
}

// decodeRecord deserializes a framed record, returning the entry and the
// total number of bytes consumed.
func decodeRecord(data []byte) (Entry, int, error) {
	if len(data) < recordHeaderSize {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}

	if binary.LittleEndian.Uint32(data[0:4]) != recordMagic {
		return Entry{}, 0, ErrInvalidMagic
	}

	payloadLen := int(binary.LittleEndian.Uint32(data[24:28]))
	total := recordHeaderSize + payloadLen
	if len(data) < total {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}

	storedCRC := binary.LittleEndian.Uint32(data[4:8])
	if storedCRC != checksum(data[8:total]) {
		return Entry{}, 0, ErrCRCMismatch
	}

	version := data[28]
	if version > recordVersion {
		return Entry{}, 0, fmt.Errorf("unsupported record version: %d", version)
	}

	payload := data[recordHeaderSize:total]
	if comp := CompressionType(data[29]); comp != CompressionNone {
		decompressed, err := decompress(payload, comp)
		if err != nil {
			return Entry{}, 0, fmt.Errorf("decompression failed: %w", err)
		}
		payload = decompressed
	}

	fields, err := decodeFields(payload)
	if err != nil {
		return Entry{}, 0, err
	}

	return Entry{
		ID:     binary.LittleEndian.Uint64(data[8:16]),
		Fields: fields,
	}, total, nil
}

// encodeFields serializes fields as a uvarint count followed by
// length-prefixed key/value pairs, preserving order.
func encodeFields(fields []Field) []byte {
	size := binary.MaxVarintLen64
	for _, f := range fields {
		size += 2*binary.MaxVarintLen64 + len(f.Key) + len(f.Value)
	}

	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, f := range fields {
		buf = binary.AppendUvarint(buf, uint64(len(f.Key)))
		buf = append(buf, f.Key...)
		buf = binary.AppendUvarint(buf, uint64(len(f.Value)))
		buf = append(buf, f.Value...)
	}
	return buf
}

func decodeFields(data []byte) ([]Field, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, ErrCorruptedRecord
	}
	pos := n

	fields := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		key, adv, err := readString(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += adv

		value, adv, err := readString(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += adv

		fields = append(fields, Field{Key: key, Value: value})
	}
	return fields, nil
}

func readString(data []byte) (string, int, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 || len(data) < n+int(length) {
		return "", 0, ErrCorruptedRecord
	}
	return string(data[n : n+int(length)]), n + int(length), nil
}

// Zstd encoder/decoder are reused; both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
}

func compress(data []byte, c CompressionType) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Encode(nil, data), nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", c)
	}
}

func decompress(data []byte, c CompressionType) ([]byte, error) {
	switch c {
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", c)
	}
}
