// Package spill implements the persistence writer's local spill file: a
// length-prefixed sequence of encoded-span records retained on disk while the
// columnar store is unavailable beyond the retry budget.
//
// File layout:
//
//	magic(4) "AGSP" | version(4) | records...
//	record: payloadLen(4) | payload | crc32c(4)
//
// Records are CRC-protected individually so a torn tail write loses at most
// the final record.
package spill

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
)

const (
	magic      = 0x41475350 // "AGSP"
	version    = 1
	headerSize = 8
	maxRecord  = 16 << 20 // 16 MB per record
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// File is an append-only spill file. Not safe for concurrent use; the
// persistence writer owns it exclusively.
type File struct {
	path   string
	f      *os.File
	logger *slog.Logger
}

// Open opens the spill file for appending, writing the header if the file is
// new. Spill-file I/O failures are fatal to the caller (fail-fast).
func Open(path string, logger *slog.Logger) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spill: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("spill: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		var header [headerSize]byte
		binary.BigEndian.PutUint32(header[0:4], magic)
		binary.BigEndian.PutUint32(header[4:8], version)
		if _, err := f.Write(header[:]); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("spill: write header: %w", err)
		}
	}

	return &File{path: path, f: f, logger: logger}, nil
}

// Append writes one encoded record and syncs it to disk. Durability before
// acknowledgment is the whole point of the spill file.
func (s *File) Append(payload []byte) error {
	if len(payload) == 0 || len(payload) > maxRecord {
		return fmt.Errorf("spill: invalid record size %d", len(payload))
	}

	buf := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	crc := crc32.Checksum(payload, crc32cTable)
	binary.BigEndian.PutUint32(buf[4+len(payload):], crc)

	if _, err := s.f.Write(buf); err != nil {
		return fmt.Errorf("spill: append record: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("spill: sync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}

// ReadAll reads every intact record from a spill file. A missing file yields
// no records. A corrupt or truncated tail is logged and the preceding intact
// records are returned; corruption before the tail is an error.
func ReadAll(path string, logger *slog.Logger) ([][]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("spill: open %s: %w", path, err)
	}
	defer f.Close()

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return nil, fmt.Errorf("spill: read header: %w", err)
	}
	if got := binary.BigEndian.Uint32(header[0:4]); got != magic {
		return nil, fmt.Errorf("spill: bad magic %#x in %s", got, path)
	}
	if got := binary.BigEndian.Uint32(header[4:8]); got != version {
		return nil, fmt.Errorf("spill: unsupported version %d in %s", got, path)
	}

	var records [][]byte
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			logger.Warn("spill: truncated record length, dropping tail", "path", path, "records", len(records))
			return records, nil
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxRecord {
			return nil, fmt.Errorf("spill: corrupt record length %d in %s", n, path)
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			logger.Warn("spill: truncated record payload, dropping tail", "path", path, "records", len(records))
			return records, nil
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			logger.Warn("spill: truncated record checksum, dropping tail", "path", path, "records", len(records))
			return records, nil
		}
		if crc32.Checksum(payload, crc32cTable) != binary.BigEndian.Uint32(crcBuf[:]) {
			logger.Warn("spill: checksum mismatch, dropping tail", "path", path, "records", len(records))
			return records, nil
		}
		records = append(records, payload)
	}
}

// Remove deletes a spill file after its records have been replayed.
func Remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
