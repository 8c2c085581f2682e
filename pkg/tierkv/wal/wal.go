// Package wal implements the write-ahead log that makes memtable contents
// durable before a write returns. Exactly two files rotate inside the store
// root: WAL.bin covers the active memtable and WAL_temp.bin covers the
// frozen memtable until its flush completes.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/pkg/tierkv/utils"
)

// maxRecordBytes is a sanity bound on decoded lengths during replay. A
// length beyond it means a corrupt record, not a huge one.
const maxRecordBytes = 1 << 31

// WAL appends records to the active log file. Append returns only after the
// bytes are durably on disk when sync-on-write is enabled (the default
// durability contract).
type WAL struct {
	mu          sync.Mutex
	dir         string
	file        *os.File
	logger      common.Logger
	syncOnWrite bool
	closed      bool
}

// ActivePath returns the active WAL file path within dir.
func ActivePath(dir string) string { return filepath.Join(dir, common.FileWAL) }

// FrozenPath returns the frozen WAL file path within dir.
func FrozenPath(dir string) string { return filepath.Join(dir, common.FileWALFrozen) }

// RecoverPath returns the intermediate rename target used while both WAL
// files exist during recovery.
func RecoverPath(dir string) string { return filepath.Join(dir, common.FileWALRecover) }

// Open opens the active WAL for appending, creating it if missing.
func Open(dir string, logger common.Logger, syncOnWrite bool) (*WAL, error) {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}

	f, err := os.OpenFile(ActivePath(dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	return &WAL{
		dir:         dir,
		file:        f,
		logger:      logger,
		syncOnWrite: syncOnWrite,
	}, nil
}

// Append writes one record and, under the sync-on-write policy, fsyncs it
// before returning.
func (w *WAL) Append(key, value []byte, tombstone bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return common.ErrClosed
	}

	data := encodeRecord(key, value, tombstone)
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write WAL record: %w", err)
	}
	if w.syncOnWrite {
		if err := utils.Fdatasync(w.file); err != nil {
			return fmt.Errorf("sync WAL file: %w", err)
		}
	}
	return nil
}

// Rotate renames the active WAL to the frozen slot and opens a fresh active
// WAL. The caller guarantees no frozen WAL exists (at most one memtable is
// frozen at a time).
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return common.ErrClosed
	}

	if err := utils.Fdatasync(w.file); err != nil {
		return fmt.Errorf("sync WAL before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close WAL before rotate: %w", err)
	}
	if err := os.Rename(ActivePath(w.dir), FrozenPath(w.dir)); err != nil {
		return fmt.Errorf("rename WAL to frozen: %w", err)
	}

	f, err := os.OpenFile(ActivePath(w.dir), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create WAL after rotate: %w", err)
	}
	w.file = f

	if err := utils.SyncDir(w.dir); err != nil {
		return fmt.Errorf("sync dir after rotate: %w", err)
	}

	w.logger.Debug("rotated WAL", "dir", w.dir)
	return nil
}

// RemoveFrozen deletes the frozen WAL once the memtable it covered has been
// fully flushed.
func (w *WAL) RemoveFrozen() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.Remove(FrozenPath(w.dir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove frozen WAL: %w", err)
	}
	return utils.SyncDir(w.dir)
}

// Sync flushes the active WAL to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return common.ErrClosed
	}
	return utils.Fdatasync(w.file)
}

// Close syncs and closes the active WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := utils.Fdatasync(w.file); err != nil {
		w.logger.Warn("sync WAL on close", "error", err)
	}
	return w.file.Close()
}

// encodeRecord encodes one record:
//
//	keyLen u64 LE | key | tag u8 | valLen u64 LE | value | crc32c u32 LE
//
// The CRC covers every preceding byte of the record. A tombstone carries
// tag 0 and zero value bytes.
func encodeRecord(key, value []byte, tombstone bool) []byte {
	tag := common.TagValue
	if tombstone {
		tag = common.TagTombstone
		value = nil
	}

	buf := make([]byte, 0, 8+len(key)+1+8+len(value)+4)
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], uint64(len(key)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, key...)
	buf = append(buf, tag)
	binary.LittleEndian.PutUint64(tmp[:], uint64(len(value)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, value...)

	crc := utils.ComputeCRC32C(buf)
	binary.LittleEndian.PutUint32(tmp[:4], crc)
	return append(buf, tmp[:4]...)
}

// ReplayFile streams all records of the named WAL file to fn in append
// order. On the first record that fails to decode or verify, the file is
// truncated to the end of the last valid record and replay stops; a torn
// tail write must not be replayed as garbage.
func ReplayFile(path string, logger common.Logger, fn func(key, value []byte, tombstone bool) error) error {
	if logger == nil {
		logger = common.NewNullLogger()
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open WAL file: %w", err)
	}

	reader := bufio.NewReaderSize(f, 1<<20)
	var offset, lastValid int64
	records := 0

	for {
		key, value, tombstone, size, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("truncating WAL at corrupt record", "path", path, "offset", offset, "error", err)
			f.Close()
			if terr := utils.TruncateFile(path, lastValid); terr != nil {
				return fmt.Errorf("truncate corrupt WAL: %w", terr)
			}
			return nil
		}

		if err := fn(key, value, tombstone); err != nil {
			f.Close()
			return fmt.Errorf("replay callback: %w", err)
		}

		offset += size
		lastValid = offset
		records++
	}

	f.Close()
	logger.Info("replayed WAL file", "path", path, "records", records)
	return nil
}

// readRecord decodes one record from the stream. io.EOF at a record boundary
// means a clean end; any other failure means a torn or corrupt tail.
func readRecord(r *bufio.Reader) (key, value []byte, tombstone bool, size int64, err error) {
	var lenBuf [8]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, nil, false, 0, io.EOF
		}
		return nil, nil, false, 0, fmt.Errorf("read key length: %w", err)
	}
	keyLen := binary.LittleEndian.Uint64(lenBuf[:])
	if keyLen == 0 || keyLen > maxRecordBytes {
		return nil, nil, false, 0, common.ErrCorrupt
	}

	key = make([]byte, keyLen)
	if _, err = io.ReadFull(r, key); err != nil {
		return nil, nil, false, 0, fmt.Errorf("read key: %w", err)
	}

	tag, err := r.ReadByte()
	if err != nil {
		return nil, nil, false, 0, fmt.Errorf("read tag: %w", err)
	}
	if tag != common.TagValue && tag != common.TagTombstone {
		return nil, nil, false, 0, common.ErrCorrupt
	}

	var valBuf [8]byte
	if _, err = io.ReadFull(r, valBuf[:]); err != nil {
		return nil, nil, false, 0, fmt.Errorf("read value length: %w", err)
	}
	valLen := binary.LittleEndian.Uint64(valBuf[:])
	if valLen > maxRecordBytes || (tag == common.TagTombstone && valLen != 0) {
		return nil, nil, false, 0, common.ErrCorrupt
	}

	value = make([]byte, valLen)
	if _, err = io.ReadFull(r, value); err != nil {
		return nil, nil, false, 0, fmt.Errorf("read value: %w", err)
	}

	var crcBuf [4]byte
	if _, err = io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, nil, false, 0, fmt.Errorf("read CRC: %w", err)
	}
	expected := binary.LittleEndian.Uint32(crcBuf[:])

	actual := utils.ComputeCRC32CMulti(lenBuf[:], key, []byte{tag}, valBuf[:], value)
	if actual != expected {
		return nil, nil, false, 0, common.ErrCRCMismatch
	}

	size = int64(8 + keyLen + 1 + 8 + valLen + 4)
	return key, value, tag == common.TagTombstone, size, nil
}
