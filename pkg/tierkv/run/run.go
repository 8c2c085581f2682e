// Package run implements the immutable sorted on-disk run: a data file of
// concatenated keys and value slots plus a metadata file of fixed-width
// offsets. A run is created once by a flush or compaction, read many times,
// and deleted only when its whole tier is compacted away.
//
// Data file layout: for each entry in strictly increasing key order, the key
// bytes followed by the value slot. The value slot is one tag byte
// (1 = value, 0 = tombstone) followed by the value bytes, so a tombstone
// occupies a single byte and no user value can collide with it.
//
// Metadata file layout, all uint64 little-endian: offset[0] = 0, then for
// entry i offset[2i+1] = end of key i and offset[2i+2] = end of value slot
// i, and finally the entry count. The trailing count is authoritative.
package run

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/pkg/tierkv/utils"
)

// DataPath returns the data file path of run index within dir.
func DataPath(dir string, index int) string {
	return filepath.Join(dir, common.RunDataFile(index))
}

// MetaPath returns the metadata file path of run index within dir.
func MetaPath(dir string, index int) string {
	return filepath.Join(dir, common.RunMetaFile(index))
}

// TempDataPath returns the transient data file path used while a run is
// being written.
func TempDataPath(dir string) string { return filepath.Join(dir, common.FileTempRun) }

// TempMetaPath returns the transient metadata file path.
func TempMetaPath(dir string) string { return filepath.Join(dir, common.FileTempMeta) }

// Writer streams a new run into the tier's transient files. Entries must
// arrive in strictly increasing key order; Finish makes the files durable
// and Install renames them into place.
type Writer struct {
	dir     string
	dataf   *os.File
	metaf   *os.File
	dataw   *bufio.Writer
	metaw   *bufio.Writer
	offset  uint64
	count   uint64
	lastKey []byte
}

// NewWriter creates the transient run files inside dir, truncating leftovers
// from an interrupted flush or compaction.
func NewWriter(dir string) (*Writer, error) {
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create tier directory: %w", err)
	}

	dataf, err := os.OpenFile(TempDataPath(dir), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create run data file: %w", err)
	}
	metaf, err := os.OpenFile(TempMetaPath(dir), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		dataf.Close()
		return nil, fmt.Errorf("create run metadata file: %w", err)
	}

	w := &Writer{
		dir:   dir,
		dataf: dataf,
		metaf: metaf,
		dataw: bufio.NewWriterSize(dataf, 1<<20),
		metaw: bufio.NewWriterSize(metaf, 1<<16),
	}
	if err := w.writeOffset(0); err != nil {
		w.Abort()
		return nil, err
	}
	return w, nil
}

// Append adds one entry. Keys must be strictly increasing.
func (w *Writer) Append(key, value []byte, tombstone bool) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if w.lastKey != nil && bytes.Compare(key, w.lastKey) <= 0 {
		return common.ErrKeyOrder
	}

	if _, err := w.dataw.Write(key); err != nil {
		return fmt.Errorf("write run key: %w", err)
	}
	w.offset += uint64(len(key))
	if err := w.writeOffset(w.offset); err != nil {
		return err
	}

	tag := common.TagValue
	if tombstone {
		tag = common.TagTombstone
		value = nil
	}
	if err := w.dataw.WriteByte(tag); err != nil {
		return fmt.Errorf("write run value tag: %w", err)
	}
	if _, err := w.dataw.Write(value); err != nil {
		return fmt.Errorf("write run value: %w", err)
	}
	w.offset += 1 + uint64(len(value))
	if err := w.writeOffset(w.offset); err != nil {
		return err
	}

	w.lastKey = append(w.lastKey[:0], key...)
	w.count++
	return nil
}

// Count returns the number of entries appended so far.
func (w *Writer) Count() uint64 { return w.count }

// Finish writes the trailing entry count and makes both files durable. The
// transient files stay in place until Install renames them.
func (w *Writer) Finish() error {
	if err := w.writeOffset(w.count); err != nil {
		return err
	}
	if err := w.dataw.Flush(); err != nil {
		return fmt.Errorf("flush run data: %w", err)
	}
	if err := w.metaw.Flush(); err != nil {
		return fmt.Errorf("flush run metadata: %w", err)
	}
	if err := utils.Fdatasync(w.dataf); err != nil {
		return fmt.Errorf("sync run data: %w", err)
	}
	if err := utils.Fdatasync(w.metaf); err != nil {
		return fmt.Errorf("sync run metadata: %w", err)
	}
	if err := w.dataf.Close(); err != nil {
		return fmt.Errorf("close run data: %w", err)
	}
	if err := w.metaf.Close(); err != nil {
		return fmt.Errorf("close run metadata: %w", err)
	}
	return nil
}

// Abort discards the transient files.
func (w *Writer) Abort() {
	w.dataf.Close()
	w.metaf.Close()
	os.Remove(TempDataPath(w.dir))
	os.Remove(TempMetaPath(w.dir))
}

func (w *Writer) writeOffset(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := w.metaw.Write(buf[:]); err != nil {
		return fmt.Errorf("write run offset: %w", err)
	}
	return nil
}

// Install renames the transient files to run index within dir and syncs the
// directory, making the run visible to future opens atomically.
func Install(dir string, index int) error {
	if err := os.Rename(TempDataPath(dir), DataPath(dir, index)); err != nil {
		return fmt.Errorf("install run data: %w", err)
	}
	if err := os.Rename(TempMetaPath(dir), MetaPath(dir, index)); err != nil {
		return fmt.Errorf("install run metadata: %w", err)
	}
	return utils.SyncDir(dir)
}

// Remove deletes run index from dir.
func Remove(dir string, index int) error {
	if err := os.Remove(DataPath(dir, index)); err != nil {
		return fmt.Errorf("remove run data: %w", err)
	}
	if err := os.Remove(MetaPath(dir, index)); err != nil {
		return fmt.Errorf("remove run metadata: %w", err)
	}
	return nil
}

// Exists reports whether run index is present in dir (both files).
func Exists(dir string, index int) bool {
	return utils.FileExists(DataPath(dir, index)) && utils.FileExists(MetaPath(dir, index))
}

// Reader performs point lookups against one run via binary search over the
// metadata offsets.
type Reader struct {
	dataf *os.File
	metaf *os.File
	count uint64
}

// OpenReader opens run index in dir.
func OpenReader(dir string, index int) (*Reader, error) {
	dataf, err := os.Open(DataPath(dir, index))
	if err != nil {
		return nil, fmt.Errorf("open run data: %w", err)
	}
	metaf, err := os.Open(MetaPath(dir, index))
	if err != nil {
		dataf.Close()
		return nil, fmt.Errorf("open run metadata: %w", err)
	}

	count, err := readCount(metaf)
	if err != nil {
		dataf.Close()
		metaf.Close()
		return nil, err
	}

	return &Reader{dataf: dataf, metaf: metaf, count: count}, nil
}

// Count returns the number of entries in the run.
func (r *Reader) Count() uint64 { return r.count }

// Get binary-searches the run for key. It returns the value when the key is
// present with a live value, and tombstone true when the key is present but
// deleted.
func (r *Reader) Get(key []byte) (value []byte, found bool, tombstone bool, err error) {
	lo, hi := int64(0), int64(r.count)-1
	var offs [3]uint64
	var buf [24]byte

	for lo <= hi {
		mid := (lo + hi) / 2

		if _, err := r.metaf.ReadAt(buf[:], 16*mid); err != nil {
			return nil, false, false, fmt.Errorf("read run offsets: %w", err)
		}
		offs[0] = binary.LittleEndian.Uint64(buf[0:8])
		offs[1] = binary.LittleEndian.Uint64(buf[8:16])
		offs[2] = binary.LittleEndian.Uint64(buf[16:24])
		if offs[1] < offs[0] || offs[2] <= offs[1] {
			return nil, false, false, common.ErrInvalidOffset
		}

		entryKey := make([]byte, offs[1]-offs[0])
		if _, err := r.dataf.ReadAt(entryKey, int64(offs[0])); err != nil {
			return nil, false, false, fmt.Errorf("read run key: %w", err)
		}

		switch cmp := bytes.Compare(key, entryKey); {
		case cmp == 0:
			slot := make([]byte, offs[2]-offs[1])
			if _, err := r.dataf.ReadAt(slot, int64(offs[1])); err != nil {
				return nil, false, false, fmt.Errorf("read run value: %w", err)
			}
			switch slot[0] {
			case common.TagTombstone:
				return nil, true, true, nil
			case common.TagValue:
				return slot[1:], true, false, nil
			default:
				return nil, false, false, common.ErrCorrupt
			}
		case cmp < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return nil, false, false, nil
}

// Close releases the run's file handles.
func (r *Reader) Close() error {
	err := r.dataf.Close()
	if merr := r.metaf.Close(); err == nil {
		err = merr
	}
	return err
}

// Scanner streams a run's entries in key order. Used by compaction merges
// and by Bloom filter reconstruction on startup.
type Scanner struct {
	dataf *os.File
	metaf *os.File
	datar *bufio.Reader
	metar *bufio.Reader
	count uint64
	read  uint64
	prev  uint64
}

// OpenScanner opens run index in dir for sequential reading.
func OpenScanner(dir string, index int) (*Scanner, error) {
	dataf, err := os.Open(DataPath(dir, index))
	if err != nil {
		return nil, fmt.Errorf("open run data: %w", err)
	}
	metaf, err := os.Open(MetaPath(dir, index))
	if err != nil {
		dataf.Close()
		return nil, fmt.Errorf("open run metadata: %w", err)
	}

	count, err := readCount(metaf)
	if err != nil {
		dataf.Close()
		metaf.Close()
		return nil, err
	}

	s := &Scanner{
		dataf: dataf,
		metaf: metaf,
		datar: bufio.NewReaderSize(dataf, 1<<20),
		metar: bufio.NewReaderSize(metaf, 1<<16),
		count: count,
	}

	// Consume the leading zero offset.
	first, err := s.readOffset()
	if err != nil {
		s.Close()
		return nil, err
	}
	if first != 0 {
		s.Close()
		return nil, common.ErrInvalidOffset
	}
	return s, nil
}

// Count returns the number of entries in the run.
func (s *Scanner) Count() uint64 { return s.count }

// Next returns the next entry. ok is false when the run is exhausted.
func (s *Scanner) Next() (key, value []byte, tombstone bool, ok bool, err error) {
	if s.read == s.count {
		return nil, nil, false, false, nil
	}

	keyEnd, err := s.readOffset()
	if err != nil {
		return nil, nil, false, false, err
	}
	valEnd, err := s.readOffset()
	if err != nil {
		return nil, nil, false, false, err
	}
	if keyEnd <= s.prev || valEnd <= keyEnd {
		return nil, nil, false, false, common.ErrInvalidOffset
	}

	key = make([]byte, keyEnd-s.prev)
	if _, err := io.ReadFull(s.datar, key); err != nil {
		return nil, nil, false, false, fmt.Errorf("scan run key: %w", err)
	}
	slot := make([]byte, valEnd-keyEnd)
	if _, err := io.ReadFull(s.datar, slot); err != nil {
		return nil, nil, false, false, fmt.Errorf("scan run value: %w", err)
	}

	s.prev = valEnd
	s.read++

	switch slot[0] {
	case common.TagTombstone:
		return key, nil, true, true, nil
	case common.TagValue:
		return key, slot[1:], false, true, nil
	default:
		return nil, nil, false, false, common.ErrCorrupt
	}
}

// Close releases the scanner's file handles.
func (s *Scanner) Close() error {
	err := s.dataf.Close()
	if merr := s.metaf.Close(); err == nil {
		err = merr
	}
	return err
}

func (s *Scanner) readOffset() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.metar, buf[:]); err != nil {
		return 0, fmt.Errorf("read run offset: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// readCount reads the authoritative entry count from the end of a metadata
// file and validates the file size against it.
func readCount(metaf *os.File) (uint64, error) {
	st, err := metaf.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat run metadata: %w", err)
	}
	if st.Size() < 16 || st.Size()%8 != 0 {
		return 0, common.ErrCorrupt
	}

	var buf [8]byte
	if _, err := metaf.ReadAt(buf[:], st.Size()-8); err != nil {
		return 0, fmt.Errorf("read run count: %w", err)
	}
	count := binary.LittleEndian.Uint64(buf[:])

	if st.Size() != int64(2*count+2)*8 {
		return 0, common.ErrCorrupt
	}
	return count, nil
}
