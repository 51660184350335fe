package manifest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/storage-engine/internal/errors"
	"github.com/devrev/pairdb/storage-engine/internal/util"
)

const (
	FileName        = "MANIFEST"
	rewriteFileName = "MANIFEST-REWRITE"

	magic          = "PDBM"
	formatVersion  = uint16(1)
	headerSize     = 8
	recordHdrSize  = 8
	deletionsRatio = 10
)

// TableManifest is the manifest's view of one table.
type TableManifest struct {
	Level      int
	Smallest   []byte
	Largest    []byte
	MaxVersion uint64
}

// Manifest is the level set reconstructed from the manifest file.
type Manifest struct {
	Tables    map[uint64]TableManifest
	Creations int
	Deletions int
}

func newManifest() Manifest {
	return Manifest{Tables: make(map[uint64]TableManifest)}
}

// Clone deep-copies the table map.
func (m Manifest) Clone() Manifest {
	out := Manifest{Tables: make(map[uint64]TableManifest, len(m.Tables)), Creations: m.Creations, Deletions: m.Deletions}
	for id, t := range m.Tables {
		out.Tables[id] = t
	}
	return out
}

// TablesByLevel groups table ids by level, sorted by id.
func (m Manifest) TablesByLevel() map[int][]uint64 {
	out := make(map[int][]uint64)
	for id, t := range m.Tables {
		out[t.Level] = append(out[t.Level], id)
	}
	for _, ids := range out {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return out
}

// MaxTableID returns the largest table id referenced.
func (m Manifest) MaxTableID() uint64 {
	var maxID uint64
	for id := range m.Tables {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

func (m *Manifest) apply(cs *ChangeSet) error {
	if cs.Checkpoint {
		*m = newManifest()
	}
	for _, c := range cs.Changes {
		switch c.Op {
		case OpAddTable:
			if _, ok := m.Tables[c.TableID]; ok {
				return fmt.Errorf("manifest adds table %d twice", c.TableID)
			}
			m.Tables[c.TableID] = TableManifest{
				Level:      c.Level,
				Smallest:   c.Smallest,
				Largest:    c.Largest,
				MaxVersion: c.MaxVersion,
			}
			m.Creations++
		case OpRemoveTable:
			if _, ok := m.Tables[c.TableID]; !ok {
				return fmt.Errorf("manifest removes unknown table %d", c.TableID)
			}
			delete(m.Tables, c.TableID)
			m.Deletions++
		}
	}
	return nil
}

func (m Manifest) checkpoint() *ChangeSet {
	cs := &ChangeSet{Checkpoint: true}
	ids := make([]uint64, 0, len(m.Tables))
	for id := range m.Tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := m.Tables[id]
		cs.Changes = append(cs.Changes, AddTable(id, t.Level, t.Smallest, t.Largest, t.MaxVersion))
	}
	return cs
}

// File is the open manifest. Apply calls are serialized.
type File struct {
	dir              string
	rewriteThreshold int
	logger           *zap.Logger

	mu       sync.Mutex
	fp       *os.File
	manifest Manifest
}

// Open replays dir/MANIFEST, creating it if absent. A torn final record is
// truncated; any other damage is returned as corruption.
func Open(dir string, rewriteThreshold int, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, FileName)
	mf := &File{dir: dir, rewriteThreshold: rewriteThreshold, logger: logger}

	fp, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) {
		mf.manifest = newManifest()
		if err := mf.rewrite(); err != nil {
			return nil, err
		}
		logger.Info("Created new manifest", zap.String("path", path))
		return mf, nil
	}
	if err != nil {
		return nil, errors.IOError("failed to open manifest", err)
	}

	m, validEnd, err := Replay(fp)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if fi, serr := fp.Stat(); serr == nil && fi.Size() > validEnd {
		logger.Warn("Truncating torn manifest tail",
			zap.Int64("valid_end", validEnd),
			zap.Int64("file_size", fi.Size()))
		if err := fp.Truncate(validEnd); err != nil {
			fp.Close()
			return nil, errors.IOError("failed to truncate manifest", err)
		}
	}
	if _, err := fp.Seek(0, io.SeekEnd); err != nil {
		fp.Close()
		return nil, errors.IOError("failed to seek manifest", err)
	}

	mf.fp = fp
	mf.manifest = m
	logger.Info("Replayed manifest",
		zap.Int("tables", len(m.Tables)),
		zap.Int("creations", m.Creations),
		zap.Int("deletions", m.Deletions))
	return mf, nil
}

// Replay reads a manifest stream and returns the level set and the offset
// just past the last complete record.
func Replay(r io.Reader) (Manifest, int64, error) {
	br := bufio.NewReader(r)
	m := newManifest()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return m, 0, errors.CorruptedData("manifest header is incomplete", err)
	}
	if !bytes.Equal(hdr[:4], []byte(magic)) {
		return m, 0, errors.CorruptedData("manifest has bad magic", nil)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != formatVersion {
		return m, 0, errors.CorruptedData(fmt.Sprintf("manifest format version %d is not supported", v), nil).
			WithDetail("version", v)
	}

	offset := int64(headerSize)
	var rec [recordHdrSize]byte
	for {
		if _, err := io.ReadFull(br, rec[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return m, offset, nil
			}
			return m, offset, errors.IOError("failed to read manifest", err)
		}
		length := binary.BigEndian.Uint32(rec[0:4])
		crc := binary.BigEndian.Uint32(rec[4:8])
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return m, offset, nil
			}
			return m, offset, errors.IOError("failed to read manifest", err)
		}
		if util.ComputeChecksum(buf) != crc {
			return m, offset, errors.CorruptedData("manifest record checksum mismatch", nil).
				WithDetail("offset", offset)
		}

		var cs ChangeSet
		if err := cs.Unmarshal(buf); err != nil {
			return m, offset, errors.CorruptedData("malformed manifest record", err).WithDetail("offset", offset)
		}
		if err := m.apply(&cs); err != nil {
			return m, offset, errors.CorruptedData("inconsistent manifest record", err).WithDetail("offset", offset)
		}
		offset += recordHdrSize + int64(length)
	}
}

func encodeRecord(cs *ChangeSet) []byte {
	payload := cs.Marshal()
	buf := make([]byte, recordHdrSize, recordHdrSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], util.ComputeChecksum(payload))
	return append(buf, payload...)
}

// Manifest returns a copy of the current level set.
func (mf *File) Manifest() Manifest {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.manifest.Clone()
}

// Apply validates the change set against the current level set, appends it
// durably and only then updates the in-memory state.
func (mf *File) Apply(cs *ChangeSet) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if mf.fp == nil {
		return errors.IOError("manifest is not open", nil)
	}
	next := mf.manifest.Clone()
	if err := next.apply(cs); err != nil {
		return errors.InternalError("invalid manifest change", err)
	}

	if _, err := mf.fp.Write(encodeRecord(cs)); err != nil {
		return errors.IOError("failed to append manifest record", err)
	}
	if err := mf.fp.Sync(); err != nil {
		return errors.IOError("failed to sync manifest", err)
	}
	mf.manifest = next

	if mf.rewriteThreshold > 0 &&
		next.Deletions > mf.rewriteThreshold &&
		next.Deletions > deletionsRatio*(next.Creations-next.Deletions) {
		// The change is already durable; a failed rewrite is retried on the
		// next qualifying change.
		if err := mf.rewrite(); err != nil {
			mf.logger.Warn("Failed to rewrite manifest", zap.Error(err))
		}
	}
	return nil
}

// Rewrite compacts the manifest into a single checkpoint record.
func (mf *File) Rewrite() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.rewrite()
}

// rewrite installs a checkpoint of the current state. The open file stays
// in use until the checkpoint has replaced it.
func (mf *File) rewrite() error {
	tmpPath := filepath.Join(mf.dir, rewriteFileName)
	fp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return errors.IOError("failed to create manifest rewrite file", err)
	}

	cs := mf.manifest.checkpoint()
	buf := make([]byte, headerSize)
	copy(buf, magic)
	binary.BigEndian.PutUint16(buf[4:6], formatVersion)
	buf = append(buf, encodeRecord(cs)...)

	if _, err := fp.Write(buf); err != nil {
		fp.Close()
		return errors.IOError("failed to write manifest rewrite file", err)
	}
	if err := fp.Sync(); err != nil {
		fp.Close()
		return errors.IOError("failed to sync manifest rewrite file", err)
	}

	path := filepath.Join(mf.dir, FileName)
	if err := os.Rename(tmpPath, path); err != nil {
		fp.Close()
		os.Remove(tmpPath)
		return errors.IOError("failed to install rewritten manifest", err)
	}

	// From here on the checkpoint is the manifest.
	if mf.fp != nil {
		if err := mf.fp.Close(); err != nil {
			mf.logger.Warn("Failed to close replaced manifest", zap.Error(err))
		}
	}
	mf.fp = fp
	mf.manifest.Creations = len(mf.manifest.Tables)
	mf.manifest.Deletions = 0
	if err := util.SyncDir(mf.dir); err != nil {
		return errors.IOError("failed to sync manifest directory", err)
	}
	mf.logger.Debug("Rewrote manifest", zap.Int("tables", len(mf.manifest.Tables)))
	return nil
}

// Close closes the manifest file.
func (mf *File) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if mf.fp == nil {
		return nil
	}
	err := mf.fp.Close()
	mf.fp = nil
	return err
}
