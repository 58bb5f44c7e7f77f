// Package store implements the Segment Store: the storage directory, the
// active append file, sealed segments, the in-memory offset index, and the
// merge procedure that compacts them. It is the single owner of every file
// handle and of the index — callers (the event loop, or tests) are expected
// to serialize their own access, matching the single-threaded design this
// engine is built for.
package store

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/linecask/linecask/internal/record"
)

// ErrKeyNotFound is returned by Get and Delete when the key has no live
// record in the index.
var ErrKeyNotFound = errors.New("store: key not found")

// ErrCorruptIndex is returned when an index entry points at a segment
// location that turns out to be unreadable — the index and the disk have
// diverged.
var ErrCorruptIndex = errors.New("store: index entry does not match on-disk data")

const defaultMaxSegmentBytes int64 = 512

// indexEntry is the in-memory pointer to a key's latest value.
type indexEntry struct {
	fileID        int
	valuePosition int64
	valueSize     uint32
	timestamp     int64
}

// Stats is a snapshot of the store's informational counters.
type Stats struct {
	Segments int
	Bytes    int64
	Keys     int
	Ops      int64
}

// Store owns a storage directory: its segments and its in-memory index.
type Store struct {
	dir             string
	segments        map[int]*segment
	activeID        int
	index           map[string]*indexEntry
	rw              sync.RWMutex
	fsync           bool
	maxSegmentBytes int64
	idCtr           int64
	opCount         atomic.Int64
	lock            *dirLock
	log             *zap.SugaredLogger
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithMaxSegmentBytes overrides the active-segment rollover threshold.
func WithMaxSegmentBytes(n int64) Option {
	return func(s *Store) { s.maxSegmentBytes = n }
}

// WithFsync enables fsync after every append, trading throughput for
// per-write durability.
func WithFsync(b bool) Option {
	return func(s *Store) { s.fsync = b }
}

// WithLogger sets the structured logger used for recovery warnings and fatal
// I/O conditions.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if necessary) the storage directory at dir, takes its
// exclusive lock, and recovers the in-memory index purely from segment
// contents — there is no manifest file to consult.
func Open(dir string, opts ...Option) (st *Store, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, fmt.Errorf("lock %q: %w", dir, err)
	}

	st = &Store{
		dir:             dir,
		segments:        make(map[int]*segment),
		index:           make(map[string]*indexEntry),
		maxSegmentBytes: defaultMaxSegmentBytes,
		log:             zap.NewNop().Sugar(),
		lock:            lock,
	}
	for _, opt := range opts {
		opt(st)
	}

	defer func() {
		if err != nil {
			st.abortOpen()
		}
	}()

	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	if err := st.checkOrphanedFiles(ids); err != nil {
		return nil, fmt.Errorf("check orphaned files: %w", err)
	}

	maxID := -1
	for _, id := range ids {
		seg, changes, rerr := st.recoverSegment(id)
		if rerr != nil {
			err = fmt.Errorf("recover segment %d: %w", id, rerr)
			return nil, err
		}
		st.segments[id] = seg
		for key, entry := range changes {
			if entry == nil {
				delete(st.index, key)
			} else {
				st.index[key] = entry
			}
		}
		if id > maxID {
			maxID = id
		}
	}

	if len(ids) == 0 {
		seg, cerr := createSegment(dir, 0)
		if cerr != nil {
			err = fmt.Errorf("create initial segment: %w", cerr)
			return nil, err
		}
		st.segments[0] = seg
		st.activeID = 0
		st.idCtr = 1
		return st, nil
	}

	st.idCtr = int64(maxID + 1)

	lastSeg := st.segments[maxID]
	if lastSeg.size < st.maxSegmentBytes {
		st.activeID = maxID
	} else {
		newID := int(st.idCtr)
		st.idCtr++
		seg, cerr := createSegment(dir, newID)
		if cerr != nil {
			err = fmt.Errorf("create rollover segment: %w", cerr)
			return nil, err
		}
		st.segments[newID] = seg
		st.activeID = newID
	}

	return st, nil
}

// recoverSegment opens an existing segment and replays its records to
// produce the index changes it implies. A record that decodes as corrupt
// truncates the segment, on disk, at the last good offset — the corrupt tail
// is discarded rather than merely skipped in memory, so a future restart
// doesn't re-discover and re-reject the same garbage.
func (st *Store) recoverSegment(id int) (*segment, map[string]*indexEntry, error) {
	seg, err := openSegment(st.dir, id)
	if err != nil {
		return nil, nil, err
	}

	changes := make(map[string]*indexEntry)
	scanner := record.NewScanner(io.NewSectionReader(seg.file, 0, math.MaxInt64))

	for {
		off := scanner.Pos()
		rec, serr := scanner.Next()
		if serr == io.EOF {
			break
		}
		if serr != nil {
			st.log.Warnw("truncating corrupt segment tail", "segment", id, "offset", off, "err", serr)
			break
		}

		key := string(rec.Key)
		if rec.Tombstone {
			changes[key] = nil
			continue
		}

		changes[key] = &indexEntry{
			fileID:        id,
			valuePosition: off + int64(record.HeaderLen) + int64(len(rec.Key)),
			valueSize:     uint32(len(rec.Value)),
			timestamp:     rec.Timestamp,
		}
	}

	end := scanner.Pos()
	seg.size = end
	if err := seg.file.Truncate(end); err != nil {
		return nil, nil, fmt.Errorf("truncate segment %d: %w", id, err)
	}

	return seg, changes, nil
}

// checkOrphanedFiles warns about files in the storage directory that are
// neither a recognized segment nor the lock file — evidence of a crash
// mid-merge, or of something foreign having been dropped into the directory.
func (st *Store) checkOrphanedFiles(ids []int) error {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	expected := mapset.NewSet[string]()
	expected.Add(lockFileName)
	for _, id := range ids {
		expected.Add(segmentFileName(id))
	}

	actual := mapset.NewSet[string]()
	for _, e := range entries {
		if !e.IsDir() {
			actual.Add(e.Name())
		}
	}

	if orphans := actual.Difference(expected); orphans.Cardinality() != 0 {
		st.log.Warnw("orphaned files in storage directory", "files", orphans.ToSlice())
	}

	return nil
}

// Insert writes (or overwrites) key with value.
func (st *Store) Insert(key, value []byte) error {
	return st.append(key, value, false)
}

// Delete appends a tombstone for key and removes it from the index.
// Deleting an absent key is reported, not treated as an error to recover
// from — no record is written.
func (st *Store) Delete(key []byte) error {
	st.rw.Lock()
	if _, ok := st.index[string(key)]; !ok {
		st.rw.Unlock()
		return ErrKeyNotFound
	}
	st.rw.Unlock()

	return st.append(key, nil, true)
}

func (st *Store) append(key, value []byte, tombstone bool) error {
	st.rw.Lock()
	defer st.rw.Unlock()

	ts := time.Now().Unix()
	buf := record.Encode(key, value, tombstone, ts)

	active := st.segments[st.activeID]
	if active.size+int64(len(buf)) > st.maxSegmentBytes {
		if err := st.rolloverLocked(); err != nil {
			return err
		}
		active = st.segments[st.activeID]
	}

	off, err := active.write(buf, st.fsync)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	st.opCount.Add(1)

	keyStr := string(key)
	if tombstone {
		delete(st.index, keyStr)
		return nil
	}

	st.index[keyStr] = &indexEntry{
		fileID:        active.id,
		valuePosition: off + int64(record.HeaderLen) + int64(len(key)),
		valueSize:     uint32(len(value)),
		timestamp:     ts,
	}
	return nil
}

// rolloverLocked seals the current active segment and opens a new one.
// Callers must hold st.rw.
func (st *Store) rolloverLocked() error {
	cur := st.segments[st.activeID]
	if err := cur.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d on seal: %w", cur.id, err)
	}

	id := st.claimNextIDLocked()
	seg, err := createSegment(st.dir, id)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", id, err)
	}
	st.segments[id] = seg
	st.activeID = id
	return nil
}

func (st *Store) claimNextIDLocked() int {
	id := int(st.idCtr)
	st.idCtr++
	return id
}

// Get returns the current value for key.
func (st *Store) Get(key []byte) ([]byte, error) {
	st.rw.RLock()
	defer st.rw.RUnlock()

	entry, ok := st.index[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}

	seg := st.segments[entry.fileID]
	val, err := seg.readValueAt(entry.valuePosition, entry.valueSize)
	if err != nil {
		st.log.Errorw("index points at unreadable data", "key", string(key), "err", err)
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}

	st.opCount.Add(1)
	return val, nil
}

// Stats reports informational counters about the store's current state.
func (st *Store) Stats() (Stats, error) {
	st.rw.RLock()
	defer st.rw.RUnlock()

	var total int64
	for _, seg := range st.segments {
		info, err := seg.file.Stat()
		if err != nil {
			return Stats{}, fmt.Errorf("stat segment %d: %w", seg.id, err)
		}
		total += info.Size()
	}

	return Stats{
		Segments: len(st.segments),
		Bytes:    total,
		Keys:     len(st.index),
		Ops:      st.opCount.Load(),
	}, nil
}

// Close flushes and closes every open segment and releases the directory
// lock. It does not remove any files.
func (st *Store) Close() error {
	st.rw.Lock()
	defer st.rw.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, seg := range st.segments {
		record(seg.file.Sync())
		record(seg.close())
	}
	record(st.lock.release())

	return firstErr
}

// abortOpen releases whatever Open had managed to acquire before failing.
func (st *Store) abortOpen() {
	for _, seg := range st.segments {
		_ = seg.close()
	}
	_ = st.lock.release()
}
