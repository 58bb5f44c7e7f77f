package store

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/linecask/linecask/internal/record"
)

// MergeStats reports what a Merge call did.
type MergeStats struct {
	SegmentsBefore int
	SegmentsAfter  int
	BytesReclaimed int64
}

// Merge compacts every sealed segment into a fresh run of segments holding
// only the latest live record for each key, then drops the originals. It
// runs synchronously and to completion on the caller's goroutine — there is
// no background worker, because the event loop this store is built for
// already serializes merges against every other operation.
//
// The active segment is never rewritten directly. Instead, once merge output
// is durable, the active segment is itself renamed to a fresh, higher id
// so the store's invariant (every sealed segment's id is less than the
// active segment's id) holds without discarding the active segment's
// still-live, not-yet-merged data and without leaving an extra, empty
// segment behind.
func (st *Store) Merge() (MergeStats, error) {
	st.rw.Lock()
	defer st.rw.Unlock()

	sealedIDs := make([]int, 0, len(st.segments))
	for id := range st.segments {
		if id != st.activeID {
			sealedIDs = append(sealedIDs, id)
		}
	}
	sort.Ints(sealedIDs)

	before := len(st.segments)
	if len(sealedIDs) == 0 {
		return MergeStats{SegmentsBefore: before, SegmentsAfter: before}, nil
	}

	var beforeBytes int64
	for _, id := range sealedIDs {
		beforeBytes += st.segments[id].size
	}

	liveKeys := make(map[string]struct{})
	for key, entry := range st.index {
		for _, id := range sealedIDs {
			if entry.fileID == id {
				liveKeys[key] = struct{}{}
				break
			}
		}
	}

	writer, err := newMergeWriter(st)
	if err != nil {
		return MergeStats{}, fmt.Errorf("merge: %w", err)
	}

	newIndex := make(map[string]*indexEntry, len(liveKeys))

	for _, id := range sealedIDs {
		changes, err := st.rewriteSegmentLocked(id, liveKeys, writer)
		if err != nil {
			writer.abort()
			return MergeStats{}, fmt.Errorf("merge segment %d: %w", id, err)
		}
		for k, v := range changes {
			newIndex[k] = v
		}
	}

	if err := writer.finish(); err != nil {
		writer.abort()
		return MergeStats{}, fmt.Errorf("merge: finalize output: %w", err)
	}

	if err := st.resealActiveLocked(); err != nil {
		writer.abort()
		return MergeStats{}, fmt.Errorf("merge: reseal active segment: %w", err)
	}

	for _, id := range sealedIDs {
		seg := st.segments[id]
		path := segmentPath(st.dir, id)
		if err := seg.close(); err != nil {
			return MergeStats{}, fmt.Errorf("merge: close old segment %d: %w", id, err)
		}
		if err := os.Remove(path); err != nil {
			return MergeStats{}, fmt.Errorf("merge: remove old segment %d: %w", id, err)
		}
		delete(st.segments, id)
	}

	for _, seg := range writer.segments {
		st.segments[seg.id] = seg
	}

	for key, entry := range newIndex {
		// Re-check against the live index: only promote an entry if the
		// index still points into one of the snapshotted sealed segments.
		// An Insert/Delete cannot happen concurrently (Merge holds st.rw).
		if cur, ok := st.index[key]; ok {
			isLatest := false
			for _, id := range sealedIDs {
				if cur.fileID == id {
					isLatest = true
					break
				}
			}
			if isLatest {
				st.index[key] = entry
			}
		}
	}

	after := len(st.segments)
	return MergeStats{
		SegmentsBefore: before,
		SegmentsAfter:  after,
		BytesReclaimed: beforeBytes - writer.totalBytes,
	}, nil
}

// rewriteSegmentLocked scans one sealed segment and copies every record that
// is still the live value for its key into writer, returning the index
// updates those copies imply.
func (st *Store) rewriteSegmentLocked(id int, liveKeys map[string]struct{}, writer *mergeWriter) (map[string]*indexEntry, error) {
	seg := st.segments[id]
	scanner := record.NewScanner(io.NewSectionReader(seg.file, 0, math.MaxInt64))

	changes := make(map[string]*indexEntry)

	for {
		rec, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan segment %d: %w", id, err)
		}
		if rec.Tombstone {
			continue
		}

		key := string(rec.Key)
		if _, ok := liveKeys[key]; !ok {
			continue
		}

		cur, ok := st.index[key]
		if !ok || cur.fileID != id || cur.timestamp != rec.Timestamp {
			continue
		}

		entry, err := writer.append(rec)
		if err != nil {
			return nil, err
		}
		changes[key] = entry
	}

	return changes, nil
}

// resealActiveLocked gives the current active segment a fresh, higher id,
// preserving its file contents, and keeps it as the active segment under
// that new id.
func (st *Store) resealActiveLocked() error {
	oldID := st.activeID
	old := st.segments[oldID]

	if err := old.file.Sync(); err != nil {
		return fmt.Errorf("sync active segment %d: %w", oldID, err)
	}

	newID := st.claimNextIDLocked()
	oldPath := segmentPath(st.dir, oldID)
	newPath := segmentPath(st.dir, newID)

	if err := old.close(); err != nil {
		return fmt.Errorf("close active segment %d: %w", oldID, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename segment %d to %d: %w", oldID, newID, err)
	}

	reopened, err := openSegment(st.dir, newID)
	if err != nil {
		return fmt.Errorf("reopen renamed segment %d: %w", newID, err)
	}
	reopened.size = old.size

	delete(st.segments, oldID)
	st.segments[newID] = reopened
	st.activeID = newID

	for _, entry := range st.index {
		if entry.fileID == oldID {
			entry.fileID = newID
		}
	}

	return nil
}

// mergeWriter accumulates merge output across one or more fresh segments,
// rolling over at the same size threshold the store uses for live writes.
type mergeWriter struct {
	st         *Store
	segments   []*segment
	cur        *segment
	totalBytes int64
}

func newMergeWriter(st *Store) (*mergeWriter, error) {
	w := &mergeWriter{st: st}
	if err := w.rollover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *mergeWriter) rollover() error {
	id := w.st.claimNextIDLocked()
	seg, err := createSegment(w.st.dir, id)
	if err != nil {
		return fmt.Errorf("create merge output segment %d: %w", id, err)
	}
	w.segments = append(w.segments, seg)
	w.cur = seg
	return nil
}

func (w *mergeWriter) append(rec *record.Record) (*indexEntry, error) {
	buf := record.Encode(rec.Key, rec.Value, false, rec.Timestamp)

	if w.cur.size+int64(len(buf)) > w.st.maxSegmentBytes && w.cur.size > 0 {
		if err := w.cur.file.Sync(); err != nil {
			return nil, fmt.Errorf("sync merge output segment %d: %w", w.cur.id, err)
		}
		if err := w.rollover(); err != nil {
			return nil, err
		}
	}

	off, err := w.cur.write(buf, false)
	if err != nil {
		return nil, fmt.Errorf("write merge output segment %d: %w", w.cur.id, err)
	}
	w.totalBytes += int64(len(buf))

	return &indexEntry{
		fileID:        w.cur.id,
		valuePosition: off + int64(record.HeaderLen) + int64(len(rec.Key)),
		valueSize:     uint32(len(rec.Value)),
		timestamp:     rec.Timestamp,
	}, nil
}

func (w *mergeWriter) finish() error {
	return w.cur.file.Sync()
}

// abort removes every segment file this writer created. Called when a merge
// fails partway through, so no half-written output segment lingers.
func (w *mergeWriter) abort() {
	for _, seg := range w.segments {
		_ = seg.close()
		_ = os.Remove(segmentPath(w.st.dir, seg.id))
		delete(w.st.segments, seg.id)
	}
}
