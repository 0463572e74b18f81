package journal

import (
	"os"
	"path/filepath"
	"testing"

	"canvas-api/domain"
)

func testWALConfig(dir string) walConfig {
	return walConfig{dir: dir, segmentBytes: 64 * 1024 * 1024, syncEvery: 1}
}

func appendRecords(t *testing.T, w *wal, n int) []*record {
	t.Helper()
	records := make([]*record, 0, n)
	for i := 0; i < n; i++ {
		rec := &record{
			UserID:   "u1",
			Mutation: domain.Mutation{Op: domain.MutatePlace, EntityID: "t1"},
		}
		w.mu.Lock()
		if err := w.appendRecordLocked(rec); err != nil {
			w.mu.Unlock()
			t.Fatalf("append %d: %v", i, err)
		}
		if err := w.syncLocked(); err != nil {
			w.mu.Unlock()
			t.Fatalf("sync %d: %v", i, err)
		}
		w.mu.Unlock()
		records = append(records, rec)
	}
	return records
}

func TestWALReplaysRecordsPastCheckpoint(t *testing.T) {
	dir := t.TempDir()

	w, pending, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fresh wal must have no pending records, got %d", len(pending))
	}
	appendRecords(t, w, 3)

	w.mu.Lock()
	if err := w.commitLocked(1); err != nil {
		w.mu.Unlock()
		t.Fatalf("commit: %v", err)
	}
	w.mu.Unlock()
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, pending, err = openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 undelivered records, got %d", len(pending))
	}
	if pending[0].Offset != 2 || pending[1].Offset != 3 {
		t.Fatalf("unexpected pending offsets: %d, %d", pending[0].Offset, pending[1].Offset)
	}
	if pending[0].UserID != "u1" || pending[0].Mutation.Op != domain.MutatePlace {
		t.Fatalf("record content lost on replay: %+v", pending[0])
	}
}

func TestWALOffsetsContinueAfterReopen(t *testing.T) {
	dir := t.TempDir()

	w, _, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendRecords(t, w, 2)
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w, _, err = openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	recs := appendRecords(t, w, 1)
	if recs[0].Offset != 3 {
		t.Fatalf("expected offset 3 after reopen, got %d", recs[0].Offset)
	}
}

func TestWALTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	w, _, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendRecords(t, w, 2)
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil || len(segments) == 0 {
		t.Fatalf("no segment files: %v", err)
	}
	f, err := os.OpenFile(segments[len(segments)-1], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	// A partial header, as left by a crash mid-write.
	if _, err := f.Write([]byte{0x10, 0x00, 0x00}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	_, pending, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("torn tail must not lose intact records, got %d", len(pending))
	}
}

func TestWALTruncatesCorruptPayload(t *testing.T) {
	dir := t.TempDir()

	w, _, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendRecords(t, w, 2)

	// Flip a byte in the last record's payload so its crc no longer matches.
	w.mu.Lock()
	seg := w.segments[len(w.segments)-1]
	size := seg.size
	w.mu.Unlock()
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, _ := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	f, err := os.OpenFile(segments[len(segments)-1], os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xff}, size-1); err != nil {
		t.Fatalf("corrupt payload: %v", err)
	}
	f.Close()

	_, pending, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("reopen after corruption: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the intact record only, got %d", len(pending))
	}
	if pending[0].Offset != 1 {
		t.Fatalf("unexpected surviving offset: %d", pending[0].Offset)
	}
}

func TestWALRotatesAndPrunesSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testWALConfig(dir)
	cfg.segmentBytes = 1 // every append rotates

	w, _, err := openWAL(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendRecords(t, w, 4)

	segments, _ := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if len(segments) < 2 {
		t.Fatalf("expected segment rotation, got %d files", len(segments))
	}

	w.mu.Lock()
	if err := w.commitLocked(4); err != nil {
		w.mu.Unlock()
		t.Fatalf("commit: %v", err)
	}
	w.mu.Unlock()

	remaining, _ := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if len(remaining) != 1 {
		t.Fatalf("expected delivered segments to be pruned, got %d files", len(remaining))
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestWALCheckpointSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	w, _, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	appendRecords(t, w, 3)
	w.mu.Lock()
	if err := w.commitLocked(3); err != nil {
		w.mu.Unlock()
		t.Fatalf("commit: %v", err)
	}
	w.mu.Unlock()
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "checkpoint"))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if string(data) != "3" {
		t.Fatalf("unexpected checkpoint content: %q", string(data))
	}

	w, pending, err := openWAL(testWALConfig(dir))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("fully delivered log must replay nothing, got %d", len(pending))
	}
	if w.committedOffset != 3 {
		t.Fatalf("unexpected committed offset: %d", w.committedOffset)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
