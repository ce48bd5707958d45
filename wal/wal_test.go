package wal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type txData struct {
	Files []string `json:"files"`
}

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	steps := []EntryType{EntryTxCreated, EntryTxLocked, EntryTxBackedUp, EntryTxApplying, EntryTxCommitted}
	for _, step := range steps {
		if err := w.Append(step, "tx-1", "/infra/main.tf", txData{Files: []string{"/infra/main.tf"}}); err != nil {
			t.Fatalf("Failed to append %s: %v", step, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "tollgate-*.wal"))
	if len(files) != 1 {
		t.Fatalf("Expected 1 WAL file, got %d", len(files))
	}

	reader, err := NewReader(files[0])
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	for i, expected := range steps {
		entry, err := reader.Next()
		if err != nil {
			t.Fatalf("Failed to read entry %d: %v", i, err)
		}
		if entry.Type != expected {
			t.Errorf("Entry %d: expected type %s, got %s", i, expected, entry.Type)
		}
		if entry.TxID != "tx-1" {
			t.Errorf("Entry %d: expected tx-1, got %s", i, entry.TxID)
		}
		if entry.Sequence != int64(i+1) {
			t.Errorf("Entry %d: expected sequence %d, got %d", i, i+1, entry.Sequence)
		}

		var data txData
		if err := json.Unmarshal(entry.Data, &data); err != nil {
			t.Errorf("Entry %d: bad data: %v", i, err)
		}
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestWAL_AppendError(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}

	if err := w.AppendError(EntryTxAborted, "tx-1", "", nil, errors.New("disk_full")); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}
	_ = w.Close()

	var got []*Entry
	if err := Replay(dir, time.Time{}, func(e *Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(got) != 1 || got[0].Error != "disk_full" || got[0].Data != nil {
		t.Errorf("unexpected entries: %+v", got)
	}
}

func TestWAL_SequenceContinuesAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = w1.Append(EntryDecided, "", "res-1", nil)
	}
	_ = w1.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("Failed to reopen WAL: %v", err)
	}
	if w2.sequence != 3 {
		t.Errorf("Expected sequence 3 after reopen, got %d", w2.sequence)
	}
	_ = w2.Append(EntryDecided, "", "res-2", nil)
	_ = w2.Close()

	var last int64
	_ = Replay(dir, time.Time{}, func(e *Entry) error {
		last = e.Sequence
		return nil
	})
	if last != 4 {
		t.Errorf("Expected last sequence 4, got %d", last)
	}
}

func TestWAL_Rotation(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.MaxFileSize = 200

	w, err := OpenWithConfig(dir, config)
	if err != nil {
		t.Fatalf("Failed to open WAL: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Append(EntryDecided, "", "resource-with-a-long-identifier", map[string]int{"i": i}); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}
	_ = w.Close()

	if n := len(w.listWALFiles()); n < 2 {
		t.Fatalf("Expected rotation to create several files, got %d", n)
	}

	count := 0
	var prev int64
	err = Replay(dir, time.Time{}, func(e *Entry) error {
		count++
		if e.Sequence <= prev {
			t.Errorf("sequence went backwards: %d after %d", e.Sequence, prev)
		}
		prev = e.Sequence
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if count != 10 {
		t.Errorf("Expected 10 entries across files, got %d", count)
	}
}

func TestReplay_SkipsTornTail(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	_ = w.Append(EntryTxCreated, "tx-1", "/a.tf", nil)
	_ = w.Close()

	files := w.listWALFiles()
	f, err := os.OpenFile(files[0], os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"timestamp":"2026-01-0`)
	_ = f.Close()

	count := 0
	if err := Replay(dir, time.Time{}, func(*Entry) error { count++; return nil }); err != nil {
		t.Fatalf("torn tail should be skipped, got %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 entry, got %d", count)
	}
}

func TestReplay_CorruptionInTheMiddleFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tollgate-20260101-000000-1-000001.wal")
	content := `{"timestamp":"2026-01-01T00:00:00Z","sequence":1,"type":"decided"}
not json
{"timestamp":"2026-01-01T00:00:01Z","sequence":2,"type":"decided"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	err := Replay(dir, time.Time{}, func(*Entry) error { return nil })
	if !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("Expected ErrCorruptEntry, got %v", err)
	}
}

func TestReplay_Since(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	w.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for i := 0; i < 4; i++ {
		_ = w.Append(EntryDecided, "", "r", nil)
	}
	_ = w.Close()

	count := 0
	_ = Replay(dir, base.Add(2*time.Minute+30*time.Second), func(*Entry) error { count++; return nil })
	if count != 2 {
		t.Errorf("Expected 2 entries after cutoff, got %d", count)
	}
}

func TestPending(t *testing.T) {
	dir := t.TempDir()
	w, _ := Open(dir)

	_ = w.Append(EntryTxCreated, "tx-done", "", txData{Files: []string{"/a.tf"}})
	_ = w.Append(EntryTxApplying, "tx-done", "/a.tf", nil)
	_ = w.Append(EntryTxCommitted, "tx-done", "", nil)

	_ = w.Append(EntryTxCreated, "tx-crashed", "", txData{Files: []string{"/b.tf", "/c.tf"}})
	_ = w.Append(EntryTxApplying, "tx-crashed", "/b.tf", nil)
	_ = w.Append(EntryTxApplying, "tx-crashed", "/c.tf", nil)
	_ = w.Append(EntryTxApplying, "tx-crashed", "/b.tf", nil)

	_ = w.Append(EntryTxCreated, "tx-aborted", "", nil)
	_ = w.Append(EntryTxAborted, "tx-aborted", "", nil)

	_ = w.Append(EntryDecided, "", "res-1", nil)
	_ = w.Close()

	pending, err := Pending(dir)
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending transaction, got %d: %+v", len(pending), pending)
	}

	tx := pending[0]
	if tx.TxID != "tx-crashed" || tx.State != EntryTxApplying {
		t.Errorf("unexpected pending tx: %+v", tx)
	}
	if len(tx.Files) != 2 || tx.Files[0] != "/b.tf" || tx.Files[1] != "/c.tf" {
		t.Errorf("Files = %v, want [/b.tf /c.tf]", tx.Files)
	}

	var data txData
	if err := json.Unmarshal(tx.Created, &data); err != nil || len(data.Files) != 2 {
		t.Errorf("tx_created data not carried: %s", tx.Created)
	}
}

func TestEntryType_Terminal(t *testing.T) {
	for _, typ := range []EntryType{EntryTxCommitted, EntryTxAborted} {
		if !typ.Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}
	for _, typ := range []EntryType{EntryTxCreated, EntryTxApplying, EntryTxRollingBack, EntryDecided} {
		if typ.Terminal() {
			t.Errorf("%s should not be terminal", typ)
		}
	}
}
