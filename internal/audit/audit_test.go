package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestTrail(t *testing.T) (*Trail, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "trail.jsonl")
	tr, err := Open(path, 1, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, path
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestNilTrailIsNoop(t *testing.T) {
	var tr *Trail
	tr.Record(EventDownloadStarted, "a1", nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
	if got := tr.Dropped(); got != -1 {
		t.Fatalf("nil Dropped = %d, want -1", got)
	}
}

func TestRecordChainsEntries(t *testing.T) {
	tr, path := newTestTrail(t)
	tr.Record(EventDownloadStarted, "a1", map[string]any{"url": "https://cdn.example.com/viewer.bin"})
	tr.Record(EventDownloadFinished, "a1", map[string]any{"status": "downloaded"})
	tr.Record(EventInstallStarted, "a2", map[string]any{"deps": []string{"libcups2"}})
	tr.Close()

	entries := readEntries(t, path)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesis || entries[0].Event != EventDownloadStarted || entries[0].AttemptID != "a1" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if _, err := Verify(entries, genesis); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tr.Dropped() != 0 {
		t.Fatalf("Dropped = %d", tr.Dropped())
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tr, path := newTestTrail(t)
	tr.Record(EventDownloadStarted, "a1", nil)
	tr.Record(EventDownloadFinished, "a1", map[string]any{"status": "error"})
	tr.Close()

	entries := readEntries(t, path)
	entries[1].Details["status"] = "downloaded"
	if _, err := Verify(entries, genesis); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Verify err = %v, want hash mismatch", err)
	}

	entries = readEntries(t, path)
	entries[1].PrevHash = "forged"
	if _, err := Verify(entries, genesis); err == nil {
		t.Fatal("broken link should fail verification")
	}
}

func TestRotationStartsWithSentinel(t *testing.T) {
	tr, path := newTestTrail(t)
	blob := strings.Repeat("x", 300*1024)
	for i := 0; i < 5; i++ {
		tr.Record(EventDownloadFinished, "a1", map[string]any{"i": i, "output": blob})
	}
	tr.Close()

	rotated := readEntries(t, path+".1")
	current := readEntries(t, path)
	if len(current) == 0 || current[0].Event != EventTrailRotated {
		t.Fatalf("current file should begin with %s, got %+v", EventTrailRotated, current)
	}
	if current[0].Details["previousFile"] != path+".1" {
		t.Fatalf("sentinel previousFile = %v", current[0].Details["previousFile"])
	}
	if current[0].PrevHash != rotated[len(rotated)-1].EntryHash {
		t.Fatal("sentinel must link to the last entry of the rotated file")
	}
	if _, err := Verify(current, current[0].PrevHash); err != nil {
		t.Fatalf("Verify current: %v", err)
	}
}

func TestHashIsLengthPrefixed(t *testing.T) {
	a, err := Hash(Entry{Timestamp: "t", Event: "ab", AttemptID: "c", PrevHash: genesis})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Hash(Entry{Timestamp: "t", Event: "a", AttemptID: "bc", PrevHash: genesis})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("shifting bytes between fields must change the hash")
	}
}
