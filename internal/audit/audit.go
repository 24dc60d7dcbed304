// Package audit keeps a tamper-evident trail of installer attempts. Each
// JSONL entry carries the SHA-256 of the previous one; when the file
// rotates, the new file starts with a sentinel linking back to the old
// chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gooroom/viewer-installer/internal/logging"
)

var log = logging.L("audit")

// Event types recorded by the installer.
const (
	EventDownloadStarted  = "download_started"
	EventDownloadFinished = "download_finished"
	EventInstallStarted   = "install_started"
	EventInstallFinished  = "install_finished"
	EventDeclined         = "declined"
	EventNetworkLost      = "network_lost"
	EventTrailRotated     = "trail_rotated"
)

const genesis = "genesis"

// Privileged steps are synced to disk before Record returns.
var durableEvents = map[string]bool{
	EventInstallStarted:  true,
	EventInstallFinished: true,
}

// Entry is one line of the trail.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Event     string         `json:"event"`
	AttemptID string         `json:"attemptId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Trail appends entries to a size-rotated file. A nil *Trail discards
// everything.
type Trail struct {
	mu       sync.Mutex
	w        *logging.RotatingWriter
	prevHash string
	dropped  atomic.Int64
	now      func() time.Time
}

// Open appends to the trail at path. maxSizeMB and maxBackups use the
// rotating writer's defaults when not positive.
func Open(path string, maxSizeMB, maxBackups int) (*Trail, error) {
	w, err := logging.NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	log.Info("audit trail opened", "path", path)
	return &Trail{w: w, prevHash: genesis, now: time.Now}, nil
}

// Record appends an entry. The chain only advances after a successful
// write, so a failed entry leaves no gap.
func (t *Trail) Record(event, attemptID string, details map[string]any) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	data, entry, err := t.encode(event, attemptID, details, t.prevHash)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "event", event)
		t.dropped.Add(1)
		return
	}

	if t.w.WouldRotate(len(data)) {
		if err := t.rotate(); err != nil {
			log.Error("audit trail rotation failed", logging.KeyError, err)
			t.dropped.Add(1)
			return
		}
		// The sentinel moved the chain; re-link this entry to it.
		if data, entry, err = t.encode(event, attemptID, details, t.prevHash); err != nil {
			t.dropped.Add(1)
			return
		}
	}

	if _, err := t.w.Write(data); err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "event", event)
		t.dropped.Add(1)
		return
	}
	t.prevHash = entry.EntryHash

	if durableEvents[event] {
		if err := t.w.Sync(); err != nil {
			log.Warn("audit entry not synced", logging.KeyError, err, "event", event)
		}
	}
}

// Close closes the trail file.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}

// Dropped returns how many entries could not be written, or -1 for a nil
// trail.
func (t *Trail) Dropped() int64 {
	if t == nil {
		return -1
	}
	return t.dropped.Load()
}

func (t *Trail) rotate() error {
	if err := t.w.Rotate(); err != nil {
		return err
	}
	data, entry, err := t.encode(EventTrailRotated, "", map[string]any{"previousFile": t.w.Backup(1)}, t.prevHash)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	t.prevHash = entry.EntryHash
	return nil
}

func (t *Trail) encode(event, attemptID string, details map[string]any, prev string) ([]byte, Entry, error) {
	entry := Entry{
		Timestamp: t.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		AttemptID: attemptID,
		Details:   details,
		PrevHash:  prev,
	}
	hash, err := Hash(entry)
	if err != nil {
		return nil, Entry{}, err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, Entry{}, err
	}
	return append(data, '\n'), entry, nil
}

// Hash is the chain hash of entry, ignoring its EntryHash field. Fields
// are length-prefixed so no two field combinations collide.
func Hash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.Event, entry.AttemptID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(b))
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that entries form an unbroken chain starting at prev and
// returns the last hash.
func Verify(entries []Entry, prev string) (string, error) {
	for i, e := range entries {
		if e.PrevHash != prev {
			return "", fmt.Errorf("entry %d: prevHash %q does not link to %q", i, e.PrevHash, prev)
		}
		want, err := Hash(e)
		if err != nil {
			return "", fmt.Errorf("entry %d: %w", i, err)
		}
		if e.EntryHash != want {
			return "", fmt.Errorf("entry %d: hash mismatch", i)
		}
		prev = e.EntryHash
	}
	return prev, nil
}
