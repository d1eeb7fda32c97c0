// Package audit keeps a tamper-evident, append-only trail of alert
// lifecycle transitions (creation, status changes, detail updates,
// resolution, deletion). Entries are SHA-256 hash-chained: the hash of entry
// N is computed over its content plus entry N-1's hash, so any edit or
// removal breaks every subsequent link.
//
// Each entry is one JSON line. The file is opened with O_APPEND so writes
// are atomic at the OS level; a mutex serialises appends to keep the
// sequence number and chain tip consistent.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// genesisHash is the all-zero digest linking the first entry.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one recorded lifecycle transition.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	AlertID   int64     `json:"alert_id"`
	Detail    string    `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// chained is the hashed subset of Entry. It excludes EventHash itself.
type chained struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Action    string    `json:"action"`
	AlertID   int64     `json:"alert_id"`
	Detail    string    `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
}

// Trail is the append-only audit log writer. Create with Open; do not copy
// after first use. Safe for concurrent use.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens or creates the trail file at path. An existing file is scanned
// in full to restore the sequence number and chain tip; a malformed or
// broken chain is an error, not silently restarted.
func Open(path string) (*Trail, error) {
	prevHash := genesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		entries, err := Verify(path)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			last := entries[len(entries)-1]
			prevHash = last.EventHash
			seq = last.Seq
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	}
	return &Trail{file: f, prevHash: prevHash, seq: seq}, nil
}

// Record appends one transition. The alerting manager calls this on every
// mutation; it satisfies the manager's Recorder interface.
func (t *Trail) Record(action string, alertID int64, detail string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		Seq:       t.seq + 1,
		Timestamp: time.Now().UTC(),
		Action:    action,
		AlertID:   alertID,
		Detail:    detail,
		PrevHash:  t.prevHash,
	}
	e.EventHash = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	t.seq = e.Seq
	t.prevHash = e.EventHash
	return nil
}

// Close syncs and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		_ = t.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return t.file.Close()
}

// Verify reads the trail at path and checks the full hash chain, returning
// the ordered entries. An empty or absent-content file yields an empty
// slice.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	prevHash := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", prevSeq(entries), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		if computed := hashEntry(e); computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
	}
	return entries, scanner.Err()
}

func prevSeq(entries []Entry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Seq
}

// hashEntry computes the hex SHA-256 digest over the chained fields of e.
func hashEntry(e Entry) string {
	raw, err := json.Marshal(chained{
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Action:    e.Action,
		AlertID:   e.AlertID,
		Detail:    e.Detail,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		// All fields are JSON-serialisable; unreachable.
		panic(fmt.Sprintf("audit: marshal chained entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
