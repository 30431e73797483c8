package call

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// journalFile is the append-only log inside the store directory. Each line
// is a full JSON snapshot of one call record; the last line per callId wins.
const journalFile = "calls.jsonl"

// staleActiveAfter is how old a non-terminal journal entry may be at startup
// before it is written off as a crash leftover.
const staleActiveAfter = 5 * time.Minute

// Journal persists call records as JSON lines. Writes are serialized; the
// file is opened once and synced after every append so a crash loses at most
// the line being written.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *slog.Logger
}

// OpenJournal creates the store directory (private to the owning user) and
// opens the journal for appending.
func OpenJournal(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	path := filepath.Join(dir, journalFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{
		path:   path,
		file:   f,
		logger: logger.With("subsystem", "journal"),
	}, nil
}

// Append writes one record snapshot as a JSON line.
func (j *Journal) Append(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding call record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending call record: %w", err)
	}
	return j.file.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// load reads the journal and returns the last snapshot per callId, in first
// seen order. Undecodable lines are skipped with a warning so one corrupt
// write cannot take the whole history down.
func (j *Journal) load() ([]*Record, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	latest := make(map[string]*Record)
	var order []string

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			j.logger.Warn("skipping corrupt journal line", "line", line, "error", err)
			continue
		}
		if rec.CallID == "" {
			continue
		}
		if _, seen := latest[rec.CallID]; !seen {
			order = append(order, rec.CallID)
		}
		latest[rec.CallID] = &rec
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	out := make([]*Record, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// All returns the last known snapshot of every call in the journal.
func (j *Journal) All() ([]*Record, error) {
	return j.load()
}

// Lookup returns the last snapshot for one call id.
func (j *Journal) Lookup(callID string) (*Record, bool, error) {
	recs, err := j.load()
	if err != nil {
		return nil, false, err
	}
	for _, rec := range recs {
		if rec.CallID == callID {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// Recover returns the non-terminal calls left over from the previous run.
// Entries older than staleActiveAfter are rewritten as errored crash
// leftovers instead of being resumed.
func (j *Journal) Recover(now time.Time) ([]*Record, error) {
	recs, err := j.load()
	if err != nil {
		return nil, err
	}
	var active []*Record
	for _, rec := range recs {
		if rec.State.Terminal() {
			continue
		}
		started := time.UnixMilli(rec.StartedAt)
		if now.Sub(started) > staleActiveAfter {
			rec.State = StateError
			rec.EndReason = "error"
			rec.EndedAt = now.UnixMilli()
			if err := j.Append(rec); err != nil {
				j.logger.Warn("writing off stale call failed", "callId", rec.CallID, "error", err)
			} else {
				j.logger.Info("wrote off stale call from previous run", "callId", rec.CallID)
			}
			continue
		}
		active = append(active, rec)
	}
	return active, nil
}
