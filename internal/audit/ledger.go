package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/forge/internal/types"
)

// Recorder is implemented by anything that accepts audit entries.
// Components depend on this rather than on *Ledger.
type Recorder interface {
	Record(ctx context.Context, e Entry) (Entry, error)
}

// Filter selects entries in Query. Zero values match everything.
type Filter struct {
	Actor      string
	ActionType ActionType
	Outcome    types.Outcome
	RiskLevel  types.RiskLevel
	Since      time.Time
	Limit      int
	Offset     int
}

func (f Filter) matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Ledger is the append-only audit log. Entries are kept in memory for
// querying and appended, one JSON document per line, to the backing file.
// Entries are never mutated or deleted.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	entries []Entry
	nextSeq int64

	// Now is the clock used to stamp entries (overridable in tests)
	Now func() time.Time
	// OnRecord is called after every successful append (used for metrics)
	OnRecord func(Entry)
}

// Open opens (or creates) the ledger at path and loads existing entries.
// An empty path yields a memory-only ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, nextSeq: 1, Now: time.Now}
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// load reads existing lines. Sequence numbers must be strictly increasing;
// anything else means the file was edited and is refused.
func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("audit log %s line %d: %w", l.path, line, err)
		}
		if e.Seq < l.nextSeq {
			return fmt.Errorf("audit log %s line %d: sequence %d not increasing", l.path, line, e.Seq)
		}
		l.entries = append(l.entries, e)
		l.nextSeq = e.Seq + 1
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan audit log: %w", err)
	}
	return nil
}

// Record validates e, stamps it with a sequence number and timestamp, and
// appends it. The stored entry is returned. Entries usually describe a
// change that already happened, so a cancelled ctx does not stop the write.
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, types.Wrap(types.KindValidation, "audit.record", err)
	}

	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.Now().UTC()
	}
	e.Seq = l.nextSeq
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	e.Scope = append([]string(nil), e.Scope...)

	if l.file != nil {
		data, err := json.Marshal(e)
		if err != nil {
			l.mu.Unlock()
			return Entry{}, fmt.Errorf("failed to encode audit entry: %w", err)
		}
		data = append(data, '\n')
		if _, err := l.file.Write(data); err != nil {
			l.mu.Unlock()
			return Entry{}, fmt.Errorf("failed to append audit entry: %w", err)
		}
		if err := l.file.Sync(); err != nil {
			l.mu.Unlock()
			return Entry{}, fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	l.entries = append(l.entries, e)
	l.nextSeq++
	hook := l.OnRecord
	l.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	return e, nil
}

// Query returns matching entries (newest first) and the total number of
// matches before Limit/Offset are applied.
func (l *Ledger) Query(f Filter) ([]Entry, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if f.matches(&l.entries[i]) {
			matched = append(matched, l.entries[i])
		}
	}
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Entry{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	if matched == nil {
		matched = []Entry{}
	}
	return matched, total
}

// Counts returns the number of entries per risk level.
func (l *Ledger) Counts() map[types.RiskLevel]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := map[types.RiskLevel]int{}
	for _, e := range l.entries {
		counts[e.RiskLevel]++
	}
	return counts
}

// Actors lists distinct actors in the ledger, sorted.
func (l *Ledger) Actors() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := map[string]bool{}
	for _, e := range l.entries {
		seen[e.Actor] = true
	}
	actors := make([]string, 0, len(seen))
	for a := range seen {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	return actors
}

// Close closes the backing file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
