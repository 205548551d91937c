// Package tagregistry implements the TagRegistry (spec.md §4.5): a
// bidirectional mapping between numeric event tags and (name, format)
// descriptors, persisted to one or more text files and reloaded on
// external edits or an explicit "reinit" control command (§6 Persisted
// state, §4.8).
//
// Grounded on internal/lookup/geoip.go's atomic.Pointer copy-on-write
// reader swap + fsnotify file watch (reused here for a line-oriented tag
// map instead of an MMDB binary database) and internal/logging's
// ComponentFilterHandler copy-on-write map pattern for the same
// lock-free-read shape.
package tagregistry

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"logd/internal/logging"
)

// Entry is one tag binding: a numeric event tag, its name, and its
// printf-style format string (§4.5, §6).
type Entry struct {
	ID     uint32
	Name   string
	Format string
}

var (
	// ErrConflict is returned by Insert when id is already bound to a
	// different (name, format) pair (§3 Invariants: "conflicting
	// re-insertion is rejected").
	ErrConflict = errors.New("tagregistry: conflicting tag binding")
)

// table is the immutable snapshot swapped atomically on every mutation or
// reload, giving concurrent readers a lock-free lookup (§4.5: "Concurrent
// reads share a lock-free lookup (copy-on-write)").
type table struct {
	byID   map[uint32]Entry
	byName map[string]uint32
}

func newTable() *table {
	return &table{byID: make(map[uint32]Entry), byName: make(map[string]uint32)}
}

func (t *table) clone() *table {
	n := newTable()
	for k, v := range t.byID {
		n.byID[k] = v
	}
	for k, v := range t.byName {
		n.byName[k] = v
	}
	return n
}

// Config configures a Registry.
type Config struct {
	// Paths lists the on-disk tag-map files loaded at startup, in order;
	// later files may add new tags but re-declaring an existing id with
	// different (name, format) is a conflict regardless of which file it
	// came from.
	Paths []string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Registry is the daemon's TagRegistry: a file-backed, copy-on-write tag
// table with explicit insertion, lookup, and reinit.
type Registry struct {
	snapshot atomic.Pointer[table]

	mu     sync.Mutex // serializes writers (Insert, Reinit, reload)
	paths  []string
	logger *slog.Logger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watchWg sync.WaitGroup
}

// New creates a Registry and loads the configured tag-map files. A missing
// file is not an error (it simply contributes no entries); a malformed
// line is skipped with a warning log, matching the teacher's tolerant
// parsing of external config inputs.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		paths:  append([]string(nil), cfg.Paths...),
		logger: logging.Default(cfg.Logger).With("component", "tagregistry"),
	}
	r.snapshot.Store(newTable())
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup resolves a numeric tag to its (name, format) descriptor.
func (r *Registry) Lookup(id uint32) (Entry, bool) {
	t := r.snapshot.Load()
	e, ok := t.byID[id]
	return e, ok
}

// LookupByName resolves a tag name to its numeric id.
func (r *Registry) LookupByName(name string) (uint32, bool) {
	t := r.snapshot.Load()
	id, ok := t.byName[name]
	return id, ok
}

// Insert adds a binding, persisting it to the last configured path.
// Idempotent under repeated insertion of an identical (id, name, format)
// triple; returns ErrConflict if id is already bound to a different
// (name, format) (§3 Invariants).
func (r *Registry) Insert(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot.Load()
	if existing, ok := cur.byID[e.ID]; ok {
		if existing == e {
			return nil
		}
		return fmt.Errorf("%w: id %d already bound to %q/%q", ErrConflict, e.ID, existing.Name, existing.Format)
	}

	next := cur.clone()
	next.byID[e.ID] = e
	next.byName[e.Name] = e.ID
	r.snapshot.Store(next)

	if len(r.paths) > 0 {
		if err := r.appendToFile(r.paths[len(r.paths)-1], e); err != nil {
			r.logger.Warn("failed to persist tag insertion", "id", e.ID, "error", err)
		}
	}
	return nil
}

// Dump returns every currently bound entry, for administrative tooling.
func (r *Registry) Dump() []Entry {
	t := r.snapshot.Load()
	out := make([]Entry, 0, len(t.byID))
	for _, e := range t.byID {
		out = append(out, e)
	}
	return out
}

// Reinit reloads every configured tag-map file from scratch, discarding
// any in-memory-only state (§6: "rotated and reloaded on reinit"). Returns
// the number of entries loaded.
func (r *Registry) Reinit() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.reload(); err != nil {
		return 0, err
	}
	return len(r.snapshot.Load().byID), nil
}

// reload rebuilds the table from disk. Caller must hold r.mu.
func (r *Registry) reload() error {
	next := newTable()
	for _, path := range r.paths {
		if err := loadInto(next, path, r.logger); err != nil {
			return err
		}
	}
	r.snapshot.Store(next)
	return nil
}

func loadInto(t *table, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("tagregistry: open %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			logger.Warn("skipping malformed tag-map line", "path", path, "line", lineNo, "error", err)
			continue
		}
		if existing, ok := t.byID[e.ID]; ok && existing != e {
			logger.Warn("conflicting tag binding in tag map, keeping first", "id", e.ID, "path", path, "line", lineNo)
			continue
		}
		t.byID[e.ID] = e
		t.byName[e.Name] = e.ID
	}
	return scanner.Err()
}

// parseLine parses one "id name \"format\"" line (§6 Persisted state).
// The format clause is optional; a bare "id name" line is valid.
func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("tagregistry: expected at least 2 fields, got %d", len(fields))
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("tagregistry: invalid id %q: %w", fields[0], err)
	}
	name := fields[1]

	var format string
	if len(fields) > 2 {
		rest := strings.Join(fields[2:], " ")
		format = strings.Trim(rest, "\"")
	}
	return Entry{ID: uint32(id), Name: name, Format: format}, nil
}

func (r *Registry) appendToFile(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%d %s", e.ID, e.Name)
	if e.Format != "" {
		line += fmt.Sprintf(" %q", e.Format)
	}
	_, err = fmt.Fprintln(f, line)
	return err
}

// Watch starts an fsnotify watch on every configured path, reloading the
// whole table on any write/create event so external edits to the
// event-tag dictionary (e.g. by another process) take effect without
// waiting for an explicit reinit (§6, §4.5).
func (r *Registry) Watch() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()

	if r.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tagregistry: create watcher: %w", err)
	}
	for _, path := range r.paths {
		if err := w.Add(path); err != nil {
			r.logger.Warn("failed to watch tag-map file", "path", path, "error", err)
		}
	}
	r.watcher = w
	r.watchWg.Add(1)
	go r.watchLoop(w)
	return nil
}

func (r *Registry) watchLoop(w *fsnotify.Watcher) {
	defer r.watchWg.Done()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if _, err := r.Reinit(); err != nil {
					r.logger.Warn("tag-map reload failed", "error", err)
				} else {
					r.logger.Info("tag-map reloaded from external edit", "path", ev.Name)
				}
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the file watcher, if running.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watchWg.Wait()
	r.watcher = nil
	return err
}
