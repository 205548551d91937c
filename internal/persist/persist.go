// Package persist implements the logpersist administrative service (spec.md
// §6 "Administrative CLI wrapper"): a background tail subscription that
// mirrors a partition's records to a bounded on-disk file so a bugreport
// collector can retrieve them after the fact, started and stopped on
// demand rather than running unconditionally like the core store.
//
// Grounded on internal/egress's subscription-to-socket streaming shape,
// redirected from a network connection to a size-bounded file, and
// internal/chunk/file/manager.go's size-triggered rotation for the
// bounded-file behavior.
package persist

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"logd/internal/logerrors"
	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/reader"
)

// MinSizeKB and MaxSizeKB bound the --size flag (spec.md §6: "1..2048").
const (
	MinSizeKB = 1
	MaxSizeKB = 2048
)

// Manager runs at most one persistent tail at a time, writing matching
// records to a bounded file until Stop is called.
type Manager struct {
	store    *logstore.LogStore
	registry *reader.Registry
	path     string
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	buffer  string
	sizeKB  int
	cancel  context.CancelFunc
	done    chan struct{}
	sub     *reader.Subscription
}

// Config configures a Manager.
type Config struct {
	// Store is tailed for records to persist.
	Store *logstore.LogStore

	// Registry registers the manager's internal tail subscription.
	Registry *reader.Registry

	// Path is the file records are appended to while running.
	Path string

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// New creates a Manager. Panics if cfg.Store, cfg.Registry, or cfg.Path is
// empty, since those are required collaborators.
func New(cfg Config) *Manager {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Path == "" {
		panic("persist: Store, Registry, and Path are required")
	}
	return &Manager{
		store:    cfg.Store,
		registry: cfg.Registry,
		path:     cfg.Path,
		logger:   logging.Default(cfg.Logger).With("component", "persist"),
	}
}

// Start begins persisting buffer (a partition name, or "all") to the
// configured file, clamping sizeKB to [MinSizeKB, MaxSizeKB]. If clear is
// true, any existing file content is discarded first. Returns
// logerrors.ErrInvalidArgument if already running or buffer doesn't name a
// known partition.
func (m *Manager) Start(ctx context.Context, buffer string, sizeKB int, clear bool) error {
	mask, err := resolveBufferMask(buffer)
	if err != nil {
		return err
	}
	if sizeKB < MinSizeKB {
		sizeKB = MinSizeKB
	}
	if sizeKB > MaxSizeKB {
		sizeKB = MaxSizeKB
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("persist: %w: already running", logerrors.ErrInvalidArgument)
	}

	if clear {
		if err := os.WriteFile(m.path, nil, 0o644); err != nil {
			return fmt.Errorf("persist: clear %q: %w", m.path, err)
		}
	}

	sub := reader.NewSubscription(reader.Params{Mask: mask, Tail: true, StartSeq: m.store.TailSequence() + 1})
	if err := m.registry.Register(sub); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.running = true
	m.buffer = buffer
	m.sizeKB = sizeKB
	m.cancel = cancel
	m.done = done
	m.sub = sub

	go m.run(runCtx, sub, sizeKB, done)
	m.logger.Info("persist started", "buffer", buffer, "sizeKB", sizeKB, "clear", clear)
	return nil
}

// Stop halts the active persistence, if any, and waits for its worker to
// exit. A Stop with nothing running is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	sub := m.sub
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
	m.registry.Unregister(sub)
	m.logger.Info("persist stopped")
	return nil
}

// Running reports whether a persistence tail is currently active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Cat returns the current contents of the persisted file.
func (m *Manager) Cat() (string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("persist: read %q: %w", m.path, err)
	}
	return string(data), nil
}

func (m *Manager) run(ctx context.Context, sub *reader.Subscription, sizeKB int, done chan struct{}) {
	defer close(done)

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Error("persist: open file failed", "path", m.path, "error", err)
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	limit := int64(sizeKB) * 1024
	deliver := func(rec logrecord.Record) error {
		line := formatLine(rec)
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return m.rotateIfOversize(f, limit)
	}

	if err := sub.Serve(ctx, m.store, deliver, nil); err != nil && ctx.Err() == nil {
		m.logger.Warn("persist subscription terminated", "error", err)
	}
}

// rotateIfOversize truncates the file's oldest content once it exceeds
// limit bytes, keeping the most recent half (a simple bound matching
// spec.md §6's fixed --size cap rather than the teacher's seal-on-
// threshold rotation, since logpersist keeps a single file, not a chain).
func (m *Manager) rotateIfOversize(f *os.File, limit int64) error {
	if limit <= 0 {
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= limit {
		return nil
	}

	keep := limit / 2
	data, err := os.ReadFile(f.Name())
	if err != nil {
		return err
	}
	if int64(len(data)) > keep {
		data = data[int64(len(data))-keep:]
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func formatLine(rec logrecord.Record) string {
	return fmt.Sprintf("%s %s uid=%d pid=%d tid=%d: %s\n",
		rec.Realtime.Format("01-02 15:04:05.000"), rec.Partition, rec.UID, rec.PID, rec.TID,
		sanitizePayload(rec.Payload))
}

func sanitizePayload(payload []byte) string {
	out := make([]byte, len(payload))
	for i, b := range payload {
		if b == 0 {
			out[i] = ' '
		} else {
			out[i] = b
		}
	}
	return string(out)
}

func resolveBufferMask(buffer string) (uint8, error) {
	if buffer == "" || buffer == "all" {
		var mask uint8
		for _, p := range logrecord.AllPartitions() {
			mask |= 1 << uint(p)
		}
		return mask, nil
	}
	p, ok := logrecord.ParsePartition(buffer)
	if !ok {
		return 0, fmt.Errorf("persist: %w: unknown buffer %q", logerrors.ErrInvalidArgument, buffer)
	}
	return 1 << uint(p), nil
}

// ParseSizeKB parses the --size=<KB> flag value, used by cmd/logpersist.
func ParseSizeKB(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("persist: %w: invalid size %q", logerrors.ErrInvalidArgument, s)
	}
	return n, nil
}
