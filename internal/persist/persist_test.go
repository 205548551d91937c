package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logd/internal/logerrors"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/reader"
)

func newTestManager(t *testing.T) (*Manager, *logstore.LogStore) {
	t.Helper()
	registry := reader.New(reader.Config{})
	store := logstore.New(logstore.Config{Notifier: registry})
	path := filepath.Join(t.TempDir(), "persist.log")
	m := New(Config{Store: store, Registry: registry, Path: path})
	t.Cleanup(func() { m.Stop() })
	return m, store
}

func waitForContent(t *testing.T, m *Manager, want int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		content, err := m.Cat()
		if err != nil {
			t.Fatalf("Cat: %v", err)
		}
		if strings.Count(content, "\n") >= want {
			return content
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines", want)
	return ""
}

func TestStartStopLifecycle(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.Start(context.Background(), "all", 256, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.Running() {
		t.Fatal("expected Running() true after Start")
	}

	if _, err := store.Write(logrecord.Main, time.Time{}, 1, 2, 3, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	content := waitForContent(t, m, 1)
	if !strings.Contains(content, "hello") {
		t.Fatalf("expected persisted content to contain payload, got %q", content)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Running() {
		t.Fatal("expected Running() false after Stop")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestStartTwiceIsInvalid(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Start(context.Background(), "all", 256, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := m.Start(context.Background(), "all", 256, false)
	if !errors.Is(err, logerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on double start, got %v", err)
	}
}

func TestStartUnknownBufferIsInvalid(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Start(context.Background(), "not-a-partition", 256, false)
	if !errors.Is(err, logerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown buffer, got %v", err)
	}
}

func TestStartFiltersToNamedPartition(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.Start(context.Background(), logrecord.Main.String(), 256, false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := store.Write(logrecord.Main, time.Time{}, 1, 2, 3, []byte("in-main")); err != nil {
		t.Fatalf("Write main: %v", err)
	}
	if _, err := store.Write(logrecord.System, time.Time{}, 1, 2, 3, []byte("in-system")); err != nil {
		t.Fatalf("Write system: %v", err)
	}

	content := waitForContent(t, m, 1)
	time.Sleep(50 * time.Millisecond)
	content, err := m.Cat()
	if err != nil {
		t.Fatalf("Cat: %v", err)
	}
	if !strings.Contains(content, "in-main") {
		t.Fatalf("expected main partition record, got %q", content)
	}
	if strings.Contains(content, "in-system") {
		t.Fatalf("did not expect system partition record, got %q", content)
	}
}

func TestClearTruncatesExistingFile(t *testing.T) {
	m, store := newTestManager(t)
	path := m.path

	if err := os.WriteFile(path, []byte("stale content\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := m.Start(context.Background(), "all", 256, true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := store.Write(logrecord.Main, time.Time{}, 1, 1, 1, []byte("fresh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	content := waitForContent(t, m, 1)
	if strings.Contains(content, "stale") {
		t.Fatalf("expected clear to discard prior content, got %q", content)
	}
}

func TestRotateIfOversizeKeepsNewestHalf(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.Start(context.Background(), "all", MinSizeKB, false); err != nil {
		t.Fatalf("Start: %v", err)
	}

	payload := strings.Repeat("x", 200)
	for i := 0; i < 50; i++ {
		if _, err := store.Write(logrecord.Main, time.Time{}, 1, 1, 1, []byte(payload)); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var size int64
	for time.Now().Before(deadline) {
		info, err := os.Stat(m.path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		size = info.Size()
		if size <= int64(MinSizeKB)*1024 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if size > int64(MinSizeKB)*1024*2 {
		t.Fatalf("expected rotation to bound file size, got %d bytes", size)
	}
}

func TestParseSizeKB(t *testing.T) {
	if _, err := ParseSizeKB("not-a-number"); !errors.Is(err, logerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	n, err := ParseSizeKB("512")
	if err != nil || n != 512 {
		t.Fatalf("ParseSizeKB(512) = %d, %v", n, err)
	}
}
