package control

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/tagregistry"
)

func newTestEndpoint(t *testing.T) (net.Addr, *logstore.LogStore, *tagregistry.Registry) {
	t.Helper()
	store := logstore.New(logstore.Config{})

	dir := t.TempDir()
	tags, err := tagregistry.New(tagregistry.Config{Paths: []string{filepath.Join(dir, "tags")}})
	if err != nil {
		t.Fatalf("tagregistry.New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ep := New(Config{Listener: ln, Store: store, Tags: tags, Version: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); ln.Close() })
	go func() { _ = ep.Run(ctx) }()

	return ln.Addr(), store, tags
}

func send(t *testing.T, addr net.Addr, cmd string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return strings.TrimRight(reply, "\r\n")
}

func TestClearReturnsSuccess(t *testing.T) {
	addr, store, _ := newTestEndpoint(t)
	if _, err := store.Write(logrecord.Main, time.Time{}, 1, 1, 1, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := send(t, addr, "clear main"); got != "success" {
		t.Fatalf("clear main = %q, want success", got)
	}
	used, _ := store.GetUsed(logrecord.Main)
	if used != 0 {
		t.Fatalf("GetUsed after clear = %d, want 0", used)
	}
}

func TestClearUnknownPartitionIsInvalid(t *testing.T) {
	addr, _, _ := newTestEndpoint(t)
	if got := send(t, addr, "clear nonsense"); got != "Invalid" {
		t.Fatalf("clear nonsense = %q, want Invalid", got)
	}
}

func TestSetPruneListThenGetPruneListRoundTrips(t *testing.T) {
	addr, _, _ := newTestEndpoint(t)
	if got := send(t, addr, "setPruneList main: !1000 2000"); got != "success" {
		t.Fatalf("setPruneList = %q, want success", got)
	}
	got := send(t, addr, "getPruneList")
	if !strings.Contains(got, "!1000") || !strings.Contains(got, "2000") {
		t.Fatalf("getPruneList = %q, want entries for 1000 and 2000", got)
	}
}

func TestGetEventTagAllocatesAndIsIdempotent(t *testing.T) {
	addr, _, _ := newTestEndpoint(t)

	first := send(t, addr, "getEventTag name=my_event format=(a|3)")
	if first == "Invalid" {
		t.Fatalf("getEventTag first call returned Invalid")
	}

	second := send(t, addr, "getEventTag name=my_event format=(a|3)")
	if second != first {
		t.Fatalf("getEventTag not idempotent: %q != %q", second, first)
	}

	conflict := send(t, addr, "getEventTag name=my_event format=(different|3)")
	if !strings.HasPrefix(conflict, "Invalid") {
		t.Fatalf("getEventTag with conflicting format = %q, want Invalid prefix", conflict)
	}
}

func TestUnknownCommandIsInvalid(t *testing.T) {
	addr, _, _ := newTestEndpoint(t)
	if got := send(t, addr, "bogus"); got != "Invalid" {
		t.Fatalf("bogus command = %q, want Invalid", got)
	}
}

func TestGetVersion(t *testing.T) {
	addr, _, _ := newTestEndpoint(t)
	if got := send(t, addr, "getVersion"); got != "test" {
		t.Fatalf("getVersion = %q, want test", got)
	}
}
