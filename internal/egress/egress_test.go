package egress

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/reader"
	"logd/internal/wire"
)

func newTestEndpoint(t *testing.T) (*Endpoint, *logstore.LogStore, net.Addr) {
	t.Helper()
	registry := reader.New(reader.Config{})
	store := logstore.New(logstore.Config{Notifier: registry})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ep := New(Config{Listener: ln, Store: store, Registry: registry})
	t.Cleanup(func() { ln.Close() })
	return ep, store, ln.Addr()
}

func TestDumpStreamsExactRecords(t *testing.T) {
	ep, store, addr := newTestEndpoint(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ep.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if _, err := store.Write(logrecord.Main, time.Time{}, 1000, 1, 1, []byte("hi")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	mask := uint8(1) << uint(logrecord.Main)
	if _, err := conn.Write([]byte("logIds=" + strconv.Itoa(int(mask)) + " dump\n")); err != nil {
		t.Fatalf("Write request: %v", err)
	}

	r := bufio.NewReader(conn)
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		frame := make([]byte, 4+wire.EgressHeaderSize+len("hi"))
		if _, err := ioReadFull(r, frame); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := r.Read(buf); err == nil {
		t.Fatal("expected EOF or timeout after dump completes, got more data")
	}
}

func ioReadFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
