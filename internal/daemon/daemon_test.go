package daemon

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"logd/internal/logrecord"
)

func datagram(partition logrecord.Partition, tid int32, payload string) []byte {
	buf := make([]byte, 11+len(payload))
	buf[0] = byte(partition)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(tid))
	copy(buf[11:], payload)
	return buf
}

func newTestDaemon(t *testing.T) (*Daemon, net.PacketConn, net.Addr, net.Addr) {
	t.Helper()

	ingestConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	egressLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen egress: %v", err)
	}
	controlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen control: %v", err)
	}

	ctx := context.Background()
	d, err := New(ctx, Config{
		IngestConn:         ingestConn,
		EgressListener:     egressLn,
		ControlListener:    controlLn,
		PeerCredentials:    func(net.Addr) (int32, int32, bool) { return 1000, 42, true },
		PersistPath:        t.TempDir() + "/persist.log",
		Version:            "test-version",
		DigestInterval:     time.Hour,
		QuotaSweepInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return d, ingestConn, egressLn.Addr(), controlLn.Addr()
}

func TestDaemonRunAndShutdown(t *testing.T) {
	d, ingestConn, _, controlAddr := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	client, err := net.Dial("udp", ingestConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial ingest: %v", err)
	}
	defer client.Close()
	if _, err := client.Write(datagram(logrecord.Main, 7, "hello daemon")); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	reply := sendControlCommand(t, controlAddr.String(), "getVersion")
	if reply != "test-version" {
		t.Fatalf("getVersion = %q, want %q", reply, "test-version")
	}

	deadline := time.Now().Add(2 * time.Second)
	var stats string
	for time.Now().Before(deadline) {
		stats = sendControlCommand(t, controlAddr.String(), "getStatistics main")
		if strings.Contains(stats, "records=1") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(stats, "records=1") {
		t.Fatalf("expected one record ingested, got %q", stats)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestDaemonPersistCommandsRoundTrip(t *testing.T) {
	d, ingestConn, _, controlAddr := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	reply := sendControlCommand(t, controlAddr.String(), "persistStart buffer=all size=64")
	if reply != "success" {
		t.Fatalf("persistStart = %q, want success", reply)
	}

	client, err := net.Dial("udp", ingestConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial ingest: %v", err)
	}
	defer client.Close()
	if _, err := client.Write(datagram(logrecord.Main, 1, "persisted line")); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var cat string
	for time.Now().Before(deadline) {
		cat = sendControlCommand(t, controlAddr.String(), "persistCat")
		if strings.Contains(cat, "persisted line") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(cat, "persisted line") {
		t.Fatalf("expected persisted content, got %q", cat)
	}

	reply = sendControlCommand(t, controlAddr.String(), "persistStop")
	if reply != "success" {
		t.Fatalf("persistStop = %q, want success", reply)
	}
}

func sendControlCommand(t *testing.T, addr, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial control: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprintln(conn, line); err != nil {
		t.Fatalf("write command: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(reply, "\r\n")
}
