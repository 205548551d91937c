package ingest

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"logd/internal/logrecord"
	"logd/internal/logstore"
)

func fixedCreds(uid, pid int32) PeerCredentials {
	return func(net.Addr) (int32, int32, bool) { return uid, pid, true }
}

func datagram(partition logrecord.Partition, tid int32, payload string) []byte {
	buf := make([]byte, 11+len(payload))
	buf[0] = byte(partition)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(tid))
	// realtime left zero; endpoint falls back to its clock.
	copy(buf[11:], payload)
	return buf
}

func TestRunAcceptsValidDatagram(t *testing.T) {
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer serverConn.Close()

	client, err := net.Dial("udp", serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	store := logstore.New(logstore.Config{})
	ep := New(Config{
		Conn:            serverConn,
		Store:           store,
		PeerCredentials: fixedCreds(1000, 42),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ep.Run(ctx) }()

	if _, err := client.Write(datagram(logrecord.Main, 7, "hello")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ep.Accepted() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ep.Accepted() != 1 {
		t.Fatalf("Accepted = %d, want 1", ep.Accepted())
	}

	used, _ := store.GetUsed(logrecord.Main)
	if used == 0 {
		t.Fatal("expected store to have accounted bytes for the accepted write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunCountsMalformedWithoutStopping(t *testing.T) {
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer serverConn.Close()

	client, err := net.Dial("udp", serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	store := logstore.New(logstore.Config{})
	ep := New(Config{
		Conn:            serverConn,
		Store:           store,
		PeerCredentials: fixedCreds(1000, 42),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ep.Run(ctx) }()

	// Too short to contain a header.
	if _, err := client.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("client Write: %v", err)
	}
	if _, err := client.Write(datagram(logrecord.Main, 1, "ok")); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ep.Accepted() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ep.Malformed() != 1 {
		t.Fatalf("Malformed = %d, want 1", ep.Malformed())
	}
	if ep.Accepted() != 1 {
		t.Fatalf("Accepted = %d, want 1", ep.Accepted())
	}
}
