// Package ingest implements the IngestEndpoint (spec.md §4.6): a datagram
// socket that frames inbound records, attributes them to a uid/pid via the
// platform socket's peer credentials, and dispatches them to a
// logstore.LogStore. Malformed datagrams are dropped and counted; the
// ingest socket itself is never closed by a bad datagram (§7).
//
// Grounded on internal/ingester/syslog/ingester.go's runUDP: a
// deadline-based read loop that treats a read timeout as "check ctx and
// keep going" and a net.ErrClosed read error as a clean shutdown signal.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"logd/internal/logclock"
	"logd/internal/logerrors"
	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/wire"
)

// maxDatagramSize is the largest datagram the endpoint will read: the
// fixed header plus the largest permitted ingest payload (§6).
const maxDatagramSize = wire.IngestHeaderSize + logrecord.MaxIngestPayloadLen

// readDeadline bounds each ReadFrom call so the accept loop can notice
// context cancellation promptly, matching the teacher's one-second poll.
const readDeadline = time.Second

// PeerCredentials resolves the uid and pid of the process that sent a
// datagram from the given source address. The real implementation reads
// SO_PEERCRED (Linux) or the platform equivalent off the underlying
// socket; that is not a dependency available to this core (see
// DESIGN.md's internal/ingest notes), so it is modeled as an injectable seam.
type PeerCredentials func(addr net.Addr) (uid, pid int32, ok bool)

// SecurityAuthorizer reports whether (uid, pid) may write to the security
// partition (§7 PermissionDenied, §9 Open Questions: "platform-policy
// dependent"). When Config.SecurityAuthorizer is nil, New installs a
// default that admits only uid 0 (root) and uid 1000 (system).
type SecurityAuthorizer func(uid, pid int32) bool

// Config configures an Endpoint.
type Config struct {
	// Conn is the bound datagram socket. Required. In production this is
	// a unixgram socket; tests may use any net.PacketConn (e.g. UDP loop-
	// back) since the framing and dispatch logic is transport-agnostic.
	Conn net.PacketConn

	// Store receives every successfully decoded record.
	Store *logstore.LogStore

	// PeerCredentials resolves uid/pid for a source address. Required.
	PeerCredentials PeerCredentials

	// SecurityAuthorizer gates writes to the security partition. Optional;
	// if nil, only uid 0 and uid 1000 may write there.
	SecurityAuthorizer SecurityAuthorizer

	// Clock supplies the fallback realtime stamp when a datagram carries
	// no kernel timestamp worth trusting over the wire value. If nil,
	// logclock.System is used.
	Clock logclock.Clock

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Endpoint is the IngestEndpoint.
type Endpoint struct {
	conn   net.PacketConn
	store  *logstore.LogStore
	creds  PeerCredentials
	authz  SecurityAuthorizer
	clock  logclock.Clock
	logger *slog.Logger

	accepted  atomic.Int64
	malformed atomic.Int64
	denied    atomic.Int64
}

// New creates an Endpoint. Panics if cfg.Conn, cfg.Store, or
// cfg.PeerCredentials is nil, since those are required collaborators, not
// optional configuration.
func New(cfg Config) *Endpoint {
	if cfg.Conn == nil || cfg.Store == nil || cfg.PeerCredentials == nil {
		panic("ingest: Conn, Store, and PeerCredentials are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logclock.System
	}
	authz := cfg.SecurityAuthorizer
	if authz == nil {
		authz = func(uid, _ int32) bool { return uid == 0 || uid == 1000 }
	}
	return &Endpoint{
		conn:   cfg.Conn,
		store:  cfg.Store,
		creds:  cfg.PeerCredentials,
		authz:  authz,
		clock:  clock,
		logger: logging.Default(cfg.Logger).With("component", "ingest"),
	}
}

// Accepted returns the number of datagrams successfully accepted.
func (e *Endpoint) Accepted() int64 { return e.accepted.Load() }

// Malformed returns the number of datagrams dropped for framing errors.
func (e *Endpoint) Malformed() int64 { return e.malformed.Load() }

// Denied returns the number of datagrams dropped for a permission failure.
func (e *Endpoint) Denied() int64 { return e.denied.Load() }

// Run reads datagrams until ctx is cancelled or the socket is closed.
// Never returns an error for a malformed or unauthorized datagram (§7:
// "ingest errors are counted and discarded; datagram sockets do not
// close").
func (e *Endpoint) Run(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)
	e.logger.Info("ingest endpoint starting", "addr", e.conn.LocalAddr())

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if dl, ok := e.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = dl.SetReadDeadline(time.Now().Add(readDeadline))
		}

		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.logger.Warn("ingest read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		e.handleDatagram(buf[:n], addr)
	}
}

func (e *Endpoint) handleDatagram(buf []byte, addr net.Addr) {
	dg, err := wire.DecodeIngestDatagram(buf)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Debug("malformed ingest datagram", "error", err, "from", addr)
		return
	}

	uid, pid, ok := e.creds(addr)
	if !ok {
		e.malformed.Add(1)
		e.logger.Debug("could not resolve peer credentials", "from", addr)
		return
	}

	if dg.Partition == logrecord.Security && e.authz != nil && !e.authz(uid, pid) {
		e.denied.Add(1)
		e.logger.Warn("permission denied writing to security partition", "uid", uid, "pid", pid,
			"error", logerrors.ErrPermissionDenied)
		return
	}

	realtime := dg.Realtime
	if realtime.IsZero() {
		realtime = e.clock.Now()
	}

	res, err := e.store.Write(dg.Partition, realtime, uid, pid, dg.TID, dg.Payload)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Debug("rejected ingest datagram", "error", err, "partition", dg.Partition)
		return
	}
	_ = res
	e.accepted.Add(1)
}

// Close closes the underlying socket, causing a blocked Run to return.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
