// Package egress implements the EgressEndpoint (spec.md §4.7): a stream
// socket that accepts subscription requests and streams framed records
// from a logstore.LogStore via a reader.Subscription. A socket error on
// one connection drops only that connection's subscription (§7 PeerGone).
//
// Grounded on internal/ingester/syslog/ingester.go's runTCP accept loop
// (deadline-based Accept, net.ErrClosed shutdown detection, per-connection
// handler goroutine) combined with internal/ingester/relp/ingester.go's
// per-connection request-then-stream handler shape.
package egress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"logd/internal/logclock"
	"logd/internal/logerrors"
	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/reader"
	"logd/internal/wire"
)

// acceptDeadline bounds each Accept call so the listen loop can notice
// context cancellation promptly (mirrors internal/ingest's readDeadline).
const acceptDeadline = time.Second

// Config configures an Endpoint.
type Config struct {
	// Listener is the bound stream socket. Required.
	Listener net.Listener

	// Store is read from to serve subscriptions.
	Store *logstore.LogStore

	// Registry registers every subscription this endpoint creates.
	Registry *reader.Registry

	// Clock stamps synthetic chatty-event records. If nil, logclock.System
	// is used.
	Clock logclock.Clock

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Endpoint is the EgressEndpoint.
type Endpoint struct {
	listener net.Listener
	store    *logstore.LogStore
	registry *reader.Registry
	clock    logclock.Clock
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates an Endpoint. Panics if cfg.Listener, cfg.Store, or
// cfg.Registry is nil.
func New(cfg Config) *Endpoint {
	if cfg.Listener == nil || cfg.Store == nil || cfg.Registry == nil {
		panic("egress: Listener, Store, and Registry are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logclock.System
	}
	return &Endpoint{
		listener: cfg.Listener,
		store:    cfg.Store,
		registry: cfg.Registry,
		clock:    clock,
		logger:   logging.Default(cfg.Logger).With("component", "egress"),
	}
}

// Run accepts connections until ctx is cancelled or the listener closes.
func (e *Endpoint) Run(ctx context.Context) error {
	e.logger.Info("egress endpoint starting", "addr", e.listener.Addr())

	type deadlineListener interface {
		SetDeadline(time.Time) error
	}

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return nil
		default:
		}

		if dl, ok := e.listener.(deadlineListener); ok {
			_ = dl.SetDeadline(time.Now().Add(acceptDeadline))
		}

		conn, err := e.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				e.wg.Wait()
				return nil
			}
			e.logger.Warn("egress accept error", "error", err)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(ctx, conn)
		}()
	}
}

func (e *Endpoint) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, err := wire.ReadLine(r)
	if err != nil {
		e.logger.Debug("egress request read failed", "error", err)
		return
	}

	req, err := wire.ParseEgressRequest(line)
	if err != nil {
		e.logger.Debug("malformed egress request", "error", err, "line", line)
		return
	}

	params := reader.ParamsFromRequest(e.store, req)
	sub := reader.NewSubscription(params)
	if err := e.registry.Register(sub); err != nil {
		e.logger.Info("egress subscription rejected", "error", err)
		return
	}
	defer e.registry.Unregister(sub)

	deliver := func(rec logrecord.Record) error {
		if err := wire.WriteEgressRecord(conn, rec); err != nil {
			return fmt.Errorf("egress: %w: %v", logerrors.ErrPeerGone, err)
		}
		return nil
	}
	chatty := func(partition logrecord.Partition, count int64) error {
		synthetic := logrecord.Record{
			Partition: partition,
			Realtime:  e.clock.Now(),
			Payload:   []byte(fmt.Sprintf("chatty: %d dropped", count)),
		}
		if err := wire.WriteEgressRecord(conn, synthetic); err != nil {
			return fmt.Errorf("egress: %w: %v", logerrors.ErrPeerGone, err)
		}
		return nil
	}

	if err := sub.Serve(ctx, e.store, deliver, chatty); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Debug("egress subscription terminated", "id", sub.ID, "error", err)
	}
}

// Close closes the listener, causing a blocked Run to return once
// in-flight connections drain.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}
