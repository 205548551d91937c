// Package control implements the ControlEndpoint (spec.md §4.8): a stream
// socket accepting one administrative command per connection, replying
// with a newline-terminated text line and then closing. Administrative
// command parse failures reply with an error line but keep the connection
// open until the client closes it (§7).
//
// Grounded on internal/orchestrator/reconfig*.go's one-admin-verb-per-file
// dispatch shape, adapted from in-process method calls to a line protocol,
// and internal/ingester/syslog/ingester.go's accept-loop/per-connection-
// goroutine pattern reused from internal/egress.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/persist"
	"logd/internal/prunelist"
	"logd/internal/tagregistry"
)

const acceptDeadline = time.Second

// LevelSetter is implemented by the daemon's component-filtered log
// handler; setLogLevel dispatches to it (SPEC_FULL.md supplemented
// feature #1). Optional: if nil, setLogLevel replies "Invalid".
type LevelSetter interface {
	SetLevel(component string, level slog.Level)
}

// Config configures an Endpoint.
type Config struct {
	// Listener is the bound stream socket. Required.
	Listener net.Listener

	// Store is read and mutated by getStatistics/clear/getPruneList/
	// setPruneList.
	Store *logstore.LogStore

	// Tags backs getEventTag and reinit.
	Tags *tagregistry.Registry

	// Levels backs the supplemented setLogLevel command. Optional.
	Levels LevelSetter

	// Persist backs the persistStart/persistStop/persistCat commands that
	// back cmd/logpersist (spec.md §6). Optional: if nil, those commands
	// reply "Invalid".
	Persist *persist.Manager

	// Version is reported by getVersion.
	Version string

	// StartTime is used to compute getUptime's reply.
	StartTime time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Endpoint is the ControlEndpoint.
type Endpoint struct {
	listener  net.Listener
	store     *logstore.LogStore
	tags      *tagregistry.Registry
	levels    LevelSetter
	persist   *persist.Manager
	version   string
	startTime time.Time
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates an Endpoint. Panics if cfg.Listener or cfg.Store is nil.
func New(cfg Config) *Endpoint {
	if cfg.Listener == nil || cfg.Store == nil {
		panic("control: Listener and Store are required")
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	return &Endpoint{
		listener:  cfg.Listener,
		store:     cfg.Store,
		tags:      cfg.Tags,
		levels:    cfg.Levels,
		persist:   cfg.Persist,
		version:   cfg.Version,
		startTime: start,
		logger:    logging.Default(cfg.Logger).With("component", "control"),
	}
}

// Run accepts connections until ctx is cancelled or the listener closes.
func (e *Endpoint) Run(ctx context.Context) error {
	e.logger.Info("control endpoint starting", "addr", e.listener.Addr())

	type deadlineListener interface{ SetDeadline(time.Time) error }

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
			e.logger.Warn("control accept error", "error", err)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer conn.Close()
			e.handleConn(conn)
		}()
	}
}

// handleConn services one command per connection (§4.8: "one command per
// connection"); on an unknown or malformed command it replies "Invalid"
// and returns, closing the connection, except that administrative parse
// failures for otherwise-recognized commands reply with an error line and
// keep the connection open for the client to retry or close explicitly
// (§7).
func (e *Endpoint) handleConn(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		line, err := readLine(r)
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		reply, closeConn := e.dispatch(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
		// A command that succeeded ends the connection; a recognized
		// command whose arguments failed replies "Invalid..." and leaves
		// it open.
		if closeConn || !strings.HasPrefix(reply, "Invalid") {
			return
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dispatch executes one command line and returns its reply plus whether
// the connection closes after sending it even when the reply is an
// "Invalid" error (unknown commands, exit, persistCat).
func (e *Endpoint) dispatch(line string) (reply string, closeConn bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "getStatistics":
		return e.cmdGetStatistics(args), false
	case "clear":
		return e.cmdClear(args), false
	case "getPruneList":
		return e.store.PruneList().Format(), false
	case "setPruneList":
		return e.cmdSetPruneList(line[len(cmd):]), false
	case "getEventTag":
		return e.cmdGetEventTag(args), false
	case "setLogLevel":
		return e.cmdSetLogLevel(args), false
	case "persistStart":
		return e.cmdPersistStart(args), false
	case "persistStop":
		return e.cmdPersistStop(), false
	case "persistCat":
		return e.cmdPersistCat()
	case "getVersion":
		return e.version, false
	case "getUptime":
		return time.Since(e.startTime).Round(time.Second).String(), false
	case "reinit":
		return e.cmdReinit(), false
	case "exit":
		return "success", true
	default:
		return "Invalid", true
	}
}

func (e *Endpoint) cmdGetStatistics(args []string) string {
	var partitions []logrecord.Partition
	if len(args) == 0 {
		partitions = logrecord.AllPartitions()
	} else {
		for _, a := range args {
			p, err := resolvePartitionArg(a)
			if err != nil {
				return "Invalid"
			}
			partitions = append(partitions, p)
		}
	}

	var b strings.Builder
	for _, p := range partitions {
		bytes, records, drops := e.store.Stats().PartitionTotals(p)
		fmt.Fprintf(&b, "%s: bytes=%d records=%d drops=%d\n", p, bytes, records, drops)
		for _, c := range e.store.Stats().Dump(p) {
			fmt.Fprintf(&b, "  uid=%d bytes=%d records=%d drops=%d\n", c.Key, c.Bytes, c.Records, c.Drops)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Endpoint) cmdClear(args []string) string {
	if len(args) != 1 {
		return "Invalid"
	}
	p, err := resolvePartitionArg(args[0])
	if err != nil {
		return "Invalid"
	}
	if err := e.store.Clear(p, nil); err != nil {
		return "Invalid"
	}
	return "success"
}

func (e *Endpoint) cmdSetPruneList(spec string) string {
	parsed, err := prunelist.Parse(spec)
	if err != nil {
		return "Invalid: " + err.Error()
	}
	e.store.SetPruneList(parsed)
	return "success"
}

func (e *Endpoint) cmdGetEventTag(args []string) string {
	if e.tags == nil {
		return "Invalid"
	}
	var name, format string
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return "Invalid"
		}
		switch key {
		case "name":
			name = val
		case "format":
			format = val
		default:
			return "Invalid"
		}
	}
	if name == "" {
		return "Invalid"
	}

	if id, ok := e.tags.LookupByName(name); ok {
		if entry, _ := e.tags.Lookup(id); entry.Format == format {
			return strconv.FormatUint(uint64(id), 10)
		}
		return "Invalid: name bound to a different format"
	}

	id := e.nextTagID()
	if err := e.tags.Insert(tagregistry.Entry{ID: id, Name: name, Format: format}); err != nil {
		return "Invalid: " + err.Error()
	}
	return strconv.FormatUint(uint64(id), 10)
}

// nextTagID picks the smallest positive id not already in use, filling any
// gap below the current maximum before going above it. The
// tag-map file format doesn't reserve an id range for dynamically
// allocated tags, so this is a best-effort allocator good enough for
// administrative tooling; producers that care about a specific id submit
// it directly via the tag-map file and reinit instead.
func (e *Endpoint) nextTagID() uint32 {
	entries := e.tags.Dump()
	ids := make([]uint32, 0, len(entries))
	for _, en := range entries {
		ids = append(ids, en.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var next uint32 = 1
	for _, id := range ids {
		if id == next {
			next++
		}
	}
	return next
}

func (e *Endpoint) cmdSetLogLevel(args []string) string {
	if e.levels == nil {
		return "Invalid"
	}
	var component, levelStr string
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return "Invalid"
		}
		switch key {
		case "component":
			component = val
		case "level":
			levelStr = val
		default:
			return "Invalid"
		}
	}
	if component == "" {
		return "Invalid"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return "Invalid"
	}
	e.levels.SetLevel(component, level)
	return "success"
}

// cmdPersistStart handles logpersist's "start" subcommand (spec.md §6):
// buffer=<name> size=<KB> [clear=1].
func (e *Endpoint) cmdPersistStart(args []string) string {
	if e.persist == nil {
		return "Invalid"
	}
	buffer := "all"
	sizeKB := persist.MinSizeKB
	clear := false
	for _, a := range args {
		key, val, ok := strings.Cut(a, "=")
		if !ok {
			return "Invalid"
		}
		switch key {
		case "buffer":
			buffer = val
		case "size":
			n, err := persist.ParseSizeKB(val)
			if err != nil {
				return "Invalid: " + err.Error()
			}
			sizeKB = n
		case "clear":
			clear = val == "1" || val == "true"
		default:
			return "Invalid"
		}
	}
	if err := e.persist.Start(context.Background(), buffer, sizeKB, clear); err != nil {
		return "Invalid: " + err.Error()
	}
	return "success"
}

func (e *Endpoint) cmdPersistStop() string {
	if e.persist == nil {
		return "Invalid"
	}
	if err := e.persist.Stop(); err != nil {
		return "Invalid: " + err.Error()
	}
	return "success"
}

// cmdPersistCat handles logpersist's "cat" subcommand, replying with the
// full persisted file content and closing the connection afterward since
// the reply itself may contain embedded newlines.
func (e *Endpoint) cmdPersistCat() (string, bool) {
	if e.persist == nil {
		return "Invalid", true
	}
	content, err := e.persist.Cat()
	if err != nil {
		return "Invalid: " + err.Error(), true
	}
	return content, true
}

func (e *Endpoint) cmdReinit() string {
	if e.tags == nil {
		return "success"
	}
	if _, err := e.tags.Reinit(); err != nil {
		return "Invalid: " + err.Error()
	}
	return "success"
}

func resolvePartitionArg(s string) (logrecord.Partition, error) {
	if p, ok := logrecord.ParsePartition(s); ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	p := logrecord.Partition(n)
	if !p.Valid() {
		return 0, fmt.Errorf("control: unknown partition %q", s)
	}
	return p, nil
}

// Close closes the listener, causing a blocked Run to return once
// in-flight connections finish.
func (e *Endpoint) Close() error {
	return e.listener.Close()
}
