// Package daemon wires the logd components together into a running
// process: construct the store, reader registry, tag registry, and the
// three network endpoints, supervise them until shutdown, and run the
// scheduled background jobs described in SPEC_FULL.md's supplemented
// features (statistics digest, idle defensive quota sweep).
//
// Grounded on cmd/gastrolog/main.go's run()/serveAndAwaitShutdown() shape
// (resolve config, construct components, run until ctx is cancelled, stop
// in reverse order) and internal/orchestrator/orchestrator.go's
// Start/Stop goroutine supervision, replacing its raw sync.WaitGroup with
// golang.org/x/sync/errgroup per SPEC_FULL.md's DOMAIN STACK.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"logd/internal/config"
	"logd/internal/control"
	"logd/internal/egress"
	"logd/internal/ingest"
	"logd/internal/logclock"
	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/persist"
	"logd/internal/prunelist"
	"logd/internal/reader"
	"logd/internal/tagregistry"
)

// defaultDigestInterval and defaultQuotaSweepInterval are the periods of
// the two scheduled jobs described in SPEC_FULL.md's supplemented
// features #3 and #4.
const (
	defaultDigestInterval     = time.Minute
	defaultQuotaSweepInterval = 30 * time.Second
	defaultConfigSyncInterval = time.Minute
)

// Config configures a Daemon.
type Config struct {
	// IngestConn is the bound ingest datagram socket. Required.
	IngestConn net.PacketConn

	// EgressListener is the bound egress stream socket. Required.
	EgressListener net.Listener

	// ControlListener is the bound control stream socket. Required.
	ControlListener net.Listener

	// PeerCredentials resolves uid/pid for ingest datagrams. Required.
	PeerCredentials ingest.PeerCredentials

	// SecurityAuthorizer gates writes to the security partition. Optional.
	SecurityAuthorizer ingest.SecurityAuthorizer

	// ConfigStore persists administrative state (quotas, prune list, tag
	// map paths) across restarts. Optional: if nil, state is in-memory
	// only for the life of the process.
	ConfigStore config.Store

	// TagMapPaths lists the on-disk tag-map files, used if ConfigStore is
	// nil or has no saved state yet.
	TagMapPaths []string

	// PersistPath is the file cmd/logpersist's background tail writes to.
	PersistPath string

	// Levels is the daemon's component-filtered log handler, exposed to
	// the control endpoint's setLogLevel command. Optional.
	Levels control.LevelSetter

	// Version is reported by the control endpoint's getVersion command.
	Version string

	// MaxSubscriptions caps concurrent egress subscriptions. Zero means
	// reader.DefaultMaxSubscriptions.
	MaxSubscriptions int64

	// DigestInterval and QuotaSweepInterval override the scheduled job
	// periods. Zero means the package defaults.
	DigestInterval     time.Duration
	QuotaSweepInterval time.Duration

	// Clock supplies realtime stamps when not provided by a caller. If
	// nil, logclock.System is used.
	Clock logclock.Clock

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Daemon owns every long-lived logd component and its lifecycle.
type Daemon struct {
	store    *logstore.LogStore
	registry *reader.Registry
	tags     *tagregistry.Registry
	ingest   *ingest.Endpoint
	egress   *egress.Endpoint
	control  *control.Endpoint
	persist  *persist.Manager

	configStore config.Store
	tagPaths    []string
	scheduler   gocron.Scheduler
	startTime   time.Time
	logger      *slog.Logger
}

// New constructs every component but does not start accepting connections
// or running scheduled jobs; call Run for that.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	if cfg.IngestConn == nil || cfg.EgressListener == nil || cfg.ControlListener == nil {
		return nil, fmt.Errorf("daemon: IngestConn, EgressListener, and ControlListener are required")
	}
	if cfg.PeerCredentials == nil {
		return nil, fmt.Errorf("daemon: PeerCredentials is required")
	}
	logger := logging.Default(cfg.Logger).With("component", "daemon")
	clock := cfg.Clock
	if clock == nil {
		clock = logclock.System
	}

	quotas, pruneSpec, tagPaths, err := resolveState(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var prune *prunelist.List
	if pruneSpec != "" {
		prune, err = prunelist.Parse(pruneSpec)
		if err != nil {
			return nil, fmt.Errorf("daemon: parse saved prune list: %w", err)
		}
	}

	registry := reader.New(reader.Config{MaxSubscriptions: cfg.MaxSubscriptions, Logger: cfg.Logger})
	store := logstore.New(logstore.Config{
		Quotas:    quotas,
		PruneList: prune,
		Notifier:  registry,
		Clock:     clock,
		Logger:    cfg.Logger,
	})

	tags, err := tagregistry.New(tagregistry.Config{Paths: tagPaths, Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("daemon: load tag registry: %w", err)
	}
	if err := tags.Watch(); err != nil {
		logger.Warn("tag-map file watch failed, external edits require explicit reinit", "error", err)
	}

	persistMgr := persist.New(persist.Config{Store: store, Registry: registry, Path: cfg.PersistPath, Logger: cfg.Logger})

	ingestEP := ingest.New(ingest.Config{
		Conn:               cfg.IngestConn,
		Store:              store,
		PeerCredentials:    cfg.PeerCredentials,
		SecurityAuthorizer: cfg.SecurityAuthorizer,
		Clock:              clock,
		Logger:             cfg.Logger,
	})
	egressEP := egress.New(egress.Config{
		Listener: cfg.EgressListener,
		Store:    store,
		Registry: registry,
		Clock:    clock,
		Logger:   cfg.Logger,
	})

	startTime := clock.Now()
	controlEP := control.New(control.Config{
		Listener:  cfg.ControlListener,
		Store:     store,
		Tags:      tags,
		Levels:    cfg.Levels,
		Persist:   persistMgr,
		Version:   cfg.Version,
		StartTime: startTime,
		Logger:    cfg.Logger,
	})

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("daemon: create scheduler: %w", err)
	}

	d := &Daemon{
		store:       store,
		registry:    registry,
		tags:        tags,
		ingest:      ingestEP,
		egress:      egressEP,
		control:     controlEP,
		persist:     persistMgr,
		configStore: cfg.ConfigStore,
		tagPaths:    tagPaths,
		scheduler:   scheduler,
		startTime:   startTime,
		logger:      logger,
	}

	digestInterval := cfg.DigestInterval
	if digestInterval <= 0 {
		digestInterval = defaultDigestInterval
	}
	quotaSweepInterval := cfg.QuotaSweepInterval
	if quotaSweepInterval <= 0 {
		quotaSweepInterval = defaultQuotaSweepInterval
	}
	if err := d.scheduleJobs(digestInterval, quotaSweepInterval); err != nil {
		return nil, err
	}

	return d, nil
}

// resolveState merges the persisted config (if any) with the caller's
// explicit Config, preferring saved state so administrative changes
// survive a restart (§6 Persisted state, SPEC_FULL.md's Configuration
// ambient-stack item).
func resolveState(ctx context.Context, cfg Config) (map[logrecord.Partition]int64, string, []string, error) {
	tagPaths := cfg.TagMapPaths
	var pruneSpec string
	quotas := make(map[logrecord.Partition]int64)

	if cfg.ConfigStore == nil {
		return quotas, pruneSpec, tagPaths, nil
	}

	saved, err := cfg.ConfigStore.Load(ctx)
	if err != nil {
		return nil, "", nil, fmt.Errorf("daemon: load saved config: %w", err)
	}
	if saved == nil {
		return quotas, pruneSpec, tagPaths, nil
	}

	for name, q := range saved.Quotas {
		if p, ok := logrecord.ParsePartition(name); ok {
			quotas[p] = q
		}
	}
	pruneSpec = saved.PruneList
	if len(saved.TagMapPaths) > 0 {
		tagPaths = saved.TagMapPaths
	}
	return quotas, pruneSpec, tagPaths, nil
}

// scheduleJobs registers the statistics digest and idle quota sweep jobs
// (SPEC_FULL.md supplemented features #3, #4) plus a periodic save of
// administrative state when a config.Store is configured.
func (d *Daemon) scheduleJobs(digestInterval, quotaSweepInterval time.Duration) error {
	if _, err := d.scheduler.NewJob(
		gocron.DurationJob(digestInterval),
		gocron.NewTask(d.logDigest),
		gocron.WithName("statistics-digest"),
	); err != nil {
		return fmt.Errorf("daemon: schedule statistics digest: %w", err)
	}

	if _, err := d.scheduler.NewJob(
		gocron.DurationJob(quotaSweepInterval),
		gocron.NewTask(d.sweepQuotas),
		gocron.WithName("idle-quota-sweep"),
	); err != nil {
		return fmt.Errorf("daemon: schedule idle quota sweep: %w", err)
	}

	if d.configStore != nil {
		if _, err := d.scheduler.NewJob(
			gocron.DurationJob(defaultConfigSyncInterval),
			gocron.NewTask(d.syncConfig),
			gocron.WithName("config-sync"),
		); err != nil {
			return fmt.Errorf("daemon: schedule config sync: %w", err)
		}
	}
	return nil
}

// logDigest logs a one-line per-partition bytes/records/drops summary
// (SPEC_FULL.md supplemented feature #3). Read-only; never touches
// pruning decisions.
func (d *Daemon) logDigest() {
	for _, p := range logrecord.AllPartitions() {
		bytes, records, drops := d.store.Stats().PartitionTotals(p)
		d.logger.Info("statistics digest", "partition", p, "bytes", bytes, "records", records, "drops", drops)
	}
}

// sweepQuotas re-checks every partition against its current quota
// (SPEC_FULL.md supplemented feature #4): a no-op unless an
// administrative quota decrease left a partition transiently over budget
// with no subsequent write to trigger synchronous pruning.
func (d *Daemon) sweepQuotas() {
	for _, p := range logrecord.AllPartitions() {
		d.store.EnforceQuota(p)
	}
}

// syncConfig persists the current administrative state (quotas, prune
// list, tag map paths) so it survives a restart.
func (d *Daemon) syncConfig() {
	cfg := &config.Config{Quotas: make(map[string]int64)}
	for _, p := range logrecord.AllPartitions() {
		q, err := d.store.GetQuota(p)
		if err != nil {
			continue
		}
		cfg.Quotas[p.String()] = q
	}
	cfg.PruneList = d.store.PruneList().Format()
	cfg.TagMapPaths = d.tagPaths

	if err := d.configStore.Save(context.Background(), cfg); err != nil {
		d.logger.Warn("config sync failed", "error", err)
	}
}

// Run starts the scheduler and all three endpoints, blocking until ctx is
// cancelled or one of them returns an error, then stops everything in
// reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.scheduler.Start()
	defer func() {
		if err := d.scheduler.Shutdown(); err != nil {
			d.logger.Warn("scheduler shutdown error", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingest.Run(gctx) })
	g.Go(func() error { return d.egress.Run(gctx) })
	g.Go(func() error { return d.control.Run(gctx) })

	d.logger.Info("daemon started")
	err := g.Wait()

	if d.persist.Running() {
		if stopErr := d.persist.Stop(); stopErr != nil {
			d.logger.Warn("persist stop error", "error", stopErr)
		}
	}
	if err := d.tags.Close(); err != nil {
		d.logger.Warn("tag registry close error", "error", err)
	}
	if d.configStore != nil {
		d.syncConfig()
	}
	d.logger.Info("daemon stopped")
	return err
}

// Close closes the underlying sockets, causing a blocked Run to return
// promptly even if ctx is never cancelled.
func (d *Daemon) Close() error {
	if err := d.ingest.Close(); err != nil {
		return err
	}
	if err := d.egress.Close(); err != nil {
		return err
	}
	return d.control.Close()
}

// Store exposes the underlying LogStore, for administrative tooling that
// runs in-process (e.g. a future embedded bugreport collector).
func (d *Daemon) Store() *logstore.LogStore { return d.store }
