// Package reader implements the ReaderRegistry and Subscription types
// (spec.md §4.2): the set of live reader subscriptions, their cursors, and
// the dump/tail serving loop that streams records out of a logstore.LogStore
// without ever blocking a writer.
//
// Grounded on internal/query/search.go's scanner/cursor/merge machinery
// (simplified here to a single store instead of a multi-vault merge) and
// internal/ingester/syslog/ingester.go's goroutine-per-connection +
// context.Context cancellation shape, generalized to a goroutine-per-
// subscription worker with a condition-variable-style wake channel instead
// of socket accept loops.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"logd/internal/logerrors"
	"logd/internal/logging"
	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/wire"
)

// DefaultMaxSubscriptions is the per-process subscription cap (§5 Resource
// caps: "per-process maximum subscriptions (configurable, default 1024)").
const DefaultMaxSubscriptions = 1024

// chattyRateLimit bounds how often a subscription may emit a synthetic
// "chatty" drop-report event (§4.2 Backpressure), so a pathologically noisy
// uid cannot flood a recovering tail subscriber.
const chattyRateLimit = rate.Limit(1) // at most one chatty event per second per subscription

// Config configures a Registry.
type Config struct {
	// MaxSubscriptions caps concurrently live subscriptions. Zero means
	// DefaultMaxSubscriptions.
	MaxSubscriptions int64

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Registry is the set of live reader subscriptions (§4.2 ReaderRegistry).
// Writes to the store call NotifyWrite, which wakes every registered
// subscription whose mask includes the written partition.
type Registry struct {
	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription

	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	max := cfg.MaxSubscriptions
	if max <= 0 {
		max = DefaultMaxSubscriptions
	}
	return &Registry{
		subs:   make(map[uuid.UUID]*Subscription),
		sem:    semaphore.NewWeighted(max),
		logger: logging.Default(cfg.Logger).With("component", "reader"),
	}
}

// NotifyWrite implements logstore.Notifier. It is called by LogStore after
// every write returns, never under the store's lock.
func (r *Registry) NotifyWrite(p logrecord.Partition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.mask&(1<<uint(p)) != 0 {
			sub.wake()
		}
	}
}

// Params describes a new subscription request, the registry-level
// equivalent of a parsed wire.EgressRequest (§4.7) plus the resolved start
// sequence.
type Params struct {
	Mask     uint8
	StartSeq uint64 // 0 and 1 both mean "from the oldest resident record"
	StopSeq  uint64 // only meaningful for a non-tail Dump; 0 means "current tail at snapshot time"
	Tail     bool
	PID      *int32
	UID      *int32
	Level    *uint8
}

// Subscription is a reader cursor into the store (§3 Subscription, §4.2).
type Subscription struct {
	ID uuid.UUID

	mask  uint8
	tail  bool
	pid   *int32
	uid   *int32
	level *uint8

	startSeq uint64
	stopSeq  uint64

	mu        sync.Mutex
	cancelled bool
	cancelCh  chan struct{}
	wakeCh    chan struct{}

	lastDelivered uint64
	drops         int64
	limiter       *rate.Limiter

	// partitionCursor tracks, per covered partition, the next
	// logrecord.Record.PartitionSeq expected by this subscription. It is
	// compared against each delivered record's PartitionSeq to detect
	// drops without being skewed by writes to partitions outside mask
	// (§8 Drop accounting). A partition absent from the map hasn't been
	// seen yet; it is seeded on first sight rather than counted as a gap,
	// unless the subscription covers full history from the start.
	partitionCursor map[logrecord.Partition]uint64

	registry *Registry
}

// NewSubscription constructs a subscription from Params but does not
// register it; call Registry.Register to make it live and eligible for
// write notifications.
func NewSubscription(p Params) *Subscription {
	sub := &Subscription{
		ID:              uuid.New(),
		mask:            p.Mask,
		tail:            p.Tail,
		pid:             p.PID,
		uid:             p.UID,
		level:           p.Level,
		startSeq:        p.StartSeq,
		stopSeq:         p.StopSeq,
		cancelCh:        make(chan struct{}),
		wakeCh:          make(chan struct{}, 1),
		limiter:         rate.NewLimiter(chattyRateLimit, 1),
		partitionCursor: make(map[logrecord.Partition]uint64),
	}

	// A subscription covering full history expects every covered
	// partition's first record to carry PartitionSeq 1; seed the cursor
	// so that expectation is checked from the very first record instead
	// of being silently adopted on first sight.
	if p.StartSeq <= 1 {
		for _, part := range logrecord.AllPartitions() {
			if p.Mask&(1<<uint(part)) != 0 {
				sub.partitionCursor[part] = 1
			}
		}
	}
	return sub
}

// ParamsFromRequest resolves a wire.EgressRequest against a store into
// Params, computing the seed window (§4.7): tail=<n> seeds with the most
// recent n matching records; otherwise the dump/tail window starts at the
// sequence corresponding to an explicit start timestamp or, failing that,
// at sequence 1 (the oldest resident record).
func ParamsFromRequest(store *logstore.LogStore, req wire.EgressRequest) Params {
	p := Params{
		Mask:  req.Mask,
		Tail:  !req.Dump,
		PID:   req.PID,
		UID:   req.UID,
		Level: req.Level,
	}

	tailSeq := store.TailSequence()
	p.StopSeq = tailSeq

	switch {
	case req.Tail > 0:
		p.StartSeq = seekTailWindow(store, req, tailSeq)
	case !req.Start.IsZero():
		p.StartSeq = seekTimestamp(store, req.Mask, req.Start, tailSeq)
	default:
		p.StartSeq = 1
	}
	return p
}

// seekTailWindow scans the store from the beginning to find the sequence
// number that starts a window of the last req.Tail records matching the
// request's mask/pid/uid filters, by keeping a bounded ring of candidate
// sequences. This is a full scan of the live (quota-bounded) record set,
// acceptable since the live set per partition is capped by its byte quota.
func seekTailWindow(store *logstore.LogStore, req wire.EgressRequest, tailSeq uint64) uint64 {
	ring := make([]uint64, 0, req.Tail)
	for rec := range store.Snapshot(req.Mask, 1, tailSeq) {
		if !matchesRequest(req, rec) {
			continue
		}
		if len(ring) == req.Tail {
			ring = ring[1:]
		}
		ring = append(ring, rec.Sequence)
	}
	if len(ring) == 0 {
		return 1
	}
	return ring[0]
}

// seekTimestamp scans forward for the first record at or after t, matching
// the spec's "optional start timestamp" Subscription attribute (§3).
func seekTimestamp(store *logstore.LogStore, mask uint8, t time.Time, tailSeq uint64) uint64 {
	for rec := range store.Snapshot(mask, 1, tailSeq) {
		if !rec.Realtime.Before(t) {
			return rec.Sequence
		}
	}
	return tailSeq + 1
}

func matchesRequest(req wire.EgressRequest, rec logrecord.Record) bool {
	if req.PID != nil && rec.PID != *req.PID {
		return false
	}
	if req.UID != nil && rec.UID != *req.UID {
		return false
	}
	return true
}

// Register adds sub to the registry, enforcing the per-process
// subscription cap (§5). Returns logerrors.ErrResourceExhausted if the cap
// is reached.
func (r *Registry) Register(sub *Subscription) error {
	if !r.sem.TryAcquire(1) {
		return fmt.Errorf("reader: %w: subscription limit reached", logerrors.ErrResourceExhausted)
	}
	sub.registry = r
	r.mu.Lock()
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	r.logger.Debug("subscription registered", "id", sub.ID, "mask", sub.mask, "tail", sub.tail)
	return nil
}

// Unregister removes sub from the registry and releases its capacity slot.
// Safe to call more than once.
func (r *Registry) Unregister(sub *Subscription) {
	r.mu.Lock()
	_, ok := r.subs[sub.ID]
	delete(r.subs, sub.ID)
	r.mu.Unlock()
	if ok {
		r.sem.Release(1)
		r.logger.Debug("subscription unregistered", "id", sub.ID)
	}
}

// Count returns the number of currently live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (s *Subscription) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Cancel sets the cancel flag and wakes the subscription so its worker
// returns within one batch of latency (§4.2, §5 Cancellation).
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if !s.cancelled {
		s.cancelled = true
		close(s.cancelCh)
	}
	s.mu.Unlock()
	s.wake()
}

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// Drops returns the subscription's current drop counter: the number of
// records it never observed because they were evicted before its cursor
// reached them (§3 Lifecycle, §4.1 Pruning, §8 Drop accounting).
func (s *Subscription) Drops() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
