package reader

import (
	"context"

	"logd/internal/logrecord"
	"logd/internal/logstore"
	"logd/internal/wire"
)

// Deliver is called once per record a subscription emits, in strictly
// increasing sequence order (§4.2 Ordering guarantees). A non-nil error
// (typically a socket write failure) terminates the subscription.
type Deliver func(rec logrecord.Record) error

// Chatty is called when a subscription detects it skipped over evicted
// records, rate-limited to at most one call per second per subscription
// (§4.2 Backpressure: "optionally reported as a synthetic 'chatty' event").
// partition is the partition of the record immediately following the gap;
// count is the number of sequence numbers skipped.
type Chatty func(partition logrecord.Partition, count int64) error

// Serve runs the subscription's dump or tail loop against store, calling
// deliver for every matching record and chatty (if non-nil) when a gap is
// detected, until the subscription terminates:
//   - Dump mode returns nil after the initial range is exhausted.
//   - Tail mode blocks on new writes (via Registry.NotifyWrite) until
//     ctx is cancelled or Cancel is called, then returns.
//   - Any error returned by deliver or chatty terminates the subscription
//     immediately, propagated to the caller (§4.2 Backpressure,
//     §7 PeerGone).
func (s *Subscription) Serve(ctx context.Context, store *logstore.LogStore, deliver Deliver, chatty Chatty) error {
	expected := s.startSeq
	if expected == 0 {
		expected = 1
	}
	upper := s.stopSeq
	if upper == 0 {
		upper = store.TailSequence()
	}

	for {
		if err := s.serveRange(store, expected, upper, deliver, chatty, &expected); err != nil {
			return err
		}

		if !s.tail {
			return nil
		}
		if s.Cancelled() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cancelCh:
			return nil
		case <-s.wakeCh:
		}
		upper = store.TailSequence()
	}
}

// serveRange emits every record in [from, to] matching the subscription's
// mask and filters, updating *next to the sequence one past the last
// record considered (delivered or skipped) so the caller can resume a tail
// loop from the right place even if the range ended on a filtered-out
// record.
func (s *Subscription) serveRange(store *logstore.LogStore, from, to uint64, deliver Deliver, chatty Chatty, next *uint64) error {
	for rec := range store.Snapshot(s.mask, from, to) {
		if s.Cancelled() {
			return nil
		}

		gap, seen := s.recordGap(rec)
		if seen && gap > 0 {
			if chatty != nil && s.limiter.Allow() {
				if err := chatty(rec.Partition, int64(gap)); err != nil {
					return err
				}
			}
		}

		from = rec.Sequence + 1
		*next = from

		if !s.matches(rec) {
			continue
		}
		if err := deliver(rec); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastDelivered = rec.Sequence
		s.mu.Unlock()
	}
	return nil
}

// recordGap advances the subscription's per-partition cursor to just past
// rec and reports how many PartitionSeq values were skipped since the
// cursor was last there (§8 Drop accounting). Because PartitionSeq is
// local to rec.Partition, writes to other partitions covered by the
// subscription's mask never inflate the gap. seen is false the first time
// a partition is observed by a subscription that didn't seed it at full
// history start (§3 Lifecycle): nothing before a window's own start
// counts as a drop.
func (s *Subscription) recordGap(rec logrecord.Record) (gap int64, seen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expected, seen := s.partitionCursor[rec.Partition]
	if seen {
		gap = int64(rec.PartitionSeq - expected)
		if gap > 0 {
			s.drops += gap
		}
	}
	s.partitionCursor[rec.Partition] = rec.PartitionSeq + 1
	return gap, seen
}

// matches reports whether rec passes the subscription's pid/uid/level
// filters (§3 Subscription: "binary-event partitions ignore level").
func (s *Subscription) matches(rec logrecord.Record) bool {
	if s.pid != nil && rec.PID != *s.pid {
		return false
	}
	if s.uid != nil && rec.UID != *s.uid {
		return false
	}
	if s.level != nil && !rec.Partition.Binary() {
		pri, ok := wire.TextPriority(rec.Payload)
		if !ok || pri < *s.level {
			return false
		}
	}
	return true
}
