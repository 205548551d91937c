// Package logstats maintains per-partition, per-uid, per-pid, and per-tag
// accounting (spec.md §4.3, Statistics) that feeds the store's pruning
// decisions and administrative "getStatistics" queries.
//
// All mutations are expected to happen under the caller's (the store's)
// write lock, matching the teacher's pattern of pure accounting structures
// whose consistency is guaranteed by an outer lock (internal/chunk/retention.go's
// pure-function-over-a-snapshot style, applied here to live counters instead
// of a periodic snapshot since pruning must react synchronously).
package logstats

import (
	"container/heap"
	"encoding/binary"
	"sort"

	"logd/internal/logrecord"
)

// Counter is a bytes/records/drops rollup for one key (a uid, a pid, or a
// numeric event tag) within one partition.
type Counter struct {
	Key     int64
	Bytes   int64
	Records int64
	Drops   int64

	heapIndex int
}

// uidHeap is a max-heap over per-uid Counters ordered by current bytes,
// giving the store's worst-offender prune phase an O(log n) "who is
// biggest" query instead of a linear scan. Grounded on the merge heap in
// internal/query/search.go, adapted from a record-ordering min-heap to a
// byte-share max-heap.
type uidHeap []*Counter

func (h uidHeap) Len() int            { return len(h) }
func (h uidHeap) Less(i, j int) bool  { return h[i].Bytes > h[j].Bytes }
func (h uidHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].heapIndex = i; h[j].heapIndex = j }
func (h *uidHeap) Push(x interface{}) {
	c := x.(*Counter)
	c.heapIndex = len(*h)
	*h = append(*h, c)
}
func (h *uidHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// partitionStats holds all accounting for a single partition.
type partitionStats struct {
	bytes, records, drops int64

	uids *uidHeap
	uidI map[int64]*Counter

	pids map[int64]*Counter
	tags map[int64]*Counter // only populated for binary partitions
}

func newPartitionStats() *partitionStats {
	h := &uidHeap{}
	heap.Init(h)
	return &partitionStats{
		uids: h,
		uidI: make(map[int64]*Counter),
		pids: make(map[int64]*Counter),
		tags: make(map[int64]*Counter),
	}
}

// Statistics is the per-daemon accounting table, one partitionStats per
// logrecord.Partition.
type Statistics struct {
	parts [8]*partitionStats
}

// New creates an empty Statistics table.
func New() *Statistics {
	s := &Statistics{}
	for i := range s.parts {
		s.parts[i] = newPartitionStats()
	}
	return s
}

func (s *Statistics) part(p logrecord.Partition) *partitionStats {
	return s.parts[p]
}

func (ps *partitionStats) uidCounter(uid int32) *Counter {
	key := int64(uid)
	c, ok := ps.uidI[key]
	if !ok {
		c = &Counter{Key: key}
		ps.uidI[key] = c
		heap.Push(ps.uids, c)
	}
	return c
}

func (ps *partitionStats) pidCounter(pid int32) *Counter {
	key := int64(pid)
	c, ok := ps.pids[key]
	if !ok {
		c = &Counter{Key: key}
		ps.pids[key] = c
	}
	return c
}

func (ps *partitionStats) tagCounter(tag uint32) *Counter {
	key := int64(tag)
	c, ok := ps.tags[key]
	if !ok {
		c = &Counter{Key: key}
		ps.tags[key] = c
	}
	return c
}

// eventTag extracts the little-endian 4-byte tag that leads a binary-event
// payload (§6); returns 0, false for short or non-binary payloads.
func eventTag(rec logrecord.Record) (uint32, bool) {
	if !rec.Partition.Binary() || len(rec.Payload) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(rec.Payload[:4]), true
}

// Add accounts for a newly inserted record. Must be called under the
// store's write lock.
func (s *Statistics) Add(rec logrecord.Record) {
	ps := s.part(rec.Partition)
	n := int64(rec.Bytes())

	ps.bytes += n
	ps.records++

	uc := ps.uidCounter(rec.UID)
	uc.Bytes += n
	uc.Records++
	heap.Fix(ps.uids, uc.heapIndex)

	pc := ps.pidCounter(rec.PID)
	pc.Bytes += n
	pc.Records++

	if tag, ok := eventTag(rec); ok {
		tc := ps.tagCounter(tag)
		tc.Bytes += n
		tc.Records++
	}
}

// Sub accounts for an evicted record, counted as a drop against its
// partition, uid, pid, and (if applicable) tag. Must be called under the
// store's write lock.
func (s *Statistics) Sub(rec logrecord.Record) {
	ps := s.part(rec.Partition)
	n := int64(rec.Bytes())

	ps.bytes -= n
	ps.records--
	ps.drops++

	uc := ps.uidCounter(rec.UID)
	uc.Bytes -= n
	uc.Records--
	uc.Drops++
	heap.Fix(ps.uids, uc.heapIndex)

	pc := ps.pidCounter(rec.PID)
	pc.Bytes -= n
	pc.Records--
	pc.Drops++

	if tag, ok := eventTag(rec); ok {
		tc := ps.tagCounter(tag)
		tc.Bytes -= n
		tc.Records--
		tc.Drops++
	}
}

// PartitionTotals returns the current (bytes, records, drops) for a
// partition.
func (s *Statistics) PartitionTotals(p logrecord.Partition) (bytes, records, drops int64) {
	ps := s.part(p)
	return ps.bytes, ps.records, ps.drops
}

// WorstOffenderUID returns the uid with the largest current byte share in
// the given partition, its byte share, and the second-largest offender's
// byte share (0 if there is only one offender). ok is false if the
// partition has no accounted uids.
func (s *Statistics) WorstOffenderUID(p logrecord.Partition) (uid int32, bytes, secondBytes int64, ok bool) {
	ps := s.part(p)
	if ps.uids.Len() == 0 {
		return 0, 0, 0, false
	}
	top := (*ps.uids)[0]
	var second int64
	for i := 1; i < ps.uids.Len(); i++ {
		if c := (*ps.uids)[i]; c.Bytes > second {
			second = c.Bytes
		}
	}
	return int32(top.Key), top.Bytes, second, true
}

// WorstOffenderExcluding returns the uid with the largest current byte
// share in the given partition among uids for which excluded returns
// false, along with that share and the next-largest (also excluded-aware)
// share. ok is false if every accounted uid is excluded or the partition
// has no accounted uids. Unlike WorstOffenderUID this cannot use the heap
// directly, since the heap's ordering ignores the exclusion predicate; it
// linear-scans the uid table instead, which is acceptable since it is only
// called a handful of times per prune pass, not per write.
func (s *Statistics) WorstOffenderExcluding(p logrecord.Partition, excluded func(uid int32) bool) (uid int32, bytes, secondBytes int64, ok bool) {
	ps := s.part(p)
	var top, second *Counter
	for _, c := range ps.uidI {
		if excluded(int32(c.Key)) {
			continue
		}
		switch {
		case top == nil || c.Bytes > top.Bytes:
			second = top
			top = c
		case second == nil || c.Bytes > second.Bytes:
			second = c
		}
	}
	if top == nil {
		return 0, 0, 0, false
	}
	if second != nil {
		secondBytes = second.Bytes
	}
	return int32(top.Key), top.Bytes, secondBytes, true
}

// UIDBytes returns the current byte usage attributed to uid within
// partition p.
func (s *Statistics) UIDBytes(p logrecord.Partition, uid int32) int64 {
	ps := s.part(p)
	if c, ok := ps.uidI[int64(uid)]; ok {
		return c.Bytes
	}
	return 0
}

// Dump produces a sorted snapshot of per-uid counters for a partition,
// descending by bytes, for the getStatistics control command (§4.8).
func (s *Statistics) Dump(p logrecord.Partition) []Counter {
	ps := s.part(p)
	out := make([]Counter, 0, len(ps.uidI))
	for _, c := range ps.uidI {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out
}

// Clear zeroes all accounting for a partition, used by the store's Clear
// operation.
func (s *Statistics) Clear(p logrecord.Partition) {
	s.parts[p] = newPartitionStats()
}
