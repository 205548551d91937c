package logstore

import "logd/internal/logrecord"

// partition holds one bounded, sequence-ordered record sequence (spec.md
// §3). records is kept sorted ascending by Sequence at all times; it is
// grown by appending and shrunk from the front by reslicing (cheap, no
// copy) or, for a non-front eviction, by allocating a fresh backing array
// so that snapshot readers holding an older slice header never observe a
// mutation of already-yielded elements — Records are immutable, and once
// handed to a reader they must stay that way (§3 Lifecycle).
type partition struct {
	records []logrecord.Record
	bytes   int64
	quota   int64

	// nextLocal is the partition-local sequence counter; see
	// logrecord.Record.PartitionSeq.
	nextLocal uint64
}

func newPartition(quota int64) *partition {
	return &partition{quota: quota}
}

// append stamps rec with the partition's next local sequence number,
// stores it, and returns the stamped copy.
func (p *partition) append(rec logrecord.Record) logrecord.Record {
	p.nextLocal++
	rec.PartitionSeq = p.nextLocal
	p.records = append(p.records, rec)
	p.bytes += int64(rec.Bytes())
	return rec
}

// oldestIndex returns the index of the first (oldest) record for which
// match returns true, or -1 if none matches.
func (p *partition) oldestIndex(match func(logrecord.Record) bool) int {
	for i, r := range p.records {
		if match(r) {
			return i
		}
	}
	return -1
}

// evictAt removes the record at index i and returns it. Removing the
// front element is a cheap reslice; removing any other element allocates
// a new backing array so outstanding snapshots are unaffected.
func (p *partition) evictAt(i int) logrecord.Record {
	rec := p.records[i]
	if i == 0 {
		p.records = p.records[1:]
	} else {
		next := make([]logrecord.Record, 0, len(p.records)-1)
		next = append(next, p.records[:i]...)
		next = append(next, p.records[i+1:]...)
		p.records = next
	}
	p.bytes -= int64(rec.Bytes())
	return rec
}

// overQuota reports whether the partition currently exceeds its byte quota.
func (p *partition) overQuota() bool {
	return p.bytes > p.quota
}

// oldestSequence returns the sequence number of the oldest resident
// record, and false if the partition is empty.
func (p *partition) oldestSequence() (uint64, bool) {
	if len(p.records) == 0 {
		return 0, false
	}
	return p.records[0].Sequence, true
}

// snapshot returns a read-only view of the current records slice header.
// Safe to read without further locking: appends never touch these
// positions, and non-front evictions never mutate this particular backing
// array (see evictAt).
func (p *partition) snapshot() []logrecord.Record {
	return p.records
}
