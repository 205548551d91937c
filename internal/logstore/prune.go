package logstore

import "logd/internal/logrecord"

// worstOffenderFloor is the minimum byte share, as a fraction of the
// partition's quota, an offender must hold to remain worth sweeping (§4.1:
// "...until its share drops below the second-largest offender's share, or
// below a 10% floor, whichever comes first").
const worstOffenderFloor = 0.10

// pruneLocked brings partition p back under its byte quota by evicting
// records in four phases, in order, stopping as soon as the partition is
// back under quota: deny-list sweep, worst-offender sweep, FIFO fallback,
// and hard evict. Must be called with s.mu held for writing.
func (s *LogStore) pruneLocked(p logrecord.Partition) {
	part := s.parts[p]

	s.denySweep(p, part)
	if !part.overQuota() {
		return
	}

	s.worstOffenderSweep(p, part)
	if !part.overQuota() {
		return
	}

	s.fifoFallback(p, part)
	if !part.overQuota() {
		return
	}

	s.hardEvict(p, part)
}

// denySweep evicts resident records matching a deny entry, oldest first,
// stopping at the first of: quota holds again, or no deny match remains
// (§4.1 phase 1: "Continue until quota holds or no deny matches remain").
func (s *LogStore) denySweep(p logrecord.Partition, part *partition) {
	for part.overQuota() {
		i := part.oldestIndex(func(r logrecord.Record) bool {
			return s.prune.MatchDeny(p, r.UID, r.PID)
		})
		if i < 0 {
			return
		}
		rec := part.evictAt(i)
		s.stats.Sub(rec)
	}
}

// worstOffenderSweep repeatedly evicts the oldest record belonging to the
// partition's current worst non-allow-listed uid, until the partition is
// back under quota, the worst offender's share falls to the
// second-largest's share, or the worst offender's share drops under the
// 10% floor of the partition's quota (§4.1 phase 2).
func (s *LogStore) worstOffenderSweep(p logrecord.Partition, part *partition) {
	floor := int64(float64(part.quota) * worstOffenderFloor)

	for part.overQuota() {
		uid, bytes, second, ok := s.stats.WorstOffenderExcluding(p, func(uid int32) bool {
			return s.prune.UIDAllowed(p, uid)
		})
		if !ok {
			return
		}
		if bytes <= second || bytes < floor {
			return
		}

		i := part.oldestIndex(func(r logrecord.Record) bool {
			return r.UID == uid
		})
		if i < 0 {
			// Statistics disagree with resident records; nothing left to
			// evict for this uid, stop to avoid spinning.
			return
		}
		rec := part.evictAt(i)
		s.stats.Sub(rec)
	}
}

// fifoFallback evicts the oldest resident record overall that is not
// allow-listed, repeating until the partition is back under quota or no
// such record remains (§4.1 phase 3).
func (s *LogStore) fifoFallback(p logrecord.Partition, part *partition) {
	for part.overQuota() {
		i := part.oldestIndex(func(r logrecord.Record) bool {
			return !s.prune.MatchAllow(p, r.UID, r.PID)
		})
		if i < 0 {
			return
		}
		rec := part.evictAt(i)
		s.stats.Sub(rec)
	}
}

// hardEvict evicts the oldest resident records, allow-listed or not, one
// at a time until the partition is back under quota, as a last resort when every remaining record is allow-listed and
// the partition is still over quota (§4.1 phase 4: "the quota invariant
// always wins over the allow list").
func (s *LogStore) hardEvict(p logrecord.Partition, part *partition) {
	for part.overQuota() && len(part.records) > 0 {
		rec := part.evictAt(0)
		s.stats.Sub(rec)
	}
}
