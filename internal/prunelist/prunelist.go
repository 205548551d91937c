// Package prunelist parses and formats the administrative allow/deny list
// that biases the store's eviction policy (spec.md §4.4, PruneList).
//
// Grounded on internal/chunk/retention.go's RetentionPolicy shape: a
// PruneList is an ordered, declarative description evaluated as a pure
// function against the live statistics snapshot at prune time, never
// mutated by the store itself.
package prunelist

import (
	"fmt"
	"strconv"
	"strings"

	"logd/internal/logerrors"
	"logd/internal/logrecord"
)

// Wildcard is the sentinel matching "any uid" or "any pid" in an Entry.
const Wildcard = -1

// Entry is a single parsed PruneEntry: (partition, uid|*, pid|*, allow|deny).
type Entry struct {
	Partition logrecord.Partition
	UID       int32 // Wildcard for '*'
	PID       int32 // Wildcard for '*'
	Allow     bool  // true = allow-listed, false = deny-listed
}

// Matches reports whether this entry applies to the given uid/pid.
func (e Entry) Matches(uid, pid int32) bool {
	if e.UID != Wildcard && e.UID != uid {
		return false
	}
	if e.PID != Wildcard && e.PID != pid {
		return false
	}
	return true
}

// List holds the parsed, ordered prune entries for every partition. First
// match within a partition's entry slice wins, per spec.md §4.4.
type List struct {
	byPartition [8][]Entry
}

// New returns an empty PruneList (no allow or deny entries anywhere).
func New() *List {
	return &List{}
}

// Entries returns the ordered entries for a partition.
func (l *List) Entries(p logrecord.Partition) []Entry {
	return l.byPartition[p]
}

// MatchAllow reports whether (uid, pid) is allow-listed in partition p:
// the first matching entry is an allow entry. No match means "not
// allow-listed" (the allow-list is advisory, never hard — §4.1 Hard evict).
func (l *List) MatchAllow(p logrecord.Partition, uid, pid int32) bool {
	for _, e := range l.byPartition[p] {
		if e.Matches(uid, pid) {
			return e.Allow
		}
	}
	return false
}

// MatchDeny reports whether (uid, pid) is deny-listed in partition p: the
// first matching entry is a deny entry.
func (l *List) MatchDeny(p logrecord.Partition, uid, pid int32) bool {
	for _, e := range l.byPartition[p] {
		if e.Matches(uid, pid) {
			return !e.Allow
		}
	}
	return false
}

// UIDAllowed reports whether uid itself (regardless of pid) is protected
// by a wildcard-pid allow entry in partition p. Used by the worst-offender
// prune phase (§4.1) to decide whether a uid can be chosen as the sweep
// target at all, as distinct from MatchAllow's per-(uid,pid) check used
// when picking which individual record to evict.
func (l *List) UIDAllowed(p logrecord.Partition, uid int32) bool {
	for _, e := range l.byPartition[p] {
		if e.PID == Wildcard && (e.UID == Wildcard || e.UID == uid) {
			return e.Allow
		}
	}
	return false
}

// UIDDenied reports whether uid itself is subject to a wildcard-pid deny
// entry in partition p.
func (l *List) UIDDenied(p logrecord.Partition, uid int32) bool {
	for _, e := range l.byPartition[p] {
		if e.PID == Wildcard && (e.UID == Wildcard || e.UID == uid) {
			return !e.Allow
		}
	}
	return false
}

// Parse parses an administrative PruneList spec of the form
//
//	"<partition>: <entries>; <partition>: <entries>; ..."
//
// where <entries> is a space-separated list of "[!|~]uid[/pid]" tokens.
// A bare token (no prefix) or a "~"-prefixed token is an allow entry; a
// "!"-prefixed token is a deny entry. Both a partition's numeric id
// (e.g. "0") and its canonical name (e.g. "main") are accepted, matching
// the mixed usage shown across spec.md §4.8 and §8. Returns
// ErrInvalidArgument-wrapping errors on malformed tokens or unknown
// partitions (§4.4).
func Parse(spec string) (*List, error) {
	l := New()
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return l, nil
	}

	for _, clause := range strings.Split(spec, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		idx := strings.Index(clause, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%w: prunelist: malformed clause %q: missing ':'", logerrors.ErrInvalidArgument, clause)
		}
		partName := strings.TrimSpace(clause[:idx])
		partition, err := resolvePartition(partName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", logerrors.ErrInvalidArgument, err)
		}

		rest := strings.TrimSpace(clause[idx+1:])
		if rest == "" {
			continue
		}
		for _, tok := range strings.Fields(rest) {
			entry, err := parseEntry(partition, tok)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", logerrors.ErrInvalidArgument, err)
			}
			l.byPartition[partition] = append(l.byPartition[partition], entry)
		}
	}
	return l, nil
}

func resolvePartition(name string) (logrecord.Partition, error) {
	if p, ok := logrecord.ParsePartition(name); ok {
		return p, nil
	}
	n, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("prunelist: unknown partition %q", name)
	}
	p := logrecord.Partition(n)
	if !p.Valid() {
		return 0, fmt.Errorf("prunelist: unknown partition %q", name)
	}
	return p, nil
}

func parseEntry(partition logrecord.Partition, tok string) (Entry, error) {
	allow := true
	switch {
	case strings.HasPrefix(tok, "!"):
		allow = false
		tok = tok[1:]
	case strings.HasPrefix(tok, "~"):
		allow = true
		tok = tok[1:]
	}

	uidStr, pidStr, hasPID := strings.Cut(tok, "/")

	uid, err := parseSelector(uidStr)
	if err != nil {
		return Entry{}, fmt.Errorf("prunelist: malformed uid in %q: %w", tok, err)
	}

	pid := int32(Wildcard)
	if hasPID {
		pid, err = parseSelector(pidStr)
		if err != nil {
			return Entry{}, fmt.Errorf("prunelist: malformed pid in %q: %w", tok, err)
		}
	}

	return Entry{Partition: partition, UID: uid, PID: pid, Allow: allow}, nil
}

func parseSelector(s string) (int32, error) {
	if s == "*" {
		return Wildcard, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}

// Format renders the PruneList back to its administrative string form, the
// inverse of Parse, for the getPruneList control command (§4.8).
func (l *List) Format() string {
	var b strings.Builder
	first := true
	for _, p := range logrecord.AllPartitions() {
		entries := l.byPartition[p]
		if len(entries) == 0 {
			continue
		}
		if !first {
			b.WriteString("; ")
		}
		first = false
		fmt.Fprintf(&b, "%s:", p)
		for _, e := range entries {
			b.WriteByte(' ')
			if !e.Allow {
				b.WriteByte('!')
			}
			b.WriteString(formatSelector(e.UID))
			if e.PID != Wildcard {
				b.WriteByte('/')
				b.WriteString(formatSelector(e.PID))
			}
		}
	}
	return b.String()
}

func formatSelector(v int32) string {
	if v == Wildcard {
		return "*"
	}
	return strconv.FormatInt(int64(v), 10)
}
