// Package logerrors defines the small closed set of error kinds shared
// across the daemon's components (spec.md §7). Components wrap these
// sentinels with fmt.Errorf("...: %w", ...) for context; callers compare
// with errors.Is against the sentinel, never against a formatted string.
package logerrors

import "errors"

var (
	// ErrInvalidArgument covers unknown partitions, malformed requests,
	// and out-of-range quota values.
	ErrInvalidArgument = errors.New("logd: invalid argument")

	// ErrPermissionDenied covers ingest to the security partition from a
	// principal outside the approved set (§7, §9 Open Questions).
	ErrPermissionDenied = errors.New("logd: permission denied")

	// ErrOverflow reports that a write was accepted but caused drops
	// (pruning evicted at least one record as a side effect).
	ErrOverflow = errors.New("logd: overflow")

	// ErrPeerGone reports that an egress or control socket peer
	// disconnected; the owning subscription or connection terminates
	// cleanly and no other subscription is affected.
	ErrPeerGone = errors.New("logd: peer gone")

	// ErrResourceExhausted reports that a resource cap (e.g. the
	// per-process subscription limit, §5) was reached.
	ErrResourceExhausted = errors.New("logd: resource exhausted")

	// ErrInternal marks a logic-invariant violation. Per §7, only this
	// kind may escalate to a process abort via the daemon's fatal hook;
	// every other kind is always handled locally.
	ErrInternal = errors.New("logd: internal error")
)
