// Package config persists the daemon's administratively mutable state —
// per-partition quotas, the prune list spec, and the tag-map file paths —
// so it survives a reinit or process restart (SPEC_FULL.md AMBIENT STACK:
// "Configuration").
//
// Grounded on internal/config/config.go's declarative Config struct +
// Store interface shape and internal/config/file/store.go's versioned-
// JSON-envelope, atomic-rewrite persistence, adapted from gastrolog's
// receivers/stores/routes declarative model to this daemon's
// quota/pruneList/tagPaths administrative surface.
package config

import "context"

// Config is the daemon's persisted administrative state.
type Config struct {
	// Quotas overrides the default per-partition byte quota by partition
	// name (logrecord.Partition.String()).
	Quotas map[string]int64

	// PruneList is the administrative allow/deny spec string, in the
	// format parsed by internal/prunelist.Parse.
	PruneList string

	// TagMapPaths lists the on-disk tag-map files loaded by
	// internal/tagregistry at startup and on reinit.
	TagMapPaths []string
}

// Store persists and loads the daemon's administrative Config.
type Store interface {
	// Load reads the configuration. Returns a nil Config if none exists
	// yet (first run).
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration, replacing any prior value.
	Save(ctx context.Context, cfg *Config) error
}
