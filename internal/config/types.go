package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Node    NodeConfig     `json:"node"`
	Cluster *ClusterConfig `json:"cluster,omitempty"`
	Logging LoggingConfig  `json:"logging"`
	Storage StorageConfig  `json:"storage"`

	// Scheduler controls trigger firing and task execution.
	Scheduler SchedulerConfig `json:"scheduler"`

	Pprof PprofConfig `json:"pprof,omitempty"`
}

// NodeConfig identifies this process within the cluster. The id must be
// stable across restarts; interrupted-run detection compares it against
// the node recorded in persisted run state.
type NodeConfig struct {
	ID string `json:"id"`
}

// ClusterConfig lists the ids of all cluster members, including this node.
// If the whole section is omitted the node runs standalone and replication
// is disabled.
type ClusterConfig struct {
	Members []string `json:"members"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./taskgrid.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the scheduler engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Active is a pointer so we can distinguish "omitted" (default true) from
// an explicit false; a node started with active=false accepts schedule
// changes but never fires triggers.
//
// Defaults (when fields are omitted/zero):
//   - active: true
//   - pool_size: 20
//   - poll_interval: "1s"
//   - shutdown_timeout: "30s"
//   - recover_interrupted: true
type SchedulerConfig struct {
	Active   *bool `json:"active,omitempty"`
	PoolSize int   `json:"pool_size,omitempty"`

	// PollInterval bounds how late a trigger can fire when no scheduling
	// change wakes the loop earlier.
	PollInterval string `json:"poll_interval,omitempty"`

	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	RecoverInterrupted *bool `json:"recover_interrupted,omitempty"`

	// Trigger timezone for cron expressions.
	Timezone string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional profiling HTTP endpoint. Disabled by
// default; a non-loopback bind additionally requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

const (
	DefaultPoolSize        = 20
	DefaultPollInterval    = time.Second
	DefaultShutdownTimeout = 30 * time.Second
)

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	id := strings.TrimSpace(c.Node.ID)
	if id == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Cluster != nil {
		found := false
		seen := map[string]struct{}{}
		for _, m := range c.Cluster.Members {
			m = strings.TrimSpace(m)
			if m == "" {
				return fmt.Errorf("cluster.members: empty member id")
			}
			if _, dup := seen[m]; dup {
				return fmt.Errorf("cluster.members: duplicate member %q", m)
			}
			seen[m] = struct{}{}
			if m == id {
				found = true
			}
		}
		if !found {
			return fmt.Errorf("cluster.members must include node.id %q", id)
		}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Scheduler.PoolSize < 0 {
		return fmt.Errorf("scheduler.pool_size must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.poll_interval", c.Scheduler.PollInterval},
		{"scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout},
	} {
		if _, err := Duration(f.path, f.raw, 0); err != nil {
			return err
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// SchedulerActive reports the effective active flag (omitted means true).
func (c *Config) SchedulerActive() bool {
	if c.Scheduler.Active == nil {
		return true
	}
	return *c.Scheduler.Active
}

// RecoverInterrupted reports the effective recovery flag (omitted means true).
func (c *Config) RecoverInterrupted() bool {
	if c.Scheduler.RecoverInterrupted == nil {
		return true
	}
	return *c.Scheduler.RecoverInterrupted
}

// EffectivePoolSize applies the default worker pool size.
func (c *Config) EffectivePoolSize() int {
	if c.Scheduler.PoolSize <= 0 {
		return DefaultPoolSize
	}
	return c.Scheduler.PoolSize
}
