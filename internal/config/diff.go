package config

import (
	"reflect"
	"sort"
	"strings"

	"taskgrid/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Node.ID) != strings.TrimSpace(newCfg.Node.ID) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.id", strings.TrimSpace(newCfg.Node.ID)))
	}

	// Cluster. Nil means standalone.
	oMembers := memberList(oldCfg.Cluster)
	nMembers := memberList(newCfg.Cluster)
	if !reflect.DeepEqual(oMembers, nMembers) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.Bool("cluster.enabled", newCfg.Cluster != nil),
			logx.Int("cluster.member_count", len(nMembers)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.active", newCfg.SchedulerActive()),
			logx.Int("scheduler.pool_size", newCfg.EffectivePoolSize()),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.shutdown_timeout", strings.TrimSpace(newCfg.Scheduler.ShutdownTimeout)),
			logx.Bool("scheduler.recover_interrupted", newCfg.RecoverInterrupted()),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func memberList(c *ClusterConfig) []string {
	if c == nil || len(c.Members) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
