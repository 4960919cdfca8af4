package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskgrid/internal/scheduling"
	"taskgrid/internal/storage"
)

const (
	// triggerDataRecovery marks a trigger synthesized at start-up for a job
	// found without one.
	triggerDataRecovery = "recovery"
	// triggerDataRunNow marks a transient trigger created by RunNow.
	triggerDataRunNow = "runNow"
)

// buildTrigger converts a schedule into its persisted trigger row, keyed by
// the job it fires.
//
// Start-time correction: if the computed first fire is already in the past,
// it is advanced to the next valid fire time so a schedule created before a
// restart does not silently never fire again. When no future fire exists the
// original value is kept; the firing loop will fire it immediately or the
// run completes it, either of which is acceptable.
func buildTrigger(jobKey storage.JobKey, s scheduling.Schedule, limitNode string, now time.Time) storage.Trigger {
	t := storage.Trigger{
		Key:       jobKey,
		JobKey:    jobKey,
		Kind:      string(s.Kind),
		StartAt:   s.StartAt,
		CronExpr:  s.Expr,
		Every:     s.Every,
		LimitNode: limitNode,
	}
	t.NextFire = firstFire(s, now)
	return t
}

func firstFire(s scheduling.Schedule, now time.Time) time.Time {
	switch s.Kind {
	case scheduling.KindManual:
		return time.Time{}
	case scheduling.KindNow:
		return now
	default:
		if s.StartAt.After(now) {
			return s.StartAt
		}
		next, ok := s.NextAfter(now)
		if !ok {
			// No future fire; keep the stale time rather than dropping it.
			return s.StartAt
		}
		return next
	}
}

// scheduleFromTrigger rebuilds the schedule value from its persisted row.
// Cron expressions are re-parsed lazily on first NextAfter call.
func scheduleFromTrigger(t storage.Trigger) scheduling.Schedule {
	switch scheduling.ScheduleKind(t.Kind) {
	case scheduling.KindNow:
		return scheduling.Schedule{Kind: scheduling.KindNow, StartAt: t.StartAt}
	case scheduling.KindOnce:
		return scheduling.Once(t.StartAt)
	case scheduling.KindCron:
		return scheduling.Schedule{Kind: scheduling.KindCron, StartAt: t.StartAt, Expr: t.CronExpr}
	case scheduling.KindPeriodic:
		return scheduling.Schedule{Kind: scheduling.KindPeriodic, StartAt: t.StartAt, Every: t.Every}
	default:
		return scheduling.Manual()
	}
}

// buildRunNowTrigger builds the transient trigger RunNow persists to fire a
// job out of band. It gets its own key so it never collides with the job's
// real trigger, and it inherits the job's node affinity; an unrestricted job
// is pinned to the submitting node so exactly one cluster member fires it.
func buildRunNowTrigger(jobKey storage.JobKey, limitNode, ownNode string, now time.Time) storage.Trigger {
	if limitNode == "" {
		limitNode = ownNode
	}
	return storage.Trigger{
		Key:       storage.JobKey(uuid.NewString()),
		JobKey:    jobKey,
		Kind:      string(scheduling.KindNow),
		StartAt:   now,
		NextFire:  now,
		LimitNode: limitNode,
		Data:      map[string]string{triggerDataRunNow: "true"},
	}
}

// buildRecoveryTrigger builds the manual trigger attached at start-up to a
// job whose trigger row is missing.
func buildRecoveryTrigger(jobKey storage.JobKey, jobName string) storage.Trigger {
	desc := fmt.Sprintf("recovered missing trigger for job %q (%s)", jobName, jobKey)
	return storage.Trigger{
		Key:         jobKey,
		JobKey:      jobKey,
		Kind:        string(scheduling.KindManual),
		Description: desc,
		Data:        map[string]string{triggerDataRecovery: "true"},
	}
}

func isRunNowTrigger(t storage.Trigger) bool {
	return scheduling.ScheduleKind(t.Kind) == scheduling.KindNow && t.Key != t.JobKey
}
