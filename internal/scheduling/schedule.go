package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tags the Schedule union.
type ScheduleKind string

const (
	KindManual   ScheduleKind = "manual"
	KindNow      ScheduleKind = "now"
	KindOnce     ScheduleKind = "once"
	KindCron     ScheduleKind = "cron"
	KindPeriodic ScheduleKind = "periodic"
)

// cronParser allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule describes when a task fires.
//
// It is a tagged union: exactly the fields relevant to Kind are set.
// A "now" schedule is non-reschedulable and fires exactly once; after the
// run its task transitions straight to DONE.
type Schedule struct {
	Kind    ScheduleKind
	StartAt time.Time     // once, and first-fire anchor for cron/periodic
	Expr    string        // cron
	Every   time.Duration // periodic

	sched cron.Schedule // parsed form of Expr
}

func Manual() Schedule { return Schedule{Kind: KindManual} }

func Now() Schedule { return Schedule{Kind: KindNow, StartAt: time.Now()} }

func Once(at time.Time) Schedule { return Schedule{Kind: KindOnce, StartAt: at} }

func Periodic(startAt time.Time, every time.Duration) (Schedule, error) {
	if every <= 0 {
		return Schedule{}, fmt.Errorf("%w: periodic interval must be positive", ErrInvalidConfig)
	}
	return Schedule{Kind: KindPeriodic, StartAt: startAt, Every: every}, nil
}

func Cron(startAt time.Time, expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidConfig, expr, err)
	}
	return Schedule{Kind: KindCron, StartAt: startAt, Expr: expr, sched: sched}, nil
}

// IsOneShot reports whether the schedule has no fire after its first.
func (s Schedule) IsOneShot() bool { return s.Kind == KindNow || s.Kind == KindOnce }

// IsReschedulable reports whether a task carrying this schedule may be
// rebuilt in place with a different schedule.
func (s Schedule) IsReschedulable() bool { return s.Kind != KindNow }

// NextAfter returns the first fire time strictly after t, or false when the
// schedule has no future fire.
func (s Schedule) NextAfter(t time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindManual:
		return time.Time{}, false
	case KindNow, KindOnce:
		if s.StartAt.After(t) {
			return s.StartAt, true
		}
		return time.Time{}, false
	case KindPeriodic:
		if s.StartAt.After(t) {
			return s.StartAt, true
		}
		elapsed := t.Sub(s.StartAt)
		steps := elapsed/s.Every + 1
		return s.StartAt.Add(steps * s.Every), true
	case KindCron:
		if s.sched == nil {
			// Parsed lazily when the schedule was rebuilt from a trigger row.
			sched, err := cronParser.Parse(s.Expr)
			if err != nil {
				return time.Time{}, false
			}
			s.sched = sched
		}
		from := t
		if s.StartAt.After(from) {
			from = s.StartAt
		}
		next := s.sched.Next(from)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Validate checks the union is internally consistent.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindManual:
		return nil
	case KindNow, KindOnce:
		if s.StartAt.IsZero() {
			return fmt.Errorf("%w: %s schedule needs a start time", ErrInvalidConfig, s.Kind)
		}
		return nil
	case KindPeriodic:
		if s.Every <= 0 {
			return fmt.Errorf("%w: periodic interval must be positive", ErrInvalidConfig)
		}
		return nil
	case KindCron:
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidConfig, s.Expr, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidConfig, s.Kind)
	}
}

func (s Schedule) String() string {
	switch s.Kind {
	case KindOnce:
		return fmt.Sprintf("once[%s]", s.StartAt.Format(time.RFC3339))
	case KindCron:
		return fmt.Sprintf("cron[%s]", s.Expr)
	case KindPeriodic:
		return fmt.Sprintf("periodic[%s]", s.Every)
	default:
		return string(s.Kind)
	}
}
