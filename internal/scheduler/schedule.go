package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/t77yq/opsgate/internal/model"
)

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field and descriptors such as @hourly
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRunTime calculates the next match of expr strictly after from,
// evaluated in the named timezone (UTC when empty)
func NextRunTime(expr, timezone string, from time.Time) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "invalid cron expression %q", expr), ErrInvalidSchedule)
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, errors.Mark(errors.Newf("cron expression %q never fires", expr), ErrInvalidSchedule)
	}
	return next, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "unknown timezone %q", name), ErrInvalidSchedule)
	}
	return loc, nil
}

// ValidateSchedule checks that exactly one schedule payload is set and that
// it agrees with the declared type
func ValidateSchedule(s model.Schedule) error {
	hasCron := s.CronExpression != ""
	hasOnce := s.ExecuteAt != nil
	hasInterval := s.Interval != 0

	set := 0
	for _, b := range []bool{hasCron, hasOnce, hasInterval} {
		if b {
			set++
		}
	}
	if set != 1 {
		return errors.Mark(
			errors.Newf("exactly one of cron expression, execute_at or interval must be set (got %d)", set),
			ErrInvalidSchedule)
	}

	switch s.Type {
	case model.ScheduleCron:
		if !hasCron {
			return errors.Mark(errors.New("cron schedule requires a cron expression"), ErrInvalidSchedule)
		}
		if err := ValidateCronExpression(s.CronExpression); err != nil {
			return errors.Mark(errors.Wrapf(err, "invalid cron expression %q", s.CronExpression), ErrInvalidSchedule)
		}
		if _, err := loadLocation(s.Timezone); err != nil {
			return err
		}
	case model.ScheduleOnce:
		if !hasOnce {
			return errors.Mark(errors.New("once schedule requires execute_at"), ErrInvalidSchedule)
		}
	case model.ScheduleInterval:
		if !hasInterval {
			return errors.Mark(errors.New("interval schedule requires an interval"), ErrInvalidSchedule)
		}
		if s.Interval < 0 {
			return errors.Mark(errors.Newf("interval must be positive, got %s", s.Interval), ErrInvalidSchedule)
		}
	default:
		return errors.Mark(errors.Newf("unknown schedule type %q", s.Type), ErrInvalidSchedule)
	}

	if s.Type != model.ScheduleCron && s.Timezone != "" {
		return errors.Mark(errors.New("timezone only applies to cron schedules"), ErrInvalidSchedule)
	}
	return nil
}

// firstRun returns the initial next-execution time of a freshly registered job
func firstRun(s model.Schedule, now time.Time) (time.Time, error) {
	if s.Type == model.ScheduleOnce {
		return *s.ExecuteAt, nil
	}
	return nextRecurrence(s, now)
}

// nextRecurrence returns the next occurrence of a recurring schedule after now
func nextRecurrence(s model.Schedule, now time.Time) (time.Time, error) {
	switch s.Type {
	case model.ScheduleCron:
		return NextRunTime(s.CronExpression, s.Timezone, now)
	case model.ScheduleInterval:
		return now.Add(s.Interval), nil
	default:
		return time.Time{}, errors.Newf("schedule type %q does not recur", s.Type)
	}
}
