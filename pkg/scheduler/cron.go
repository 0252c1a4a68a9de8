package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/netsnap/netsnap/pkg/types"
)

// DefaultTimezone anchors cron evaluation unless configured otherwise
const DefaultTimezone = "Asia/Shanghai"

// fieldShape accepts *, integer lists, and simple ranges. Step values are
// deliberately not accepted.
var fieldShape = regexp.MustCompile(`^(\*|\d+(-\d+)?(,\d+(-\d+)?)*)$`)

type cronField struct {
	name     string
	min, max int
}

var cronFields = []cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ValidateCron checks a five-field cron expression (minute hour day month
// weekday). Each field accepts *, integer lists, and a-b ranges.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != len(cronFields) {
		return fmt.Errorf("%w: expected 5 fields, got %d", types.ErrSchedule, len(fields))
	}
	for i, field := range fields {
		spec := cronFields[i]
		if !fieldShape.MatchString(field) {
			return fmt.Errorf("%w: malformed %s field %q", types.ErrSchedule, spec.name, field)
		}
		if field == "*" {
			continue
		}
		for _, item := range strings.Split(field, ",") {
			lo, hi, ok := strings.Cut(item, "-")
			a, _ := strconv.Atoi(lo)
			b := a
			if ok {
				b, _ = strconv.Atoi(hi)
			}
			if a < spec.min || a > spec.max || b < spec.min || b > spec.max {
				return fmt.Errorf("%w: %s value out of range in %q", types.ErrSchedule, spec.name, field)
			}
			if a > b {
				return fmt.Errorf("%w: inverted %s range %q", types.ErrSchedule, spec.name, item)
			}
		}
	}
	return nil
}

// NextFireTime computes the next wall-clock time strictly after from that
// matches the expression, evaluated in loc
func NextFireTime(expr string, from time.Time, loc *time.Location) (time.Time, error) {
	if err := ValidateCron(expr); err != nil {
		return time.Time{}, err
	}
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", types.ErrSchedule, err)
	}
	next := parsed.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", types.ErrSchedule, expr)
	}
	return next, nil
}

// CronFromFrequency derives the authoritative cron expression from the
// structured operator intent
func CronFromFrequency(cfg types.FrequencyConfig) (string, error) {
	if cfg.Minute < 0 || cfg.Minute > 59 || cfg.Hour < 0 || cfg.Hour > 23 {
		return "", fmt.Errorf("%w: time of day %02d:%02d out of range", types.ErrSchedule, cfg.Hour, cfg.Minute)
	}

	switch cfg.Type {
	case types.FrequencyDaily:
		return fmt.Sprintf("%d %d * * *", cfg.Minute, cfg.Hour), nil
	case types.FrequencyWeekly:
		if cfg.Weekday < 0 || cfg.Weekday > 6 {
			return "", fmt.Errorf("%w: weekday %d out of range", types.ErrSchedule, cfg.Weekday)
		}
		return fmt.Sprintf("%d %d * * %d", cfg.Minute, cfg.Hour, cfg.Weekday), nil
	case types.FrequencyMonthly:
		if cfg.Day < 1 || cfg.Day > 31 {
			return "", fmt.Errorf("%w: day of month %d out of range", types.ErrSchedule, cfg.Day)
		}
		return fmt.Sprintf("%d %d %d * *", cfg.Minute, cfg.Hour, cfg.Day), nil
	case types.FrequencyCustom:
		if err := ValidateCron(cfg.Cron); err != nil {
			return "", err
		}
		return cfg.Cron, nil
	default:
		return "", fmt.Errorf("%w: unknown frequency type %q", types.ErrSchedule, cfg.Type)
	}
}
