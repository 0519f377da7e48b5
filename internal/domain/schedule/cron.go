package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field UNIX expressions, 6-field with leading seconds,
// and @-descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate rejects expressions that do not parse, zones that do not resolve,
// and schedules with no future fire.
func Validate(expr, timezone string) error {
	next, err := NextFire(expr, timezone, time.Now())
	if err != nil {
		return err
	}
	if next.IsZero() {
		return fmt.Errorf("cron expression %q never fires", expr)
	}
	return nil
}

// NextFire computes the next fire after the given instant, evaluated in the
// schedule's zone and returned in UTC. A zero time means no future fire.
func NextFire(expr, timezone string, after time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, nil
	}
	return next.UTC(), nil
}

// NextFires returns up to count successive fires for preview responses.
func NextFires(expr, timezone string, after time.Time, count int) ([]time.Time, error) {
	fires := make([]time.Time, 0, count)
	cursor := after
	for i := 0; i < count; i++ {
		next, err := NextFire(expr, timezone, cursor)
		if err != nil {
			return nil, err
		}
		if next.IsZero() {
			break
		}
		fires = append(fires, next)
		cursor = next
	}
	return fires, nil
}

// Describe renders a short human summary of common expressions, falling back
// to the raw expression.
func Describe(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 2 && fields[0] == "@every" {
		return "every " + fields[1]
	}
	if len(fields) == 1 && strings.HasPrefix(fields[0], "@") {
		switch fields[0] {
		case "@hourly":
			return "every hour"
		case "@daily", "@midnight":
			return "every day at midnight"
		case "@weekly":
			return "every week"
		case "@monthly":
			return "every month"
		case "@yearly", "@annually":
			return "every year"
		}
		return expr
	}
	// Normalize 6-field (seconds) expressions down to the minute fields.
	if len(fields) == 6 {
		fields = fields[1:]
	}
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, _, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	switch {
	case minute == "*" && hour == "*":
		return "every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*":
		return fmt.Sprintf("every %s minutes", strings.TrimPrefix(minute, "*/"))
	case hour == "*" && !strings.Contains(minute, "*"):
		return fmt.Sprintf("hourly at minute %s", minute)
	case dom == "*" && dow == "*" && !strings.Contains(minute, "*") && !strings.Contains(hour, "*"):
		return fmt.Sprintf("daily at %s:%s", pad2(hour), pad2(minute))
	case dom == "*" && dow != "*" && !strings.Contains(minute, "*") && !strings.Contains(hour, "*"):
		return fmt.Sprintf("weekly on day %s at %s:%s", dow, pad2(hour), pad2(minute))
	default:
		return expr
	}
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
