package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the classic 5 fields and descriptors like @hourly
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses the cleanup.cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoUnits = map[byte]time.Duration{
	'D': 24 * time.Hour,
	'H': time.Hour,
	'M': time.Minute,
}

// ParseISODuration parses the PnDTnHnMnS subset of ISO8601. Years and
// months are rejected as their length varies, only seconds take a
// fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(dur, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}
	date, clock, hasT := strings.Cut(rest, "T")
	if hasT && clock == "" {
		return 0, ErrISOFormat
	}
	days, err := sumUnits(date, "D")
	if err != nil {
		return 0, err
	}
	hms, err := sumUnits(clock, "HMS")
	if err != nil {
		return 0, err
	}
	return days + hms, nil
}

// sumUnits reads number and unit pairs, units must follow the given order
func sumUnits(s, units string) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, ErrISOFormat
		}
		num, unit := s[:i], s[i]
		pos := strings.IndexByte(units, unit)
		if pos < 0 {
			return 0, ErrISOFormat
		}
		units, s = units[pos+1:], s[i+1:]

		if unit == 'S' {
			d, err := time.ParseDuration(strings.Replace(num, ",", ".", 1) + "s")
			if err != nil {
				return 0, ErrISOFormat
			}
			total += d
			continue
		}
		n, err := strconv.ParseInt(num, 10, 32)
		if err != nil {
			return 0, ErrISOFormat
		}
		total += time.Duration(n) * isoUnits[unit]
	}
	return total, nil
}
