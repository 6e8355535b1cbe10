package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat error = errors.New("invalid ISO8601 duration")

// Trigger is a validated Schedule: exactly one of Cron and Every is set.
type Trigger struct {
	Cron  string
	Every time.Duration
}

// Parse validates the schedule and returns its trigger.
func (s Schedule) Parse() (Trigger, error) {
	switch {
	case s.Cron != "" && s.Duration != "":
		return Trigger{}, errors.New("cron and duration are mutually exclusive")
	case s.Cron != "":
		if _, err := ParseCron(s.Cron); err != nil {
			return Trigger{}, fmt.Errorf("parsing cron: %w", err)
		}
		return Trigger{Cron: strings.TrimSpace(s.Cron)}, nil
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return Trigger{}, fmt.Errorf("parsing duration: %w", err)
		}
		if d <= 0 {
			return Trigger{}, fmt.Errorf("duration %s: must be positive", s.Duration)
		}
		return Trigger{Every: d}, nil
	default:
		return Trigger{}, errors.New("both cron and duration are empty")
	}
}

// ParseCron parses a 5 field cron expression or a @macro and returns the
// interval between its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, fmt.Errorf("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	return schedule.Next(next1).Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P(?:(?P<day>\d+)D)?(?:T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration parses the day and time part of an ISO-8601 duration,
// e.g. P1D, PT1H30M or PT0.5S.
func ParseISODuration(dur string) (time.Duration, error) {
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	units := map[string]time.Duration{
		"day":    24 * time.Hour,
		"hour":   time.Hour,
		"minute": time.Minute,
		"second": time.Second,
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}
		num, frac, err := parse(part)
		if err != nil {
			return 0, err
		}
		unit := units[name]
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}
	return ret, nil
}

func parse(s string) (num int, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	a, b, ok := strings.Cut(s, ".")
	if ok {
		if len(b) > 9 {
			return 0, 0, ErrISOFormat
		}
		var f int
		f, err = strconv.Atoi(b)
		if err != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", err)
		}
		frac = float64(f) / math.Pow10(len(b))
	}
	num, err = strconv.Atoi(a)
	if err != nil {
		err = fmt.Errorf("parsing number: %w", err)
	}
	return
}
