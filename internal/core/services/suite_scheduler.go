package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// suiteStarter is the part of SuiteRunner the scheduler needs
type suiteStarter interface {
	Start(ctx context.Context, suiteID string, opts RunOptions) (domain.SuiteRun, error)
}

type scheduledSuite struct {
	schedule domain.SuiteSchedule
	spec     cronSpec
	next     time.Time
}

// SuiteScheduler starts suite runs on cron schedules. A schedule that fires
// while its suite is still running is skipped, never queued.
type SuiteScheduler struct {
	logger  *slog.Logger
	starter suiteStarter
	entries []*scheduledSuite
	tick    time.Duration // check interval (1 minute default)
	now     func() time.Time
}

// NewSuiteScheduler validates every schedule up front.
func NewSuiteScheduler(logger *slog.Logger, starter suiteStarter, schedules []domain.SuiteSchedule) (*SuiteScheduler, error) {
	s := &SuiteScheduler{
		logger:  logger,
		starter: starter,
		tick:    time.Minute,
		now:     time.Now,
	}
	from := s.now()
	for _, sc := range schedules {
		if strings.TrimSpace(sc.SuiteID) == "" {
			return nil, fmt.Errorf("schedule %q: suite_id is required", sc.Cron)
		}
		spec, err := parseCron(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule for suite %s: %w", sc.SuiteID, err)
		}
		next, err := spec.next(from)
		if err != nil {
			return nil, fmt.Errorf("schedule for suite %s: %w", sc.SuiteID, err)
		}
		s.entries = append(s.entries, &scheduledSuite{schedule: sc, spec: spec, next: next})
	}
	return s, nil
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *SuiteScheduler) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		s.logger.Info("suite scheduler idle, no schedules configured")
		<-ctx.Done()
		return nil
	}

	s.logger.Info("suite scheduler started", "schedules", len(s.entries), "check_interval", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("suite scheduler stopped")
			return nil
		case <-ticker.C:
			s.fireDue(ctx, s.now())
		}
	}
}

// fireDue starts every schedule whose next time is at or before now and
// returns how many runs were started.
func (s *SuiteScheduler) fireDue(ctx context.Context, now time.Time) int {
	started := 0
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}

		run, err := s.starter.Start(ctx, e.schedule.SuiteID, RunOptions{
			Concurrency: e.schedule.Concurrency,
			Limit:       e.schedule.Limit,
		})
		switch {
		case errors.Is(err, domain.ErrSuiteAlreadyRunning):
			s.logger.Info("scheduled suite skipped, already running", "suite_id", e.schedule.SuiteID)
		case err != nil:
			s.logger.Error("scheduled suite failed to start", "suite_id", e.schedule.SuiteID, "error", err)
		default:
			started++
			s.logger.Info("scheduled suite started", "suite_id", e.schedule.SuiteID, "suite_run_id", run.ID)
		}

		next, err := e.spec.next(now)
		if err != nil {
			// parseCron guarantees a match within a year; keep the loop alive regardless
			s.logger.Error("no next run for schedule", "suite_id", e.schedule.SuiteID, "cron", e.schedule.Cron, "error", err)
			next = now.Add(24 * time.Hour)
		}
		e.next = next
	}
	return started
}

// cronSpec is a parsed "minute hour day month weekday" expression.
type cronSpec struct {
	minute, hour, day, month, weekday fieldSet
}

type fieldSet map[int]bool

var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

// parseCron supports *, N, N-M, */N, N-M/S and comma lists of those.
func parseCron(expr string) (cronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSpec{}, fmt.Errorf("expected 5 fields (min hour day month weekday), got %d", len(fields))
	}

	var sets [5]fieldSet
	for i, f := range fields {
		set, err := parseCronField(f, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return cronSpec{}, fmt.Errorf("field %d %q: %w", i+1, f, err)
		}
		sets[i] = set
	}
	return cronSpec{minute: sets[0], hour: sets[1], day: sets[2], month: sets[3], weekday: sets[4]}, nil
}

func parseCronField(pattern string, lo, hi int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid step %q", s)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			from, err1 = strconv.Atoi(a)
			to, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil || from > to {
				return nil, fmt.Errorf("invalid range %q", part)
			}
		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", part)
			}
			from, to = n, n
			if step > 1 {
				to = hi
			}
		}
		if from < lo || to > hi {
			return nil, fmt.Errorf("value out of range [%d-%d]", lo, hi)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return set, nil
}

func (c cronSpec) matches(t time.Time) bool {
	return c.minute[t.Minute()] &&
		c.hour[t.Hour()] &&
		c.day[t.Day()] &&
		c.month[int(t.Month())] &&
		c.weekday[int(t.Weekday())]
}

// next returns the first matching minute strictly after from.
func (c cronSpec) next(from time.Time) (time.Time, error) {
	candidate := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(1, 0, 1)

	for candidate.Before(limit) {
		if c.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching time found within a year")
}
