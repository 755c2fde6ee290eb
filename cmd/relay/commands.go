package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/insight-relay/internal/calendar"
	"github.com/nugget/insight-relay/internal/config"
	"github.com/nugget/insight-relay/internal/scheduler"
)

// historyLimit is how many executions "relay history" shows.
const historyLimit = 20

// runFire connects the messaging session, runs one job immediately and
// records it in history as a manual execution. Useful for checking
// credentials and pairing without waiting for the schedule.
func runFire(ctx context.Context, stdout io.Writer, opts options, job string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()

	goSafe(logger, "session-events", func() {
		followSession(ctx, a.session.Events(), stdout, logger)
	})
	if err := a.session.Start(ctx); err != nil {
		a.session.Close()
		return fmt.Errorf("start messaging session: %w", err)
	}
	defer a.session.Close()

	exec, err := a.scheduler.Trigger(ctx, job)
	if exec != nil {
		if opts.output == "json" {
			if jerr := writeJSON(stdout, exec); jerr != nil {
				return jerr
			}
		} else {
			fmt.Fprintf(stdout, "%s %s in %s\n", exec.Job, exec.Status, exec.Duration().Round(time.Millisecond))
		}
	}
	if err != nil {
		return fmt.Errorf("fire %s: %w", job, err)
	}
	return nil
}

// runHistory prints the most recent executions, optionally for one job.
func runHistory(stdout io.Writer, opts options, job string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(job, historyLimit)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		if execs == nil {
			execs = []*scheduler.Execution{}
		}
		return writeJSON(stdout, execs)
	}
	return printHistory(stdout, execs, cfg.Timezone)
}

func printHistory(w io.Writer, execs []*scheduler.Execution, zone string) error {
	if len(execs) == 0 {
		fmt.Fprintln(w, "no executions recorded")
		return nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-20s %-10s %-9s %-10s %8s  %s\n", "SCHEDULED", "JOB", "TRIGGER", "STATUS", "DURATION", "RESULT")
	for _, e := range execs {
		fmt.Fprintf(w, "%-20s %-10s %-9s %-10s %8s  %s\n",
			e.ScheduledAt.In(loc).Format("2006-01-02 15:04 MST"),
			e.Job,
			e.Trigger,
			e.Status,
			e.Duration().Round(time.Millisecond),
			e.Result,
		)
	}
	return nil
}

// upcoming is one job's next firing instants, as printed by "relay next".
type upcoming struct {
	Job      string      `json:"job"`
	Schedule string      `json:"schedule"`
	Timezone string      `json:"timezone"`
	Next     []time.Time `json:"next"`
}

// upcomingCount is how many instants "relay next" lists per job.
const upcomingCount = 3

// runNext prints the next few firing instants of every job. It only
// evaluates calendar rules and touches nothing else.
func runNext(stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	out, err := upcomingFirings(cfg.Jobs, cfg.Timezone, time.Now(), upcomingCount)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, out)
	}
	for _, u := range out {
		fmt.Fprintf(stdout, "%s (%s, %s)\n", u.Job, u.Schedule, u.Timezone)
		for _, t := range u.Next {
			fmt.Fprintf(stdout, "  %s\n", t.Format("Mon 2006-01-02 15:04 MST"))
		}
	}
	return nil
}

// upcomingFirings returns the next n instants after from for each job,
// evaluated in the job's own zone.
func upcomingFirings(jobs []config.JobConfig, zone string, from time.Time, n int) ([]upcoming, error) {
	out := make([]upcoming, 0, len(jobs))
	for _, j := range jobs {
		rule, err := calendar.Parse(j.Schedule, j.Zone(zone))
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", j.Name, err)
		}
		u := upcoming{Job: j.Name, Schedule: j.Schedule, Timezone: j.Zone(zone)}
		t := from
		for range n {
			t = rule.Next(t)
			if t.IsZero() {
				break
			}
			u.Next = append(u.Next, t.In(rule.Location()))
		}
		out = append(out, u)
	}
	return out, nil
}
