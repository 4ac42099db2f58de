// Package cron provides a periodic scheduler that publishes connection
// status snapshots on a cron expression, for log-based monitoring and any
// bus subscriber (websocket clients, Telegram alerts).
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/zapgate/zapgate/internal/bus"
	"github.com/zapgate/zapgate/internal/supervisor"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the snapshot scheduler.
type Config struct {
	// Expr is a 5-field cron expression controlling when snapshots fire.
	Expr string

	Status       func() supervisor.Status
	MessagesSent func() uint64
	Bus          *bus.Bus
	Logger       *slog.Logger
}

// Scheduler fires a status snapshot whenever the cron expression is due.
type Scheduler struct {
	cfg      Config
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. It fails fast on an invalid expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		schedule: schedule,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	next, _ := NextRunTime(s.cfg.Expr, time.Now()) // expr validated in NewScheduler
	s.cfg.Logger.Info("snapshot scheduler started", "expr", s.cfg.Expr, "next_run", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.cfg.Logger.Info("snapshot scheduler stopped")
}

// loop sleeps until the next scheduled time and fires one snapshot per wake.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire()
		}
	}
}

// fire publishes one snapshot to the bus and writes it to the log.
func (s *Scheduler) fire() {
	snap := s.Snapshot()
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicStatusSnapshot, snap)
	}
	s.cfg.Logger.Info("status snapshot",
		"connected", snap.Connected,
		"uptime_seconds", snap.UptimeSeconds,
		"reconnects", snap.Reconnects,
		"messages_sent", snap.MessagesSent,
	)
}

// Snapshot assembles the current status without publishing it.
func (s *Scheduler) Snapshot() bus.StatusSnapshot {
	var st supervisor.Status
	if s.cfg.Status != nil {
		st = s.cfg.Status()
	}
	var sent uint64
	if s.cfg.MessagesSent != nil {
		sent = s.cfg.MessagesSent()
	}
	var uptime int64
	if st.Connected && !st.ConnectedSince.IsZero() {
		uptime = int64(time.Since(st.ConnectedSince).Seconds())
	}
	return bus.StatusSnapshot{
		Connected:     st.Connected,
		UptimeSeconds: uptime,
		Reconnects:    st.Reconnects,
		MessagesSent:  sent,
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
