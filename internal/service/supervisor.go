package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

const (
	defaultSweepEach = 10 * time.Minute
	limiterGCEach    = time.Minute
)

// Server is a long running listener stopped by a context
type Server interface {
	Serve(ctx context.Context) error
}

// GCFunc drops idle rate limiter entries and returns how many were dropped
type GCFunc func(now time.Time) int

// Supervisor runs the scheduler, the periodic jobs and the servers as one
// unit. The first failure of any of them stops the rest.
type Supervisor struct {
	scheduler *Scheduler
	cron      gocron.Scheduler
	servers   []Server
}

func NewSupervisor(ctx context.Context, cfg model.Cleanup, scheduler *Scheduler, sweeper *Sweeper, gc GCFunc, servers ...Server) (*Supervisor, error) {
	cron, err := newScheduler(ctx, cfg, sweeper, gc)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		scheduler: scheduler,
		cron:      cron,
		servers:   servers,
	}, nil
}

// Do blocks until ctx is cancelled or any part fails. Running jobs are
// cancelled before it returns.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "servers", len(s.servers))

	s.cron.Start()
	defer func() {
		err := s.cron.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scheduler.Do(gctx)
	})
	for _, srv := range s.servers {
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newScheduler(ctx context.Context, cfg model.Cleanup, sweeper *Sweeper, gc GCFunc) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		schedule, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing cleanup.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "sweeper scheduled", "cron", cfg.Cron, "next", schedule.Next(time.Now()))
	case cfg.Interval != nil:
		d := cfg.Interval.Duration()
		if d <= 0 {
			return nil, errors.New("cleanup.interval must be positive")
		}
		slog.DebugContext(ctx, "sweeper scheduled", "every", d.String())
		job = gocron.DurationJob(d)
	default:
		job = gocron.DurationJob(defaultSweepEach)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { sweeper.Sweep(ctx) }),
		gocron.WithName("sweeper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	if gc != nil {
		_, err = s.NewJob(
			gocron.DurationJob(limiterGCEach),
			gocron.NewTask(func() {
				if n := gc(time.Now()); n > 0 {
					slog.DebugContext(ctx, "rate limiter entries dropped", "count", n)
				}
			}),
			gocron.WithName("limiter-gc"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("initializing gocron job: %w", err)
		}
	}
	return s, nil
}
