package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Rutomatrix/scriptd/internal/model"

	"github.com/go-co-op/gocron/v2"
)

// Fetcher populates dir with the scripts of repo.
type Fetcher interface {
	Fetch(ctx context.Context, repo model.Repository, dir string) error
}

// Syncer fetches the scripts directory and refreshes the catalog afterwards.
// Concurrent calls are serialized.
type Syncer struct {
	fetcher Fetcher
	repo    *model.Repository
	catalog *ScriptCatalog

	mx sync.Mutex
}

func NewSyncer(fetcher Fetcher, repo *model.Repository, catalog *ScriptCatalog) *Syncer {
	return &Syncer{
		fetcher: fetcher,
		repo:    repo,
		catalog: catalog,
	}
}

func (s *Syncer) Sync(ctx context.Context) error {
	if s.repo == nil {
		return fmt.Errorf("%w: scripts.repository is not configured", model.ErrNotFound)
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	start := time.Now()
	if err := s.fetcher.Fetch(ctx, *s.repo, s.catalog.Dir()); err != nil {
		return fmt.Errorf("fetching scripts: %w", err)
	}
	if err := s.catalog.Refresh(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "scripts fetched",
		"url", s.repo.URL,
		"branch", s.repo.Branch,
		"dir", s.catalog.Dir(),
		"scripts", len(s.catalog.List()),
		"took", time.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

// NewScheduler returns a not yet started scheduler running task on the
// given schedule.
func NewScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	trigger, err := cfg.Parse()
	if err != nil {
		return nil, fmt.Errorf("scripts.refresh: %w", err)
	}
	var job gocron.JobDefinition
	if trigger.Cron != "" {
		job = gocron.CronJob(trigger.Cron, false)
		slog.DebugContext(ctx, "refresh scheduled", "cron", trigger.Cron)
	} else {
		job = gocron.DurationJob(trigger.Every)
		slog.DebugContext(ctx, "refresh scheduled", "every", trigger.Every.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
