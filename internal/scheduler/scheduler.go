// Package scheduler runs the low-frequency loops: push subscription
// renewal, fallback and full sync enqueueing, and queue maintenance.
// Everything heavy goes through the job queue; the loops themselves
// only decide when.
package scheduler

import (
	"context"
	"sync"
	"time"

	"inboxpilot/internal/database"
	"inboxpilot/internal/feed"
	"inboxpilot/internal/metrics"
	"inboxpilot/internal/models"
	"inboxpilot/internal/worker"

	"github.com/rs/zerolog"
)

// Exporter writes a triage report for one account and returns the file
// path. Wired from the report package; nil disables report runs.
type Exporter interface {
	Export(ctx context.Context, accountID int64) (string, error)
}

// Options carries the loop cadences, resolved from config.
type Options struct {
	FallbackInterval time.Duration
	FullSyncInterval time.Duration
	WatchRenewal     time.Duration
	RetentionDays    int
}

type Scheduler struct {
	db       *database.DB
	pool     *worker.Pool
	watches  *feed.WatchManager
	clients  worker.ClientProvider
	exporter Exporter
	opts     Options
	logger   zerolog.Logger
	wg       sync.WaitGroup

	mu            sync.Mutex
	lastReportDay string
}

func New(db *database.DB, pool *worker.Pool, watches *feed.WatchManager, clients worker.ClientProvider, exporter Exporter, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = 15 * time.Minute
	}
	if opts.FullSyncInterval <= 0 {
		opts.FullSyncInterval = 12 * time.Hour
	}
	if opts.WatchRenewal <= 0 {
		opts.WatchRenewal = 24 * time.Hour
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = models.DefaultJobRetentionDays
	}
	return &Scheduler{
		db:       db,
		pool:     pool,
		watches:  watches,
		clients:  clients,
		exporter: exporter,
		opts:     opts,
		logger:   logger,
	}
}

// Start launches all loops. They stop when ctx is cancelled; Wait
// blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, "watch_renewal", s.opts.WatchRenewal, true, s.renewWatches)
	s.loop(ctx, "fallback_sync", s.opts.FallbackInterval, false, s.enqueueFallbackSyncs)
	s.loop(ctx, "full_sync", s.opts.FullSyncInterval, false, s.enqueueFullSyncs)
	s.loop(ctx, "maintenance", time.Hour, true, s.maintain)
	s.logger.Info().Msg("scheduler started")
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// loop runs fn every interval. A failing pass is logged and the loop
// keeps its cadence; one bad provider call must not stop the feed.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, immediate bool, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if immediate {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Str("loop", name).Msg("scheduled pass failed")
			}
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error().Err(err).Str("loop", name).Msg("scheduled pass failed")
				}
			}
		}
	}()
}

// renewWatches re-registers push subscriptions that expire within two
// renewal intervals, including accounts never watched at all.
func (s *Scheduler) renewWatches(ctx context.Context) error {
	ids, err := s.db.GetExpiringWatches(ctx, 2*s.opts.WatchRenewal)
	if err != nil {
		return err
	}
	for _, accountID := range ids {
		client, err := s.clients.ClientFor(ctx, accountID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("account_id", accountID).Msg("watch renewal: no client")
			continue
		}
		if err := s.watches.Renew(ctx, accountID, client); err != nil {
			s.logger.Warn().Err(err).Int64("account_id", accountID).Msg("watch renewal failed")
		}
	}
	return nil
}

func (s *Scheduler) enqueueFallbackSyncs(ctx context.Context) error {
	return s.enqueueSyncs(ctx, false)
}

func (s *Scheduler) enqueueFullSyncs(ctx context.Context) error {
	return s.enqueueSyncs(ctx, true)
}

// enqueueSyncs queues one sync job per active account. The fallback
// pass covers missed push notifications; the full pass reconciles the
// whole recent inbox.
func (s *Scheduler) enqueueSyncs(ctx context.Context, forceFull bool) error {
	accounts, err := s.db.GetActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		_, err := s.pool.Enqueue(ctx, models.JobSync, account.ID, &models.SyncPayload{ForceFull: forceFull})
		if err != nil {
			return err
		}
	}
	if len(accounts) > 0 {
		s.logger.Info().Int("accounts", len(accounts)).Bool("full", forceFull).Msg("syncs queued")
	}
	return nil
}

// maintain garbage-collects terminal jobs, refreshes queue depth
// gauges and writes the daily report once per calendar day.
func (s *Scheduler) maintain(ctx context.Context) error {
	deleted, err := s.db.CleanupOldJobs(ctx, s.opts.RetentionDays)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info().Int64("jobs", deleted).Msg("cleaned up old jobs")
	}

	counts, err := s.db.CountJobsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []string{models.JobPending, models.JobRunning, models.JobCompleted, models.JobFailed} {
		metrics.SetQueueDepth(status, counts[status])
	}

	return s.exportReports(ctx)
}

func (s *Scheduler) exportReports(ctx context.Context) error {
	if s.exporter == nil {
		return nil
	}
	today := time.Now().UTC().Format("2006-01-02")
	s.mu.Lock()
	done := s.lastReportDay == today
	if !done {
		s.lastReportDay = today
	}
	s.mu.Unlock()
	if done {
		return nil
	}

	accounts, err := s.db.GetActiveAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		path, err := s.exporter.Export(ctx, account.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("account_id", account.ID).Msg("report export failed")
			continue
		}
		s.logger.Info().Int64("account_id", account.ID).Str("path", path).Msg("report exported")
	}
	return nil
}
