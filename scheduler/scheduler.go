package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"gorm.io/gorm"

	"farewatch/models"
	"farewatch/pkg/logger"
	"farewatch/pkg/metrics"
	"farewatch/services/evaluator"
	"farewatch/services/observations"
	"farewatch/services/quality"
)

// ArchivePurger removes raw feed archive entries past retention. Optional.
type ArchivePurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler maintains the queue of watches due for re-evaluation and runs the
// periodic sweeps: check-due, quality rescore, cleanup and digest, each on
// its own timer.
type Scheduler struct {
	cron      *gocron.Scheduler
	db        *gorm.DB
	store     *observations.Store
	archive   ArchivePurger
	evaluator *evaluator.Evaluator
	scorer    *quality.Scorer
	notifier  evaluator.NotificationDispatcher
	policy    *PolicyStore
	workers   int
	log       logger.Logger
	metrics   *metrics.Metrics
}

// New creates a scheduler. archive and m may be nil.
func New(db *gorm.DB, store *observations.Store, archive ArchivePurger,
	eval *evaluator.Evaluator, scorer *quality.Scorer,
	notifier evaluator.NotificationDispatcher, policy *PolicyStore,
	workers int, log logger.Logger, m *metrics.Metrics) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		cron:      gocron.NewScheduler(time.UTC),
		db:        db,
		store:     store,
		archive:   archive,
		evaluator: eval,
		scorer:    scorer,
		notifier:  notifier,
		policy:    policy,
		workers:   workers,
		log:       log,
		metrics:   m,
	}
}

// Start registers all sweeps and starts the cron loop.
func (s *Scheduler) Start() {
	p := s.policy.Get()

	s.cron.Every(p.CheckSweepMinutes).Minutes().Do(s.runCheckSweep)
	s.cron.Every(p.RescoreSweepMinutes).Minutes().Do(s.runRescoreSweep)
	s.cron.Every(1).Day().At(p.CleanupAt).Do(s.runCleanupSweep)
	s.cron.Every(1).Week().Sunday().At(p.DigestAt).Do(s.runDigestSweep)

	s.cron.StartAsync()
	s.log.Info("scheduler started",
		"check_sweep_minutes", p.CheckSweepMinutes,
		"rescore_sweep_minutes", p.RescoreSweepMinutes)
}

// Stop stops the cron loop and drains in-flight dispatches.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.evaluator.Wait()
	s.log.Info("scheduler stopped")
}

// NextInterval returns the re-check interval for a watch. Triggered watches
// get the tightest follow-up tier; otherwise departures inside the urgency
// window get the urgent tier.
func NextInterval(w *models.Watch, p Policy, now time.Time) time.Duration {
	if w.Status == models.WatchTriggered {
		return time.Duration(p.TriggeredIntervalMinutes) * time.Minute
	}
	if w.DepartureDate != nil {
		until := w.DepartureDate.Sub(now)
		if until > 0 && until <= time.Duration(p.UrgencyWindowDays)*24*time.Hour {
			return time.Duration(p.UrgentIntervalMinutes) * time.Minute
		}
	}
	return time.Duration(p.DefaultIntervalMinutes) * time.Minute
}

// Due returns the watches whose next check is at or before now, oldest-due
// first so worst-case staleness stays bounded under load. Triggered watches
// are included for follow-up checks.
func (s *Scheduler) Due(now time.Time) ([]models.Watch, error) {
	var watches []models.Watch
	err := s.db.
		Where("status IN ? AND next_check_at <= ?",
			[]models.WatchStatus{models.WatchActive, models.WatchTriggered}, now).
		Order("next_check_at ASC").
		Find(&watches).Error
	if err != nil {
		return nil, err
	}
	return watches, nil
}

// Reschedule sets the watch's next check to now plus its interval. Called
// unconditionally after every check so an active watch always has a future
// next-check.
func (s *Scheduler) Reschedule(w *models.Watch, now time.Time) error {
	next := now.Add(NextInterval(w, s.policy.Get(), now))
	return s.db.Model(w).Update("next_check_at", next).Error
}
