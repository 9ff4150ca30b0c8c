package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"farewatch/models"
	"farewatch/pkg/utils"
	"farewatch/services/evaluator"
)

// runCheckSweep evaluates every due watch. Watch evaluations are independent
// and run concurrently on a bounded pool; per-watch serialization lives in
// the evaluator. Every processed watch is rescheduled, match or not.
func (s *Scheduler) runCheckSweep() {
	start := time.Now()
	due, err := s.Due(start)
	if err != nil {
		s.log.Error("check sweep failed to load due watches", "error", err)
		return
	}

	pool := utils.NewWorkerPool(s.workers)
	for i := range due {
		w := due[i]
		pool.Submit(func() {
			s.checkWatch(w)
		})
	}
	pool.Wait()

	s.expireLapsed(start)

	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues("check").Observe(time.Since(start).Seconds())
	}
	if len(due) > 0 {
		s.log.Info("check sweep completed", "due", len(due), "elapsed", time.Since(start))
	}
}

func (s *Scheduler) checkWatch(w models.Watch) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	obs, err := s.store.LatestPrice(w.Route())
	if err != nil {
		s.log.Error("failed to load latest price", "watch_id", w.ID, "route", w.Route(), "error", err)
	} else if obs == nil {
		s.log.Debug("no usable price for route", "watch_id", w.ID, "route", w.Route())
	} else {
		if _, err := s.evaluator.CheckPrice(ctx, w.ID, evaluator.PriceQuote{
			Price:    obs.Price,
			Provider: obs.Provider,
		}); err != nil {
			s.log.Error("evaluation failed", "watch_id", w.ID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.WatchesChecked.Inc()
	}

	// Reload: the interval depends on the status the evaluation may have set.
	fresh := w
	if err := s.db.First(&fresh, w.ID).Error; err != nil {
		s.log.Error("failed to reload watch for reschedule", "watch_id", w.ID, "error", err)
	}
	if err := s.Reschedule(&fresh, time.Now()); err != nil {
		s.log.Error("failed to reschedule watch", "watch_id", w.ID, "error", err)
	}
}

// expireLapsed expires watches whose departure date has passed.
func (s *Scheduler) expireLapsed(now time.Time) {
	res := s.db.Model(&models.Watch{}).
		Where("status IN ? AND departure_date IS NOT NULL AND departure_date < ?",
			[]models.WatchStatus{models.WatchActive, models.WatchPaused, models.WatchTriggered}, now).
		Update("status", models.WatchExpired)
	if res.Error != nil {
		s.log.Error("failed to expire lapsed watches", "error", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		s.log.Info("expired lapsed watches", "count", res.RowsAffected)
	}
}

// runRescoreSweep settles pending validations and recomputes quality scores.
func (s *Scheduler) runRescoreSweep() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	valid, suspicious, err := s.store.ReviewPending(ctx)
	if err != nil {
		s.log.Error("pending review failed", "error", err)
	} else if valid+suspicious > 0 {
		s.log.Info("pending records reviewed", "valid", valid, "suspicious", suspicious)
	}

	if _, err := s.scorer.RescoreWatches(ctx); err != nil {
		s.log.Error("watch rescore failed", "error", err)
	}
	if _, err := s.scorer.RescoreObservations(ctx); err != nil {
		s.log.Error("observation rescore failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues("rescore").Observe(time.Since(start).Seconds())
	}
}

// runCleanupSweep merges duplicate groups and applies the retention windows:
// raw provider data, canonical price history, and old history entries.
func (s *Scheduler) runCleanupSweep() {
	start := time.Now()
	p := s.policy.Get()

	groups, err := s.store.FindDuplicateGroups("", "")
	if err != nil {
		s.log.Error("failed to find duplicate groups", "error", err)
	} else {
		for _, group := range groups {
			if _, err := s.store.MergeGroup(group); err != nil {
				s.log.Error("failed to merge duplicate group", "group", group, "error", err)
			}
		}
		if len(groups) > 0 {
			s.log.Info("merged duplicate groups", "count", len(groups))
		}
	}

	rawCutoff := start.Add(-time.Duration(p.RawRetentionHours) * time.Hour)
	if purged, err := s.store.PurgeOlderThan(rawCutoff); err != nil {
		s.log.Error("raw record purge failed", "error", err)
	} else if purged > 0 {
		s.log.Info("purged raw provider records", "count", purged)
	}

	obsCutoff := start.AddDate(0, 0, -p.ObservationRetentionDays)
	if purged, err := s.store.PurgeObservationsOlderThan(obsCutoff); err != nil {
		s.log.Error("observation purge failed", "error", err)
	} else if purged > 0 {
		s.log.Info("purged old observations", "count", purged)
	}

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if _, err := s.archive.PurgeOlderThan(ctx, rawCutoff); err != nil {
			s.log.Error("feed archive purge failed", "error", err)
		}
		cancel()
	}

	historyCutoff := start.AddDate(0, 0, -p.HistoryRetentionDays)
	if err := s.db.Where("created_at < ?", historyCutoff).
		Delete(&models.NotificationRecord{}).Error; err != nil {
		s.log.Error("notification history cleanup failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues("cleanup").Observe(time.Since(start).Seconds())
	}
}

// runDigestSweep sends each owner of active watches a weekly summary through
// the notification dispatcher.
func (s *Scheduler) runDigestSweep() {
	start := time.Now()

	var userIDs []uint
	err := s.db.Model(&models.Watch{}).
		Where("status IN ?", []models.WatchStatus{models.WatchActive, models.WatchTriggered}).
		Distinct().
		Pluck("user_id", &userIDs).Error
	if err != nil {
		s.log.Error("digest sweep failed to load users", "error", err)
		return
	}

	for _, userID := range userIDs {
		if err := s.sendDigest(userID); err != nil {
			s.log.Error("digest delivery failed", "user_id", userID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.SweepDuration.WithLabelValues("digest").Observe(time.Since(start).Seconds())
	}
	s.log.Info("digest sweep completed", "users", len(userIDs), "elapsed", time.Since(start))
}

func (s *Scheduler) sendDigest(userID uint) error {
	var watches []models.Watch
	err := s.db.
		Where("user_id = ? AND status IN ?", userID,
			[]models.WatchStatus{models.WatchActive, models.WatchTriggered}).
		Order("id ASC").
		Find(&watches).Error
	if err != nil {
		return err
	}
	if len(watches) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are watching %d routes:\n", len(watches))
	for i := range watches {
		w := &watches[i]
		line := fmt.Sprintf("%s: no recent price (target %s %s)", w.Route(), w.TargetPrice.StringFixed(2), w.Currency)
		if obs, err := s.store.LatestPrice(w.Route()); err == nil && obs != nil {
			line = fmt.Sprintf("%s: latest %s %s (target %s)",
				w.Route(), obs.Price.StringFixed(2), obs.Currency, w.TargetPrice.StringFixed(2))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	content := b.String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dispatchErr := s.notifier.Dispatch(ctx, watches[0].ID, models.NotifyEmail, content)
	record := models.NotificationRecord{
		WatchID: watches[0].ID,
		SentAt:  time.Now(),
		Method:  models.NotifyEmail,
		Kind:    models.NotificationDigest,
		Content: content,
		Success: dispatchErr == nil,
	}
	if err := s.db.Create(&record).Error; err != nil {
		return err
	}
	return dispatchErr
}
