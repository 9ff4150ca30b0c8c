package quality

import (
	"context"
	"time"

	"gorm.io/gorm"

	"farewatch/models"
	"farewatch/pkg/logger"
)

// Score bounds and penalty constants. Scores always land in [MinScore, MaxScore].
const (
	MinScore = 0.1
	MaxScore = 1.0

	staleWatchAfter          = 7 * 24 * time.Hour
	staleWatchPenalty        = 0.2
	triggeredBonus           = 0.1
	failedNotificationPenalty = 0.05

	suspiciousPenalty      = 0.3
	observationDayPenalty  = 0.1 // captured more than a day ago
	observationHourPenalty = 0.05
)

// WatchScore computes a watch's quality score from its current observable
// state. Recomputation with unchanged inputs yields the same score.
func WatchScore(w *models.Watch, failedNotifications int, now time.Time) float64 {
	score := MaxScore

	if w.Status == models.WatchActive {
		ref := w.CreatedAt
		if w.LastCheckedAt != nil {
			ref = *w.LastCheckedAt
		}
		if now.Sub(ref) > staleWatchAfter {
			score -= staleWatchPenalty
		}
	}
	if w.Status == models.WatchTriggered {
		score += triggeredBonus
	}
	score -= failedNotificationPenalty * float64(failedNotifications)

	return clamp(score)
}

// ObservationScore computes an observation's quality score from its current
// state. The two staleness penalties are mutually exclusive; only the older
// bucket applies.
func ObservationScore(o *models.PriceObservation, now time.Time) float64 {
	score := MaxScore

	if o.ValidationStatus == models.ValidationSuspicious {
		score -= suspiciousPenalty
	}

	age := now.Sub(o.CapturedAt)
	switch {
	case age > 24*time.Hour:
		score -= observationDayPenalty
	case age > time.Hour:
		score -= observationHourPenalty
	}

	return clamp(score)
}

func clamp(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Scorer recomputes stored quality scores in bulk.
type Scorer struct {
	db  *gorm.DB
	log logger.Logger
}

// NewScorer creates a quality scorer over the store.
func NewScorer(db *gorm.DB, log logger.Logger) *Scorer {
	return &Scorer{db: db, log: log}
}

// RescoreWatches recomputes the score of every non-terminal watch. Returns
// the number of watches whose stored score changed.
func (s *Scorer) RescoreWatches(ctx context.Context) (int, error) {
	var watches []models.Watch
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.WatchStatus{models.WatchActive, models.WatchPaused, models.WatchTriggered}).
		Find(&watches).Error
	if err != nil {
		return 0, err
	}

	now := time.Now()
	changed := 0
	for i := range watches {
		w := &watches[i]

		var failed int64
		if err := s.db.Model(&models.NotificationRecord{}).
			Where("watch_id = ? AND success = ?", w.ID, false).
			Count(&failed).Error; err != nil {
			return changed, err
		}

		score := WatchScore(w, int(failed), now)
		if score == w.QualityScore {
			continue
		}
		if err := s.db.Model(w).Update("quality_score", score).Error; err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// RescoreObservations recomputes the score of every non-invalid observation.
// Returns the number of observations whose stored score changed.
func (s *Scorer) RescoreObservations(ctx context.Context) (int, error) {
	var obs []models.PriceObservation
	err := s.db.WithContext(ctx).
		Where("validation_status <> ?", models.ValidationInvalid).
		Find(&obs).Error
	if err != nil {
		return 0, err
	}

	now := time.Now()
	changed := 0
	for i := range obs {
		o := &obs[i]
		score := ObservationScore(o, now)
		if score == o.QualityScore {
			continue
		}
		if err := s.db.Model(o).Update("quality_score", score).Error; err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
