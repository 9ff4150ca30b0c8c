package observations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"farewatch/models"
	"farewatch/pkg/logger"
	"farewatch/pkg/metrics"
)

// Price sanity bounds and flight duration bounds used by anomaly detection.
var (
	minPlausiblePrice = decimal.NewFromInt(10)
	maxPlausiblePrice = decimal.NewFromInt(10000)
)

const (
	minFlightDuration = 30 * time.Minute
	maxFlightDuration = 24 * time.Hour
)

// FeedArchiver tees raw feed entries into an audit archive before
// normalization. Optional; a nil archiver disables archiving.
type FeedArchiver interface {
	Store(ctx context.Context, flightID, provider, route string, schedule, pricing []byte, capturedAt time.Time) error
}

// Store ingests raw provider price records, normalizes and deduplicates them,
// and maintains the canonical per-(route, date, provider) observations.
type Store struct {
	db      *gorm.DB
	archive FeedArchiver
	log     logger.Logger
	metrics *metrics.Metrics
}

// NewStore creates a price observation store. archive and m may be nil.
func NewStore(db *gorm.DB, archive FeedArchiver, log logger.Logger, m *metrics.Metrics) *Store {
	return &Store{db: db, archive: archive, log: log, metrics: m}
}

// RawRecord is a pre-normalization feed entry as delivered by a provider.
// Schedule and Pricing are the provider's blobs, parsed here at the
// ingestion boundary into tagged payloads.
type RawRecord struct {
	FlightID   string          `json:"flight_id"`
	Provider   string          `json:"provider"`
	Route      string          `json:"route"`
	Schedule   json.RawMessage `json:"schedule"`
	Pricing    json.RawMessage `json:"pricing"`
	CapturedAt *time.Time      `json:"captured_at"`
}

type schedulePayload struct {
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
}

type pricingPayload struct {
	Amount       json.Number `json:"amount"`
	Currency     string      `json:"currency"`
	BookingClass string      `json:"booking_class"`
}

// Ingest normalizes a raw record, persists it and upserts the canonical
// observation for its (route, date, provider) key. Returns the observation id.
// Malformed input is rejected with a models.ValidationError and never persisted.
func (s *Store) Ingest(ctx context.Context, raw RawRecord) (uint, error) {
	if raw.FlightID == "" {
		return 0, &models.ValidationError{Field: "flight_id", Reason: "missing"}
	}
	if raw.Provider == "" {
		return 0, &models.ValidationError{Field: "provider", Reason: "missing"}
	}

	route := models.NormalizeRoute(raw.Route)
	if route == "" {
		return 0, &models.ValidationError{Field: "route", Reason: "missing or empty after normalization"}
	}

	var pricing pricingPayload
	if err := json.Unmarshal(raw.Pricing, &pricing); err != nil {
		return 0, &models.ValidationError{Field: "pricing", Reason: "malformed payload"}
	}
	if pricing.Amount == "" {
		return 0, &models.ValidationError{Field: "pricing.amount", Reason: "missing"}
	}
	if pricing.Currency == "" {
		return 0, &models.ValidationError{Field: "pricing.currency", Reason: "missing"}
	}
	price, err := decimal.NewFromString(pricing.Amount.String())
	if err != nil {
		return 0, &models.ValidationError{Field: "pricing.amount", Reason: "not a decimal"}
	}
	if !price.IsPositive() {
		return 0, &models.ValidationError{Field: "pricing.amount", Reason: "must be positive"}
	}
	price = price.Round(2)
	currency := strings.ToUpper(pricing.Currency)

	var schedule schedulePayload
	if err := json.Unmarshal(raw.Schedule, &schedule); err != nil {
		return 0, &models.ValidationError{Field: "schedule", Reason: "malformed payload"}
	}
	if schedule.Departure == "" {
		return 0, &models.ValidationError{Field: "schedule.departure", Reason: "missing"}
	}
	// Unparsable timestamps are kept nil; the anomaly review flags them later.
	departureAt := parseTimestamp(schedule.Departure)
	arrivalAt := parseTimestamp(schedule.Arrival)

	capturedAt := time.Now()
	if raw.CapturedAt != nil {
		capturedAt = *raw.CapturedAt
	}

	date := travelDate(departureAt, capturedAt)
	groupID := duplicateGroupKey(route, departureAt, date)

	var obsID uint
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.ProviderRecord{
			FlightID:         raw.FlightID,
			Provider:         raw.Provider,
			Route:            route,
			DepartureAt:      departureAt,
			ArrivalAt:        arrivalAt,
			Price:            price,
			Currency:         currency,
			BookingClass:     strings.ToUpper(pricing.BookingClass),
			CapturedAt:       capturedAt,
			ValidationStatus: models.ValidationPending,
			DuplicateGroupID: groupID,
		}

		var existing models.ProviderRecord
		err := tx.Where("provider = ? AND flight_id = ?", raw.Provider, raw.FlightID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Re-poll of a known flight: refresh the mutable fields.
			if err := tx.Model(&existing).Updates(map[string]interface{}{
				"price":              price,
				"currency":           currency,
				"captured_at":        capturedAt,
				"departure_at":       departureAt,
				"arrival_at":         arrivalAt,
				"duplicate_group_id": groupID,
				"validation_status":  models.ValidationPending,
			}).Error; err != nil {
				return err
			}
		}

		var obs models.PriceObservation
		err = tx.Where("route = ? AND date = ? AND provider = ?", route, date, raw.Provider).First(&obs).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			obs = models.PriceObservation{
				Route:            route,
				Date:             date,
				Provider:         raw.Provider,
				Price:            price,
				Currency:         currency,
				BookingClass:     strings.ToUpper(pricing.BookingClass),
				CapturedAt:       capturedAt,
				ValidationStatus: models.ValidationPending,
				QualityScore:     1.0,
			}
			if err := tx.Create(&obs).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&obs).Updates(map[string]interface{}{
				"price":             price,
				"currency":          currency,
				"captured_at":       capturedAt,
				"validation_status": models.ValidationPending,
			}).Error; err != nil {
				return err
			}
		}

		obsID = obs.ID
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.ObservationsIngested.Inc()
	}

	// Archiving is best-effort; a failed tee never fails the ingest.
	if s.archive != nil {
		if err := s.archive.Store(ctx, raw.FlightID, raw.Provider, route, raw.Schedule, raw.Pricing, capturedAt); err != nil {
			s.log.Warn("raw feed archive failed", "provider", raw.Provider, "flight_id", raw.FlightID, "error", err)
		}
	}

	return obsID, nil
}

// FindDuplicateGroups returns the duplicate-group ids with more than one
// member. Empty route or provider leaves that filter off.
func (s *Store) FindDuplicateGroups(route, provider string) ([]string, error) {
	q := s.db.Model(&models.ProviderRecord{})
	if route != "" {
		q = q.Where("route = ?", models.NormalizeRoute(route))
	}
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var groups []string
	err := q.Group("duplicate_group_id").
		Having("COUNT(*) > 1").
		Pluck("duplicate_group_id", &groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// MergeGroup collapses a duplicate group onto one canonical record: the most
// recently captured valid member, falling back to the most recent member of
// any status. Other members are marked invalid and re-pointed at the
// canonical id. Groups with fewer than two members are left untouched.
// The read of group membership and the member updates share one transaction
// so concurrent merges of the same group cannot interleave.
func (s *Store) MergeGroup(groupID string) (*models.ProviderRecord, error) {
	var canonical *models.ProviderRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var members []models.ProviderRecord
		if err := tx.Where("duplicate_group_id = ?", groupID).
			Order("captured_at DESC").
			Find(&members).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		if len(members) == 1 {
			canonical = &members[0]
			return nil
		}

		pick := &members[0]
		for i := range members {
			if members[i].ValidationStatus == models.ValidationValid {
				pick = &members[i]
				break
			}
		}
		canonical = pick

		return tx.Model(&models.ProviderRecord{}).
			Where("duplicate_group_id = ? AND id <> ?", groupID, pick.ID).
			Updates(map[string]interface{}{
				"validation_status": models.ValidationInvalid,
				"canonical_id":      pick.ID,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// AnomalyFlag marks a provider record that failed a sanity check. Advisory
// only; flagged records are never deleted here.
type AnomalyFlag struct {
	RecordID uint
	Reason   string
}

const (
	AnomalyPriceOutOfRange = "price_out_of_range"
	AnomalyBadDuration     = "implausible_duration"
	AnomalyBadTimestamps   = "unparsable_timestamps"
)

// DetectAnomalies inspects records for implausible prices, implausible flight
// durations and missing/unparsable schedule timestamps.
func (s *Store) DetectAnomalies(records []models.ProviderRecord) []AnomalyFlag {
	var flags []AnomalyFlag
	for _, rec := range records {
		if rec.Price.LessThan(minPlausiblePrice) || rec.Price.GreaterThan(maxPlausiblePrice) {
			flags = append(flags, AnomalyFlag{RecordID: rec.ID, Reason: AnomalyPriceOutOfRange})
		}
		if rec.DepartureAt == nil || rec.ArrivalAt == nil {
			flags = append(flags, AnomalyFlag{RecordID: rec.ID, Reason: AnomalyBadTimestamps})
			continue
		}
		duration := rec.ArrivalAt.Sub(*rec.DepartureAt)
		if duration < minFlightDuration || duration > maxFlightDuration {
			flags = append(flags, AnomalyFlag{RecordID: rec.ID, Reason: AnomalyBadDuration})
		}
	}
	return flags
}

// ReviewPending runs the anomaly checks over all pending records and settles
// their status: flagged records (and their observations) become suspicious,
// clean ones become valid. Returns (valid, suspicious) counts.
func (s *Store) ReviewPending(ctx context.Context) (int, int, error) {
	var pending []models.ProviderRecord
	if err := s.db.WithContext(ctx).
		Where("validation_status = ?", models.ValidationPending).
		Find(&pending).Error; err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}

	flagged := make(map[uint]bool)
	for _, f := range s.DetectAnomalies(pending) {
		flagged[f.RecordID] = true
	}

	valid, suspicious := 0, 0
	for i := range pending {
		rec := &pending[i]
		status := models.ValidationValid
		if flagged[rec.ID] {
			status = models.ValidationSuspicious
			suspicious++
		} else {
			valid++
		}
		if err := s.db.Model(rec).Update("validation_status", status).Error; err != nil {
			return valid, suspicious, err
		}
		date := travelDate(rec.DepartureAt, rec.CapturedAt)
		if err := s.db.Model(&models.PriceObservation{}).
			Where("route = ? AND date = ? AND provider = ? AND validation_status = ?",
				rec.Route, date, rec.Provider, models.ValidationPending).
			Update("validation_status", status).Error; err != nil {
			return valid, suspicious, err
		}
	}
	return valid, suspicious, nil
}

// LatestPrice returns the most recently captured valid observation for a
// route, or nil when the route has no usable data yet.
func (s *Store) LatestPrice(route string) (*models.PriceObservation, error) {
	var obs models.PriceObservation
	err := s.db.Where("route = ? AND validation_status = ?",
		models.NormalizeRoute(route), models.ValidationValid).
		Order("captured_at DESC").
		First(&obs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &obs, nil
}

// PurgeOlderThan deletes provider records captured before cutoff. Irreversible.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("captured_at < ?", cutoff).Delete(&models.ProviderRecord{})
	return res.RowsAffected, res.Error
}

// PurgeObservationsOlderThan deletes canonical observations captured before
// cutoff; pairs with the 90 day price-history retention window.
func (s *Store) PurgeObservationsOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("captured_at < ?", cutoff).Delete(&models.PriceObservation{})
	return res.RowsAffected, res.Error
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	return &t
}

// travelDate keys the canonical observation: the departure day when known,
// otherwise the capture day.
func travelDate(departureAt *time.Time, capturedAt time.Time) time.Time {
	base := capturedAt
	if departureAt != nil {
		base = *departureAt
	}
	return time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, time.UTC)
}

// duplicateGroupKey deterministically assigns records of the same flight
// instance to one group: route plus departure instant, or route plus travel
// date when the departure never parsed.
func duplicateGroupKey(route string, departureAt *time.Time, date time.Time) string {
	if departureAt != nil {
		return route + "|" + departureAt.UTC().Format(time.RFC3339)
	}
	return route + "|" + date.Format("2006-01-02")
}
