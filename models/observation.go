package models

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ValidationStatus represents the validation state of ingested price data
type ValidationStatus string

const (
	ValidationPending    ValidationStatus = "pending"
	ValidationValid      ValidationStatus = "valid"
	ValidationSuspicious ValidationStatus = "suspicious"
	ValidationInvalid    ValidationStatus = "invalid"
)

// String returns the string representation of ValidationStatus
func (v ValidationStatus) String() string {
	return string(v)
}

// PriceObservation is the canonical price data point for (route, date, provider).
type PriceObservation struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	Route            string           `gorm:"type:varchar(30);uniqueIndex:idx_obs_route_date_provider" json:"route"`
	Date             time.Time        `gorm:"uniqueIndex:idx_obs_route_date_provider" json:"date"`
	Provider         string           `gorm:"type:varchar(50);uniqueIndex:idx_obs_route_date_provider" json:"provider"`
	Price            decimal.Decimal  `gorm:"type:decimal(15,2)" json:"price"`
	Currency         string           `gorm:"type:varchar(3)" json:"currency"`
	BookingClass     string           `gorm:"type:varchar(10)" json:"booking_class"`
	CapturedAt       time.Time        `gorm:"index" json:"captured_at"`
	ValidationStatus ValidationStatus `gorm:"type:varchar(20);default:'pending';index" json:"validation_status"`
	QualityScore     float64          `gorm:"default:1.0" json:"quality_score"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ProviderRecord is a raw, pre-normalization feed entry from a pricing source.
// Records sharing a DuplicateGroupID describe the same flight instance; after
// a merge every non-canonical member is invalid and points at the canonical id.
type ProviderRecord struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	FlightID         string           `gorm:"type:varchar(100);uniqueIndex:idx_rec_provider_flight" json:"flight_id"`
	Provider         string           `gorm:"type:varchar(50);uniqueIndex:idx_rec_provider_flight" json:"provider"`
	Route            string           `gorm:"type:varchar(30);index" json:"route"`
	DepartureAt      *time.Time       `json:"departure_at"`
	ArrivalAt        *time.Time       `json:"arrival_at"`
	Price            decimal.Decimal  `gorm:"type:decimal(15,2)" json:"price"`
	Currency         string           `gorm:"type:varchar(3)" json:"currency"`
	BookingClass     string           `gorm:"type:varchar(10)" json:"booking_class"`
	CapturedAt       time.Time        `gorm:"index" json:"captured_at"`
	ValidationStatus ValidationStatus `gorm:"type:varchar(20);default:'pending';index" json:"validation_status"`
	DuplicateGroupID string           `gorm:"type:varchar(100);index" json:"duplicate_group_id"`
	CanonicalID      *uint            `json:"canonical_id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NormalizeRoute canonicalizes a route string: trims, uppercases, collapses
// whitespace and separator runs into a single dash. The result is directional.
func NormalizeRoute(raw string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.TrimSpace(raw) {
		if r == '-' || r == '/' || r == '_' || r == '>' || unicode.IsSpace(r) {
			if b.Len() > 0 {
				pendingDash = true
			}
			continue
		}
		if pendingDash {
			b.WriteRune('-')
			pendingDash = false
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// MigrateObservationModels runs database migrations for price data models
func MigrateObservationModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&PriceObservation{},
		&ProviderRecord{},
	)
}
