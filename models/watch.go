package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WatchStatus represents the lifecycle state of a watch
type WatchStatus string

const (
	WatchActive    WatchStatus = "active"
	WatchPaused    WatchStatus = "paused"
	WatchTriggered WatchStatus = "triggered"
	WatchExpired   WatchStatus = "expired"
	WatchCancelled WatchStatus = "cancelled"
)

// String returns the string representation of WatchStatus
func (s WatchStatus) String() string {
	return string(s)
}

// NotifyMethod represents a notification delivery channel
type NotifyMethod string

const (
	NotifyEmail NotifyMethod = "email"
	NotifyPush  NotifyMethod = "push"
	NotifySMS   NotifyMethod = "sms"
)

// String returns the string representation of NotifyMethod
func (m NotifyMethod) String() string {
	return string(m)
}

// watchTransitions maps a target status to the statuses it may be entered from.
// Expired is reachable from every non-terminal state; cancelled only from active.
var watchTransitions = map[WatchStatus][]WatchStatus{
	WatchPaused:    {WatchActive},
	WatchActive:    {WatchPaused, WatchTriggered},
	WatchTriggered: {WatchActive, WatchTriggered},
	WatchExpired:   {WatchActive, WatchPaused, WatchTriggered},
	WatchCancelled: {WatchActive},
}

// Watch is a user-defined price watch over a route. It unifies what the
// product surface calls flight alerts, price alerts and flight filters.
type Watch struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	UserID         uint             `gorm:"index" json:"user_id"`
	Origin         string           `gorm:"type:varchar(10)" json:"origin"`
	Destination    string           `gorm:"type:varchar(10)" json:"destination"`
	DepartureDate  *time.Time       `json:"departure_date"`
	TargetPrice    decimal.Decimal  `gorm:"type:decimal(15,2)" json:"target_price"`
	MinPrice       *decimal.Decimal `gorm:"type:decimal(15,2)" json:"min_price,omitempty"`
	MaxPrice       *decimal.Decimal `gorm:"type:decimal(15,2)" json:"max_price,omitempty"`
	Currency       string           `gorm:"type:varchar(3);default:'USD'" json:"currency"`
	NotifyMethods  string           `gorm:"default:'email'" json:"notify_methods"` // comma separated
	Status         WatchStatus      `gorm:"type:varchar(20);default:'active';index" json:"status"`
	QualityScore   float64          `gorm:"default:1.0" json:"quality_score"`
	LastCheckedAt  *time.Time       `json:"last_checked_at"`
	NextCheckAt    time.Time        `gorm:"index" json:"next_check_at"`
	AutoBuyEnabled bool             `gorm:"default:false" json:"auto_buy_enabled"`
	PaymentRef     string           `json:"payment_ref,omitempty"`
	MaxBuyAttempts int              `gorm:"default:3" json:"max_buy_attempts"`
	BuyAttempts    int              `gorm:"default:0" json:"buy_attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Route returns the normalized directional route string for the watch.
func (w *Watch) Route() string {
	return NormalizeRoute(w.Origin + "-" + w.Destination)
}

// Methods returns the parsed notification methods, unknown entries skipped.
func (w *Watch) Methods() []NotifyMethod {
	var methods []NotifyMethod
	for _, part := range strings.Split(w.NotifyMethods, ",") {
		switch m := NotifyMethod(strings.ToLower(strings.TrimSpace(part))); m {
		case NotifyEmail, NotifyPush, NotifySMS:
			methods = append(methods, m)
		}
	}
	return methods
}

// CanTransition reports whether the watch may move to the given status.
func (w *Watch) CanTransition(to WatchStatus) bool {
	for _, from := range watchTransitions[to] {
		if w.Status == from {
			return true
		}
	}
	return false
}

// Transition moves the watch to the given status, rejecting undefined moves.
func (w *Watch) Transition(to WatchStatus) error {
	if !w.CanTransition(to) {
		return &TransitionError{From: w.Status, To: to}
	}
	w.Status = to
	return nil
}

// AutoBuyAvailable reports whether an auto-buy attempt may still be made.
func (w *Watch) AutoBuyAvailable() bool {
	return w.AutoBuyEnabled && w.PaymentRef != "" && w.BuyAttempts < w.MaxBuyAttempts
}

// NotificationKind classifies entries in the notification history
type NotificationKind string

const (
	NotificationPriceDrop        NotificationKind = "price_drop"
	NotificationPurchaseOutcome  NotificationKind = "purchase_outcome"
	NotificationAutoBuyExhausted NotificationKind = "autobuy_exhausted"
	NotificationDeliveryProblem  NotificationKind = "delivery_problem"
	NotificationDigest           NotificationKind = "digest"
)

// TriggerEvent is an append-only trigger-history entry for a watch.
type TriggerEvent struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	WatchID     uint            `gorm:"index" json:"watch_id"`
	TriggeredAt time.Time       `json:"triggered_at"`
	Price       decimal.Decimal `gorm:"type:decimal(15,2)" json:"price"`
	Provider    string          `json:"provider"`
	DropAmount  decimal.Decimal `gorm:"type:decimal(15,2)" json:"drop_amount"`
	DropPercent decimal.Decimal `gorm:"type:decimal(10,4)" json:"drop_percent"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NotificationRecord is an append-only notification-history entry for a watch.
type NotificationRecord struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	WatchID   uint             `gorm:"index" json:"watch_id"`
	SentAt    time.Time        `json:"sent_at"`
	Method    NotifyMethod     `gorm:"type:varchar(10)" json:"method"`
	Kind      NotificationKind `gorm:"type:varchar(30);default:'price_drop'" json:"kind"`
	Content   string           `json:"content"`
	Success   bool             `json:"success"`
	CreatedAt time.Time        `json:"created_at"`
}

// BookingAction records the outcome of a payment dispatch for audit.
type BookingAction struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	WatchID       uint            `gorm:"index" json:"watch_id"`
	CorrelationID string          `gorm:"type:varchar(36)" json:"correlation_id"`
	Price         decimal.Decimal `gorm:"type:decimal(15,2)" json:"price"`
	PaymentRef    string          `json:"payment_ref"`
	Succeeded     bool            `json:"succeeded"`
	Message       string          `json:"message"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MigrateWatchModels runs database migrations for watch-related models
func MigrateWatchModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Watch{},
		&TriggerEvent{},
		&NotificationRecord{},
		&BookingAction{},
	)
}
