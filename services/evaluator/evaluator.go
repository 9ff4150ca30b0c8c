package evaluator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"farewatch/models"
	"farewatch/pkg/logger"
	"farewatch/pkg/metrics"
	"farewatch/pkg/utils"
)

// Failed notifications at or above this count raise a delivery-problem
// notice to the user.
const deliveryProblemThreshold = 3

// ActionType represents the evaluator's decision for a price check
type ActionType string

const (
	NoAction      ActionType = "none"
	ActionNotify  ActionType = "notify"
	ActionAutoBuy ActionType = "auto_buy"
)

// Action is the outcome of a price check.
type Action struct {
	Type  ActionType
	Price decimal.Decimal
}

// PriceQuote is the current price under evaluation and where it came from.
type PriceQuote struct {
	Price    decimal.Decimal
	Provider string
}

// NotificationDispatcher delivers a notification through one channel. The
// dispatcher owns actual delivery; the evaluator only records the outcome.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, watchID uint, method models.NotifyMethod, content string) error
}

// PaymentDispatcher attempts a purchase on behalf of a watch owner.
type PaymentDispatcher interface {
	Purchase(ctx context.Context, watchID uint, price decimal.Decimal, paymentRef string) error
}

// Decide applies the pure matching rules: the price matches when it is at or
// below target (<= semantics) and inside the optional [min, max] bound.
// Paused and terminal watches never match; triggered watches keep matching so
// further drops append more trigger history.
func Decide(w *models.Watch, price decimal.Decimal) Action {
	if w.Status != models.WatchActive && w.Status != models.WatchTriggered {
		return Action{Type: NoAction}
	}
	if price.GreaterThan(w.TargetPrice) {
		return Action{Type: NoAction}
	}
	if w.MinPrice != nil && price.LessThan(*w.MinPrice) {
		return Action{Type: NoAction}
	}
	if w.MaxPrice != nil && price.GreaterThan(*w.MaxPrice) {
		return Action{Type: NoAction}
	}

	if w.AutoBuyAvailable() {
		return Action{Type: ActionAutoBuy, Price: price}
	}
	return Action{Type: ActionNotify, Price: price}
}

// Evaluator decides and commits trigger/no-trigger outcomes for watches.
// Evaluations for one watch id are serialized; dispatch calls run
// fire-and-forget with a timeout, their results recorded asynchronously.
type Evaluator struct {
	db              *gorm.DB
	notifier        NotificationDispatcher
	payments        PaymentDispatcher
	locks           *utils.KeyedMutex
	log             logger.Logger
	metrics         *metrics.Metrics
	dispatchTimeout time.Duration
	wg              sync.WaitGroup
}

// New creates an alert evaluator. m may be nil.
func New(db *gorm.DB, notifier NotificationDispatcher, payments PaymentDispatcher,
	log logger.Logger, m *metrics.Metrics, dispatchTimeout time.Duration) *Evaluator {
	return &Evaluator{
		db:              db,
		notifier:        notifier,
		payments:        payments,
		locks:           utils.NewKeyedMutex(),
		log:             log,
		metrics:         m,
		dispatchTimeout: dispatchTimeout,
	}
}

// CheckPrice evaluates the current price against the watch and commits the
// resulting action. The trigger commit is a compare-and-set on status: if a
// terminal status was set concurrently the result is discarded silently.
func (e *Evaluator) CheckPrice(ctx context.Context, watchID uint, quote PriceQuote) (Action, error) {
	unlock := e.locks.Lock(watchID)
	defer unlock()

	var w models.Watch
	if err := e.db.WithContext(ctx).First(&w, watchID).Error; err != nil {
		return Action{Type: NoAction}, fmt.Errorf("failed to load watch %d: %w", watchID, err)
	}

	now := time.Now()
	action := Decide(&w, quote.Price)
	if action.Type == NoAction {
		if w.Status == models.WatchActive || w.Status == models.WatchTriggered {
			if err := e.db.Model(&w).Update("last_checked_at", now).Error; err != nil {
				return action, err
			}
		}
		return action, nil
	}

	// Last-writer status check: commit the trigger only if the watch is still
	// matchable. Zero rows means a concurrent pause/expire/cancel won.
	res := e.db.Model(&models.Watch{}).
		Where("id = ? AND status IN ?", w.ID,
			[]models.WatchStatus{models.WatchActive, models.WatchTriggered}).
		Updates(map[string]interface{}{
			"status":          models.WatchTriggered,
			"last_checked_at": now,
		})
	if res.Error != nil {
		return Action{Type: NoAction}, res.Error
	}
	if res.RowsAffected == 0 {
		e.log.Debug("evaluation discarded, status changed concurrently",
			"watch_id", w.ID, "error", models.ErrConcurrencyConflict)
		return Action{Type: NoAction}, nil
	}

	drop := w.TargetPrice.Sub(quote.Price)
	dropPercent := decimal.Zero
	if w.TargetPrice.IsPositive() {
		dropPercent = drop.Div(w.TargetPrice).Mul(decimal.NewFromInt(100)).Round(2)
	}
	event := models.TriggerEvent{
		WatchID:     w.ID,
		TriggeredAt: now,
		Price:       quote.Price,
		Provider:    quote.Provider,
		DropAmount:  drop,
		DropPercent: dropPercent,
	}
	if err := e.db.Create(&event).Error; err != nil {
		return action, fmt.Errorf("failed to record trigger: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TriggersFired.Inc()
	}

	if action.Type == ActionAutoBuy {
		if e.reserveBuyAttempt(w.ID) {
			e.dispatchPurchase(w, quote.Price)
			return action, nil
		}
		// Lost the attempt race or just exhausted; fall back to notifying.
		e.log.Debug("auto-buy attempt not reserved",
			"watch_id", w.ID, "error", models.ErrAutoBuyExhausted)
		action = Action{Type: ActionNotify, Price: quote.Price}
	}

	e.dispatchNotifications(&w, quote.Price)
	return action, nil
}

// reserveBuyAttempt is the single atomic step guarding max_buy_attempts:
// check attempts < max and increment in one conditional update, then dispatch.
func (e *Evaluator) reserveBuyAttempt(watchID uint) bool {
	res := e.db.Model(&models.Watch{}).
		Where("id = ? AND auto_buy_enabled = ? AND buy_attempts < max_buy_attempts", watchID, true).
		UpdateColumn("buy_attempts", gorm.Expr("buy_attempts + 1"))
	if res.Error != nil {
		e.log.Error("failed to reserve buy attempt", "watch_id", watchID, "error", res.Error)
		return false
	}
	return res.RowsAffected == 1
}

func (e *Evaluator) dispatchPurchase(w models.Watch, price decimal.Decimal) {
	if e.metrics != nil {
		e.metrics.AutoBuyAttempts.Inc()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
		defer cancel()

		correlationID := uuid.NewString()
		err := e.payments.Purchase(ctx, w.ID, price, w.PaymentRef)

		booking := models.BookingAction{
			WatchID:       w.ID,
			CorrelationID: correlationID,
			Price:         price,
			PaymentRef:    w.PaymentRef,
			Succeeded:     err == nil,
		}
		if err != nil {
			booking.Message = err.Error()
		}
		if dbErr := e.db.Create(&booking).Error; dbErr != nil {
			e.log.Error("failed to record booking action", "watch_id", w.ID, "error", dbErr)
		}

		if err == nil {
			content := fmt.Sprintf("Purchase confirmed for %s at %s %s", w.Route(), price.StringFixed(2), w.Currency)
			e.deliver(&w, models.NotificationPurchaseOutcome, content)
			return
		}

		e.log.Warn("purchase dispatch failed", "watch_id", w.ID, "correlation_id", correlationID, "error", err)
		if e.metrics != nil {
			e.metrics.DispatchErrors.WithLabelValues("payment").Inc()
		}

		var fresh models.Watch
		if dbErr := e.db.First(&fresh, w.ID).Error; dbErr != nil {
			return
		}
		if fresh.BuyAttempts >= fresh.MaxBuyAttempts {
			// Exhaustion is terminal for auto-buy but not for the watch.
			if dbErr := e.db.Model(&fresh).Update("auto_buy_enabled", false).Error; dbErr != nil {
				e.log.Error("failed to disable auto-buy", "watch_id", w.ID, "error", dbErr)
			}
			content := fmt.Sprintf("Automatic purchase for %s gave up after %d attempts; the price watch stays active",
				fresh.Route(), fresh.MaxBuyAttempts)
			e.deliver(&fresh, models.NotificationAutoBuyExhausted, content)
		}
	}()
}

// dispatchNotifications fires every configured method independently; one
// method failing never short-circuits the others.
func (e *Evaluator) dispatchNotifications(w *models.Watch, price decimal.Decimal) {
	content := fmt.Sprintf("Price drop on %s: %s %s (target %s)",
		w.Route(), price.StringFixed(2), w.Currency, w.TargetPrice.StringFixed(2))
	e.deliver(w, models.NotificationPriceDrop, content)
}

func (e *Evaluator) deliver(w *models.Watch, kind models.NotificationKind, content string) {
	for _, method := range w.Methods() {
		method := method
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
			defer cancel()

			err := e.notifier.Dispatch(ctx, w.ID, method, content)
			record := models.NotificationRecord{
				WatchID: w.ID,
				SentAt:  time.Now(),
				Method:  method,
				Kind:    kind,
				Content: content,
				Success: err == nil,
			}
			if dbErr := e.db.Create(&record).Error; dbErr != nil {
				e.log.Error("failed to record notification", "watch_id", w.ID, "error", dbErr)
			}
			if err != nil {
				e.log.Warn("notification dispatch failed",
					"watch_id", w.ID, "method", method, "error", err)
				if e.metrics != nil {
					e.metrics.DispatchErrors.WithLabelValues("notification").Inc()
				}
				e.checkDeliveryProblems(w)
			}
		}()
	}
}

// checkDeliveryProblems raises a one-time user-facing notice when failed
// deliveries cross the threshold.
func (e *Evaluator) checkDeliveryProblems(w *models.Watch) {
	var failed int64
	if err := e.db.Model(&models.NotificationRecord{}).
		Where("watch_id = ? AND success = ?", w.ID, false).
		Count(&failed).Error; err != nil {
		return
	}
	if failed != deliveryProblemThreshold {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.dispatchTimeout)
	defer cancel()

	content := fmt.Sprintf("Several notifications for your %s watch could not be delivered; please review your contact settings", w.Route())
	err := e.notifier.Dispatch(ctx, w.ID, models.NotifyEmail, content)
	record := models.NotificationRecord{
		WatchID: w.ID,
		SentAt:  time.Now(),
		Method:  models.NotifyEmail,
		Kind:    models.NotificationDeliveryProblem,
		Content: content,
		Success: err == nil,
	}
	if dbErr := e.db.Create(&record).Error; dbErr != nil {
		e.log.Error("failed to record delivery-problem notice", "watch_id", w.ID, "error", dbErr)
	}
}

// Wait drains in-flight dispatch goroutines. Called on shutdown and in tests.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}
