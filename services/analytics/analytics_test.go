package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"farewatch/models"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := models.MigrateObservationModels(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return NewService(db), db
}

func seedObservation(t *testing.T, db *gorm.DB, route, provider string, date time.Time, price float64, status models.ValidationStatus, quality float64) {
	t.Helper()
	obs := models.PriceObservation{
		Route:            route,
		Date:             date,
		Provider:         provider,
		Price:            decimal.NewFromFloat(price),
		Currency:         "USD",
		CapturedAt:       date,
		ValidationStatus: status,
		QualityScore:     quality,
	}
	if err := db.Create(&obs).Error; err != nil {
		t.Fatalf("failed to seed observation: %v", err)
	}
}

func seedPrices(t *testing.T, db *gorm.DB, route string, prices []float64) {
	t.Helper()
	base := time.Now().AddDate(0, 0, -len(prices))
	for i, p := range prices {
		seedObservation(t, db, route, providerName(i), base.AddDate(0, 0, i), p, models.ValidationValid, 1.0)
	}
}

func providerName(i int) string {
	return string(rune('a' + i))
}

func TestVolatilityPopulationCV(t *testing.T) {
	svc, db := newTestService(t)
	// mean 1428, population stddev 51.9230, CV 3.64
	seedPrices(t, db, "LAX-FLR", []float64{1450, 1380, 1520, 1400, 1390})

	got, err := svc.Volatility("LAX-FLR", 30)
	if err != nil {
		t.Fatalf("Volatility: %v", err)
	}
	if got != 3.64 {
		t.Errorf("Volatility: got %.4f, want 3.64", got)
	}
}

func TestVolatilityFewObservations(t *testing.T) {
	svc, db := newTestService(t)
	seedPrices(t, db, "LAX-FLR", []float64{1450})

	got, err := svc.Volatility("LAX-FLR", 30)
	if err != nil {
		t.Fatalf("Volatility: %v", err)
	}
	if got != 0 {
		t.Errorf("Volatility with 1 observation: got %.4f, want 0", got)
	}
}

func TestAveragePrice(t *testing.T) {
	svc, db := newTestService(t)
	seedPrices(t, db, "LAX-FLR", []float64{100, 200, 250})

	avg, ok, err := svc.AveragePrice("LAX-FLR", nil, nil, "")
	if err != nil {
		t.Fatalf("AveragePrice: %v", err)
	}
	if !ok {
		t.Fatal("expected a result")
	}
	if !avg.Equal(decimal.RequireFromString("183.33")) {
		t.Errorf("AveragePrice: got %s, want 183.33", avg)
	}
}

func TestAveragePriceEmptyWindow(t *testing.T) {
	svc, _ := newTestService(t)

	_, ok, err := svc.AveragePrice("JFK-CDG", nil, nil, "")
	if err != nil {
		t.Fatalf("AveragePrice: %v", err)
	}
	if ok {
		t.Error("expected empty result for unknown route")
	}
}

func TestAveragePriceProviderFilter(t *testing.T) {
	svc, db := newTestService(t)
	day := time.Now().AddDate(0, 0, -1)
	seedObservation(t, db, "LAX-FLR", "amadeus", day, 100, models.ValidationValid, 1.0)
	seedObservation(t, db, "LAX-FLR", "sabre", day, 300, models.ValidationValid, 1.0)

	avg, ok, err := svc.AveragePrice("LAX-FLR", nil, nil, "amadeus")
	if err != nil || !ok {
		t.Fatalf("AveragePrice: ok=%v err=%v", ok, err)
	}
	if !avg.Equal(decimal.NewFromInt(100)) {
		t.Errorf("AveragePrice: got %s, want 100", avg)
	}
}

func TestWindowExcludesUnusableObservations(t *testing.T) {
	svc, db := newTestService(t)
	day := time.Now().AddDate(0, 0, -1)
	seedObservation(t, db, "LAX-FLR", "a", day, 100, models.ValidationValid, 1.0)
	seedObservation(t, db, "LAX-FLR", "b", day, 9000, models.ValidationSuspicious, 1.0)
	seedObservation(t, db, "LAX-FLR", "c", day, 9000, models.ValidationValid, 0.2)

	avg, ok, err := svc.AveragePrice("LAX-FLR", nil, nil, "")
	if err != nil || !ok {
		t.Fatalf("AveragePrice: ok=%v err=%v", ok, err)
	}
	if !avg.Equal(decimal.NewFromInt(100)) {
		t.Errorf("AveragePrice: got %s, want 100 (filters not applied)", avg)
	}
}

func TestTrendGroupsByDateAscending(t *testing.T) {
	svc, db := newTestService(t)
	day1 := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	// Seed day2 first to prove ordering comes from the dates, not insertion.
	seedObservation(t, db, "LAX-FLR", "a", day2, 300, models.ValidationValid, 1.0)
	seedObservation(t, db, "LAX-FLR", "b", day1, 100, models.ValidationValid, 1.0)
	seedObservation(t, db, "LAX-FLR", "c", day1, 200, models.ValidationValid, 1.0)

	points, err := svc.Trend("LAX-FLR", 30)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("Trend points: got %d, want 2", len(points))
	}
	if !points[0].Date.Before(points[1].Date) {
		t.Error("trend not ordered ascending by date")
	}
	if !points[0].AveragePrice.Equal(decimal.NewFromInt(150)) {
		t.Errorf("day1 average: got %s, want 150", points[0].AveragePrice)
	}
	if !points[1].AveragePrice.Equal(decimal.NewFromInt(300)) {
		t.Errorf("day2 average: got %s, want 300", points[1].AveragePrice)
	}
}

func TestAnomalousPricesInsufficientSample(t *testing.T) {
	svc, db := newTestService(t)
	seedPrices(t, db, "LAX-FLR", []float64{100, 100, 100, 200})

	anomalous, err := svc.AnomalousPrices("LAX-FLR", 2.0)
	if err != nil {
		t.Fatalf("AnomalousPrices: %v", err)
	}
	if len(anomalous) != 0 {
		t.Errorf("expected empty result below minimum sample, got %v", anomalous)
	}
}

func TestAnomalousPricesFlagsOutlier(t *testing.T) {
	svc, db := newTestService(t)
	seedPrices(t, db, "LAX-FLR", []float64{100, 100, 100, 100, 100, 200})

	anomalous, err := svc.AnomalousPrices("LAX-FLR", 2.0)
	if err != nil {
		t.Fatalf("AnomalousPrices: %v", err)
	}
	if len(anomalous) != 1 {
		t.Fatalf("anomalous count: got %d, want 1", len(anomalous))
	}
	if !anomalous[0].Equal(decimal.NewFromInt(200)) {
		t.Errorf("anomalous price: got %s, want 200", anomalous[0])
	}
}

func TestPopulationStats(t *testing.T) {
	mean, stddev := populationStats([]float64{1450, 1380, 1520, 1400, 1390})
	if mean != 1428 {
		t.Errorf("mean: got %.4f, want 1428", mean)
	}
	if math.Abs(stddev-51.9230) > 0.001 {
		t.Errorf("stddev: got %.4f, want 51.9230", stddev)
	}
}
