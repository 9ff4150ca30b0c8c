package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"farewatch/models"
)

const (
	// Observations below this quality score are excluded from every window.
	minQualityScore = 0.5
	// AnomalousPrices needs at least this many samples to say anything.
	minAnomalySample = 5
	// Default anomaly window.
	anomalyWindowDays = 30
)

// Service computes trend, volatility and statistical anomalies over windows
// of valid, quality-filtered observations for one route.
type Service struct {
	db *gorm.DB
}

// NewService creates a price analytics service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func (s *Service) window(route string, since, until *time.Time, provider string) ([]models.PriceObservation, error) {
	q := s.db.Where("route = ? AND validation_status = ? AND quality_score >= ?",
		models.NormalizeRoute(route), models.ValidationValid, minQualityScore)
	if since != nil {
		q = q.Where("date >= ?", *since)
	}
	if until != nil {
		q = q.Where("date <= ?", *until)
	}
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}

	var obs []models.PriceObservation
	if err := q.Order("date ASC").Find(&obs).Error; err != nil {
		return nil, err
	}
	return obs, nil
}

// AveragePrice returns the mean price over the route's window. The bool is
// false when the window is empty.
func (s *Service) AveragePrice(route string, since, until *time.Time, provider string) (decimal.Decimal, bool, error) {
	obs, err := s.window(route, since, until, provider)
	if err != nil {
		return decimal.Zero, false, err
	}
	if len(obs) == 0 {
		return decimal.Zero, false, nil
	}

	sum := decimal.Zero
	for _, o := range obs {
		sum = sum.Add(o.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(obs)))).Round(2), true, nil
}

// TrendPoint is one day of a route's price trend.
type TrendPoint struct {
	Date         time.Time       `json:"date"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Trend groups the window's observations by date and averages the price per
// date, ordered ascending.
func (s *Service) Trend(route string, windowDays int) ([]TrendPoint, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	obs, err := s.window(route, &since, nil, "")
	if err != nil {
		return nil, err
	}

	byDate := make(map[time.Time][]decimal.Decimal)
	for _, o := range obs {
		day := time.Date(o.Date.Year(), o.Date.Month(), o.Date.Day(), 0, 0, 0, 0, time.UTC)
		byDate[day] = append(byDate[day], o.Price)
	}

	points := make([]TrendPoint, 0, len(byDate))
	for day, prices := range byDate {
		sum := decimal.Zero
		for _, p := range prices {
			sum = sum.Add(p)
		}
		points = append(points, TrendPoint{
			Date:         day,
			AveragePrice: sum.Div(decimal.NewFromInt(int64(len(prices)))).Round(2),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

// Volatility returns the coefficient of variation of the window's prices as a
// percentage: population stddev / mean * 100, rounded to 2 decimals. Fewer
// than 2 observations yield 0.
func (s *Service) Volatility(route string, windowDays int) (float64, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	obs, err := s.window(route, &since, nil, "")
	if err != nil {
		return 0, err
	}
	if len(obs) < 2 {
		return 0, nil
	}

	prices := toFloats(obs)
	mean, stddev := populationStats(prices)
	if mean == 0 {
		return 0, nil
	}
	return round2(stddev / mean * 100), nil
}

// AnomalousPrices returns the window's prices whose absolute z-score exceeds
// zThreshold. Fewer than 5 observations is an insufficient sample and yields
// an empty result.
func (s *Service) AnomalousPrices(route string, zThreshold float64) ([]decimal.Decimal, error) {
	since := time.Now().AddDate(0, 0, -anomalyWindowDays)
	obs, err := s.window(route, &since, nil, "")
	if err != nil {
		return nil, err
	}
	if len(obs) < minAnomalySample {
		return nil, nil
	}

	prices := toFloats(obs)
	mean, stddev := populationStats(prices)
	if stddev == 0 {
		return nil, nil
	}

	var anomalous []decimal.Decimal
	for i, p := range prices {
		z := math.Abs(p-mean) / stddev
		if z > zThreshold {
			anomalous = append(anomalous, obs[i].Price)
		}
	}
	return anomalous, nil
}

func toFloats(obs []models.PriceObservation) []float64 {
	prices := make([]float64, len(obs))
	for i, o := range obs {
		f, _ := o.Price.Float64()
		prices[i] = f
	}
	return prices
}

// populationStats returns mean and population standard deviation (divide by
// N, not N-1).
func populationStats(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
