package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"farewatch/models"
	"farewatch/pkg/logger"
)

func newTestScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := models.MigrateWatchModels(db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	policy := NewPolicyStore(filepath.Join(t.TempDir(), "policy.json"))
	s := New(db, nil, nil, nil, nil, nil, policy, 4, logger.NewNop(), nil)
	return s, db
}

func seedWatch(t *testing.T, db *gorm.DB, status models.WatchStatus, nextCheck time.Time) *models.Watch {
	t.Helper()
	w := &models.Watch{
		UserID:      1,
		Origin:      "LAX",
		Destination: "FLR",
		TargetPrice: decimal.NewFromInt(500),
		Status:      status,
		NextCheckAt: nextCheck,
	}
	if err := db.Create(w).Error; err != nil {
		t.Fatalf("seed watch: %v", err)
	}
	return w
}

func TestNextIntervalTiers(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	in10d := now.AddDate(0, 0, 10)
	in60d := now.AddDate(0, 0, 60)
	past := now.AddDate(0, 0, -1)

	cases := []struct {
		name      string
		status    models.WatchStatus
		departure *time.Time
		want      time.Duration
	}{
		{"active departing in 10 days", models.WatchActive, &in10d, time.Hour},
		{"triggered wins over urgency", models.WatchTriggered, &in10d, 30 * time.Minute},
		{"triggered without departure", models.WatchTriggered, nil, 30 * time.Minute},
		{"active without departure", models.WatchActive, nil, 6 * time.Hour},
		{"active departing in 60 days", models.WatchActive, &in60d, 6 * time.Hour},
		{"departure already past", models.WatchActive, &past, 6 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &models.Watch{Status: tc.status, DepartureDate: tc.departure}
			if got := NextInterval(w, p, now); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNextIntervalUrgencyBoundary(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	atWindow := now.Add(time.Duration(p.UrgencyWindowDays) * 24 * time.Hour)
	w := &models.Watch{Status: models.WatchActive, DepartureDate: &atWindow}
	if got := NextInterval(w, p, now); got != time.Hour {
		t.Errorf("departure exactly at the window edge: got %v, want 1h", got)
	}

	justOutside := atWindow.Add(time.Minute)
	w.DepartureDate = &justOutside
	if got := NextInterval(w, p, now); got != 6*time.Hour {
		t.Errorf("departure just outside the window: got %v, want 6h", got)
	}
}

func TestDueOrdersOldestFirst(t *testing.T) {
	s, db := newTestScheduler(t)
	now := time.Now()

	newer := seedWatch(t, db, models.WatchActive, now.Add(-time.Hour))
	oldest := seedWatch(t, db, models.WatchActive, now.Add(-3*time.Hour))
	triggered := seedWatch(t, db, models.WatchTriggered, now.Add(-2*time.Hour))
	seedWatch(t, db, models.WatchPaused, now.Add(-4*time.Hour))
	seedWatch(t, db, models.WatchActive, now.Add(time.Hour))

	due, err := s.Due(now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due count: got %d, want 3", len(due))
	}
	wantOrder := []uint{oldest.ID, triggered.ID, newer.ID}
	for i, want := range wantOrder {
		if due[i].ID != want {
			t.Errorf("due[%d]: got watch %d, want %d", i, due[i].ID, want)
		}
	}
}

func TestRescheduleSetsFutureCheck(t *testing.T) {
	s, db := newTestScheduler(t)
	now := time.Now()

	w := seedWatch(t, db, models.WatchTriggered, now.Add(-time.Hour))
	if err := s.Reschedule(w, now); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	var fresh models.Watch
	db.First(&fresh, w.ID)
	want := now.Add(30 * time.Minute)
	if diff := fresh.NextCheckAt.Sub(want); diff < -time.Second || diff > time.Second {
		t.Errorf("next check: got %v, want about %v", fresh.NextCheckAt, want)
	}
}

func TestPolicyStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")

	store := NewPolicyStore(path)
	p := store.Get()
	if p != DefaultPolicy() {
		t.Fatalf("missing file should yield defaults, got %+v", p)
	}

	p.TriggeredIntervalMinutes = 10
	p.UrgencyWindowDays = 14
	if err := store.Update(p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reloaded := NewPolicyStore(path)
	got := reloaded.Get()
	if got.TriggeredIntervalMinutes != 10 {
		t.Errorf("triggered interval: got %d, want 10", got.TriggeredIntervalMinutes)
	}
	if got.UrgencyWindowDays != 14 {
		t.Errorf("urgency window: got %d, want 14", got.UrgencyWindowDays)
	}
	if got.DefaultIntervalMinutes != DefaultPolicy().DefaultIntervalMinutes {
		t.Errorf("default interval drifted: got %d", got.DefaultIntervalMinutes)
	}
}

func TestPolicyStoreIgnoresMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := NewPolicyStore(path)
	if store.Get() != DefaultPolicy() {
		t.Error("malformed file should leave defaults in place")
	}
}
