package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Policy holds the tunable scheduling constants: the urgency threshold, the
// interval tiers and the sweep periods. Values are operational policy, not
// core logic.
type Policy struct {
	UrgencyWindowDays        int    `json:"urgency_window_days"`
	UrgentIntervalMinutes    int    `json:"urgent_interval_minutes"`
	TriggeredIntervalMinutes int    `json:"triggered_interval_minutes"`
	DefaultIntervalMinutes   int    `json:"default_interval_minutes"`
	CheckSweepMinutes        int    `json:"check_sweep_minutes"`
	RescoreSweepMinutes      int    `json:"rescore_sweep_minutes"`
	CleanupAt                string `json:"cleanup_at"` // "HH:MM", daily
	DigestAt                 string `json:"digest_at"`  // "HH:MM", weekly on Sunday
	RawRetentionHours        int    `json:"raw_retention_hours"`
	ObservationRetentionDays int    `json:"observation_retention_days"`
	HistoryRetentionDays     int    `json:"history_retention_days"`
}

// DefaultPolicy returns the shipped scheduling constants.
func DefaultPolicy() Policy {
	return Policy{
		UrgencyWindowDays:        30,
		UrgentIntervalMinutes:    60,
		TriggeredIntervalMinutes: 30,
		DefaultIntervalMinutes:   360,
		CheckSweepMinutes:        15,
		RescoreSweepMinutes:      60,
		CleanupAt:                "03:00",
		DigestAt:                 "08:00",
		RawRetentionHours:        24,
		ObservationRetentionDays: 90,
		HistoryRetentionDays:     90,
	}
}

// PolicyStore persists the policy to a JSON file so operators can tune it
// without a rebuild.
type PolicyStore struct {
	path   string
	mu     sync.RWMutex
	policy Policy
}

// NewPolicyStore loads the policy from path, falling back to defaults when
// the file does not exist yet.
func NewPolicyStore(path string) *PolicyStore {
	ps := &PolicyStore{path: path, policy: DefaultPolicy()}
	ps.Load()
	return ps
}

// Load reads the policy file. Missing or malformed files leave the current
// policy untouched.
func (ps *PolicyStore) Load() error {
	data, err := os.ReadFile(ps.path)
	if err != nil {
		return err
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	ps.mu.Lock()
	ps.policy = p
	ps.mu.Unlock()
	return nil
}

// Save writes the current policy to disk.
func (ps *PolicyStore) Save() error {
	ps.mu.RLock()
	data, err := json.MarshalIndent(ps.policy, "", "  ")
	ps.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(ps.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(ps.path, data, 0644)
}

// Get returns the current policy.
func (ps *PolicyStore) Get() Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.policy
}

// Update replaces the policy and persists it.
func (ps *PolicyStore) Update(p Policy) error {
	ps.mu.Lock()
	ps.policy = p
	ps.mu.Unlock()
	return ps.Save()
}
