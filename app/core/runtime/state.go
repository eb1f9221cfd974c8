// Package runtime persists the small operational markers the scheduler and
// the context compactor need across restarts: reset bookkeeping, the last
// digest date, and the maintenance idempotence keys.
package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

type persisted struct {
	LastResetAt    int64  `json:"last_reset_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	ResetCount     int64  `json:"reset_count"`
	LastDigestDate string `json:"last_digest_date"`
	LastMonthlyKey string `json:"last_monthly_maintenance"`
	LastWeeklyKey  string `json:"last_weekly_maintenance"`
}

type State struct {
	path string
	mu   sync.Mutex
	data persisted
}

func LoadState(path string) (*State, error) {
	s := &State{path: path}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0644)
}

func (s *State) LastResetAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastResetAt
}

func (s *State) LastActivityAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastActivityAt
}

func (s *State) ResetCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ResetCount
}

// RecordActivity bumps the activity watermark when a jorb sends or receives
// a message. Only used to gate context resets, so a lost write costs at
// worst one skipped reset cycle.
func (s *State) RecordActivity(now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.data.LastActivityAt {
		return nil
	}
	s.data.LastActivityAt = now
	return s.saveLocked()
}

// MarkReset advances the reset bookkeeping after a successful compaction.
func (s *State) MarkReset(now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastResetAt = now
	s.data.ResetCount++
	if now > s.data.LastActivityAt {
		s.data.LastActivityAt = now
	}
	return s.saveLocked()
}

func (s *State) DigestSentOn(date string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastDigestDate == date
}

func (s *State) MarkDigestSent(date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastDigestDate = date
	return s.saveLocked()
}

func (s *State) MonthlyMaintenanceDone(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastMonthlyKey == key
}

func (s *State) MarkMonthlyMaintenance(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastMonthlyKey = key
	return s.saveLocked()
}

func (s *State) WeeklyMaintenanceDone(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastWeeklyKey == key
}

func (s *State) MarkWeeklyMaintenance(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastWeeklyKey = key
	return s.saveLocked()
}
