package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Unlock attempt limits: 5 failures -> 30s, 10 -> 5min, 20 -> 30min.
const (
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute
)

// ErrCooldownActive is returned while failed unlocks are being throttled.
var ErrCooldownActive = errors.New("store: cooldown period active")

// LockState tracks failed unlock attempts for cooldown enforcement.
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// LoadLockState reads the lock state file. A missing or unreadable file is
// an empty state.
func (s *Store) LoadLockState() (*LockState, error) {
	data, err := os.ReadFile(filepath.Join(s.path, LockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &LockState{}, nil
		}
		return nil, fmt.Errorf("store: failed to read lock state: %w", err)
	}
	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		log.WithError(err).Warn("resetting corrupted lock state")
		return &LockState{}, nil
	}
	return &state, nil
}

func (s *Store) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.path, LockFileName), data, FileMode); err != nil {
		return fmt.Errorf("store: failed to write lock state: %w", err)
	}
	return nil
}

// ClearLockState forgets failed attempts after a successful unlock.
func (s *Store) ClearLockState() error {
	err := os.Remove(filepath.Join(s.path, LockFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: failed to clear lock state: %w", err)
	}
	return nil
}

// CheckCooldown returns ErrCooldownActive and the time left while unlock
// attempts are throttled.
func (s *Store) CheckCooldown() (time.Duration, error) {
	state, err := s.LoadLockState()
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// RecordFailedAttempt counts a failed unlock and returns the cooldown it
// triggered, if any.
func (s *Store) RecordFailedAttempt() (time.Duration, error) {
	state, err := s.LoadLockState()
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	return cooldown, s.saveLockState(state)
}
