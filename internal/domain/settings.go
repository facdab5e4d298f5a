package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/mass-dispatch/pkg/errors"
)

// Speed selects the throttle policy applied between sends.
type Speed string

const (
	SpeedFast   Speed = "fast"
	SpeedNormal Speed = "normal"
	SpeedSlow   Speed = "slow"
	SpeedRandom Speed = "random"
	SpeedCustom Speed = "custom"
)

// Settings groups the per-campaign dispatch options.
type Settings struct {
	Speed                Speed           `json:"speed"`
	CustomDelaySeconds   *int            `json:"customDelaySeconds,omitempty"`
	Schedule             Schedule        `json:"schedule"`
	ValidateNumbers      bool            `json:"validateNumbers"`
	CountryNormalization bool            `json:"countryNormalization"`
	Personalization      Personalization `json:"personalization"`
	AutoDelete           AutoDelete      `json:"autoDelete"`
}

// Schedule is the daily sending window of a campaign.
type Schedule struct {
	Enabled      bool           `json:"enabled"`
	StartTime    string         `json:"startTime,omitempty"`
	PauseTime    string         `json:"pauseTime,omitempty"`
	TimeZone     string         `json:"timeZone,omitempty"`
	ExcludedDays []time.Weekday `json:"excludedDays,omitempty"`
}

type Personalization struct {
	Enabled     bool   `json:"enabled"`
	DefaultName string `json:"defaultName,omitempty"`
}

type AutoDelete struct {
	Enabled      bool `json:"enabled"`
	DelaySeconds int  `json:"delaySeconds"`
}

// Delay returns the configured auto-delete delay.
func (a AutoDelete) Delay() time.Duration {
	return time.Duration(a.DelaySeconds) * time.Second
}

// Validate checks the settings block without touching any state.
func (s Settings) Validate() error {
	switch s.Speed {
	case "", SpeedFast, SpeedNormal, SpeedSlow, SpeedRandom:
	case SpeedCustom:
		if s.CustomDelaySeconds == nil {
			return fmt.Errorf("custom speed requires customDelaySeconds: %w", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown speed %q: %w", s.Speed, apperrors.ErrValidation)
	}
	if s.CustomDelaySeconds != nil && *s.CustomDelaySeconds <= 0 {
		return fmt.Errorf("customDelaySeconds must be positive: %w", apperrors.ErrValidation)
	}
	if s.AutoDelete.DelaySeconds < 0 {
		return fmt.Errorf("autoDelete.delaySeconds must not be negative: %w", apperrors.ErrValidation)
	}
	return s.Schedule.Validate()
}

// Validate checks clock strings, timezone and weekday values.
func (s Schedule) Validate() error {
	if s.StartTime != "" {
		if _, ok := parseClock(s.StartTime); !ok {
			return fmt.Errorf("invalid startTime %q: %w", s.StartTime, apperrors.ErrValidation)
		}
	}
	if s.PauseTime != "" {
		if _, ok := parseClock(s.PauseTime); !ok {
			return fmt.Errorf("invalid pauseTime %q: %w", s.PauseTime, apperrors.ErrValidation)
		}
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return fmt.Errorf("invalid timeZone %q: %w", s.TimeZone, apperrors.ErrValidation)
		}
	}
	for _, d := range s.ExcludedDays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid excluded day %d: %w", d, apperrors.ErrValidation)
		}
	}
	return nil
}
