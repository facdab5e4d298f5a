package domain

import (
	"math/rand/v2"
	"time"
)

const (
	fastDelay   = 2 * time.Second
	normalDelay = 30 * time.Second
	slowDelay   = 60 * time.Second

	randomMinSeconds = 45
	randomMaxSeconds = 85
)

// NextDelay computes the pause applied between two consecutive sends.
// Random mode draws a fresh value on every call.
func NextDelay(s Settings) time.Duration {
	switch s.Speed {
	case SpeedFast:
		return fastDelay
	case SpeedNormal:
		return normalDelay
	case SpeedSlow:
		return slowDelay
	case SpeedRandom:
		return time.Duration(randomMinSeconds+rand.IntN(randomMaxSeconds-randomMinSeconds+1)) * time.Second
	}
	if s.CustomDelaySeconds != nil && *s.CustomDelaySeconds > 0 {
		return time.Duration(*s.CustomDelaySeconds) * time.Second
	}
	return normalDelay
}
