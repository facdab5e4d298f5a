package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/mass-dispatch/internal/config"
	"github.com/acme/mass-dispatch/internal/gateway"
)

var errSimulated = errors.New("simulated gateway failure")

// Provider simulates a WhatsApp gateway.
type Provider struct {
	successRate float64
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider seeded from the clock.
func NewProvider(cfg config.GatewayConfig) *Provider {
	rate := cfg.SuccessRate
	if rate <= 0 || rate > 1 {
		rate = 0.9
	}
	seed := uint64(time.Now().UnixNano())
	return &Provider{
		successRate: rate,
		maxLatency:  250 * time.Millisecond,
		rng:         rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

func (p *Provider) roll() (time.Duration, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int64N(int64(p.maxLatency))), p.rng.Float64()
}

func (p *Provider) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Send simulates a message send.
func (p *Provider) Send(ctx context.Context, msg gateway.OutboundMessage) (gateway.SendResult, error) {
	latency, draw := p.roll()
	if err := p.wait(ctx, latency); err != nil {
		return gateway.SendResult{}, err
	}
	if draw > p.successRate {
		return gateway.SendResult{}, fmt.Errorf("send %s to %s: %w", msg.Kind, msg.Number, errSimulated)
	}
	return gateway.SendResult{
		MessageID: uuid.NewString(),
		RemoteJID: msg.Number + "@s.whatsapp.net",
	}, nil
}

// CheckExistence marks every number of plausible length as valid.
func (p *Provider) CheckExistence(ctx context.Context, _ string, numbers []string) ([]gateway.NumberCheck, error) {
	latency, _ := p.roll()
	if err := p.wait(ctx, latency); err != nil {
		return nil, err
	}
	out := make([]gateway.NumberCheck, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, gateway.NumberCheck{Number: n, Valid: len(n) >= 10})
	}
	return out, nil
}

// DeleteMessage always succeeds.
func (p *Provider) DeleteMessage(ctx context.Context, _, _, _ string) error {
	latency, _ := p.roll()
	return p.wait(ctx, latency)
}
