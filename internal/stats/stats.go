// Package stats supplies the average service duration used to project
// waiting times.
package stats

import (
	"context"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"

	"github.com/jonboulle/clockwork"
)

type Provider interface {
	AverageServiceMinutes(ctx context.Context) (float64, error)
}

// Fixed always reports the same average.
type Fixed float64

func (f Fixed) AverageServiceMinutes(context.Context) (float64, error) {
	return float64(f), nil
}

// StoreProvider averages completed entries over a trailing window and falls
// back to a configured value when the window holds no completed entry.
type StoreProvider struct {
	source   store.AverageSource
	window   time.Duration
	fallback float64
	clock    clockwork.Clock
}

func NewStoreProvider(source store.AverageSource, window time.Duration, fallback float64, clock clockwork.Clock) *StoreProvider {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StoreProvider{source: source, window: window, fallback: fallback, clock: clock}
}

func (p *StoreProvider) AverageServiceMinutes(ctx context.Context) (float64, error) {
	since := p.clock.Now().UTC().Add(-p.window)
	seconds, ok, err := p.source.AverageServiceSeconds(ctx, since)
	if err != nil {
		return 0, err
	}
	if !ok || seconds <= 0 {
		return p.fallback, nil
	}
	return seconds / 60, nil
}
