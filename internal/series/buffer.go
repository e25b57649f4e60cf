package series

import (
	"math/rand/v2"
	"sync"
	"time"

	"trading_sim/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

const (
	// Capacity is the maximum number of points kept per instrument.
	Capacity = 20

	// BackfillSpacing is the distance between synthesized seed points.
	BackfillSpacing = 60 * time.Second

	// SeedVariation bounds the relative spread of seed points (±1%).
	SeedVariation = 0.01

	// TickVariation bounds the relative spread of appended points (±0.5%).
	TickVariation = 0.005

	pricePlaces = 2
)

// Buffer is a bounded, time-ordered window of price points for one
// instrument. Prices are synthesized by a random walk around the last quote.
//
// Reset and Append replace the backing slice wholesale, so a slice returned
// by Points is never modified afterwards.
type Buffer struct {
	mu     sync.RWMutex
	points []domain.PricePoint
	seeded bool

	clock clock.Clock
	rng   *rand.Rand // guarded by mu
}

// NewBuffer creates an empty, unseeded buffer.
// A nil clock uses wall time; a nil rng uses a randomly seeded PCG source.
func NewBuffer(clk clock.Clock, rng *rand.Rand) *Buffer {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Buffer{clock: clk, rng: rng}
}

// Reset replaces the series with Capacity points spanning the preceding
// (Capacity-1) minutes, each within ±SeedVariation of seed.Price.
func (b *Buffer) Reset(seed domain.Quote) []domain.PricePoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now().UnixMilli()
	points := make([]domain.PricePoint, 0, Capacity)
	for i := Capacity - 1; i >= 0; i-- {
		points = append(points, domain.PricePoint{
			TimestampMs: now - int64(i)*BackfillSpacing.Milliseconds(),
			Price:       b.vary(seed.Price, SeedVariation),
		})
	}

	b.points = points
	b.seeded = true
	return points
}

// Append adds one point around currentPrice stamped with the current time,
// evicting the oldest point beyond Capacity. It returns domain.ErrNotSeeded
// and leaves the series untouched if Reset was never called.
func (b *Buffer) Append(currentPrice decimal.Decimal) ([]domain.PricePoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.seeded {
		return nil, domain.ErrNotSeeded
	}

	ts := b.clock.Now().UnixMilli()
	if n := len(b.points); n > 0 && ts <= b.points[n-1].TimestampMs {
		// Clock did not advance past the newest point.
		ts = b.points[n-1].TimestampMs + 1
	}

	start := 0
	if len(b.points) >= Capacity {
		start = len(b.points) - Capacity + 1
	}
	next := make([]domain.PricePoint, 0, Capacity)
	next = append(next, b.points[start:]...)
	next = append(next, domain.PricePoint{
		TimestampMs: ts,
		Price:       b.vary(currentPrice, TickVariation),
	})

	b.points = next
	return next, nil
}

// Points returns the current series, oldest first.
func (b *Buffer) Points() []domain.PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.PricePoint, len(b.points))
	copy(out, b.points)
	return out
}

// Len returns the number of points held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.points)
}

// Seeded reports whether Reset has been called.
func (b *Buffer) Seeded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seeded
}

// vary returns price*(1+u) with u uniform in [-spread, spread], rounded.
// Must be called with lock held
func (b *Buffer) vary(price decimal.Decimal, spread float64) decimal.Decimal {
	u := (b.rng.Float64()*2 - 1) * spread
	return price.Mul(decimal.NewFromFloat(1 + u)).Round(pricePlaces)
}
