package series

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"trading_sim/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

func newTestBuffer(seed uint64) (*Buffer, *clock.Mock) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewBuffer(clk, rand.New(rand.NewPCG(seed, seed+1))), clk
}

func quoteAt(price string) domain.Quote {
	return domain.Quote{Symbol: "AAPL", Price: decimal.RequireFromString(price)}
}

func TestBuffer_ResetWithinOnePercent(t *testing.T) {
	buf, clk := newTestBuffer(1)

	points := buf.Reset(quoteAt("100.00"))
	if len(points) != Capacity {
		t.Fatalf("Expected %d points, got %d", Capacity, len(points))
	}

	lo, hi := decimal.RequireFromString("99.00"), decimal.RequireFromString("101.00")
	for i, p := range points {
		if p.Price.LessThan(lo) || p.Price.GreaterThan(hi) {
			t.Errorf("point %d price %s outside [99.00, 101.00]", i, p.Price)
		}
		if !p.Price.Equal(p.Price.Round(2)) {
			t.Errorf("point %d price %s not rounded to 2 places", i, p.Price)
		}
	}

	now := clk.Now().UnixMilli()
	if last := points[len(points)-1].TimestampMs; last != now {
		t.Errorf("Expected newest point at now (%d), got %d", now, last)
	}
	if first := points[0].TimestampMs; first != now-19*60_000 {
		t.Errorf("Expected oldest point 19 minutes back, got %d", now-first)
	}
	for i := 1; i < len(points); i++ {
		if points[i].TimestampMs-points[i-1].TimestampMs != 60_000 {
			t.Errorf("Expected 1 minute spacing at %d", i)
		}
	}
}

func TestBuffer_AppendBeforeReset(t *testing.T) {
	buf, _ := newTestBuffer(2)

	points, err := buf.Append(decimal.NewFromInt(100))
	if !errors.Is(err, domain.ErrNotSeeded) {
		t.Fatalf("Expected ErrNotSeeded, got %v", err)
	}
	if points != nil || buf.Len() != 0 || buf.Seeded() {
		t.Error("Append before Reset must not change the buffer")
	}
}

func TestBuffer_AppendEvictsOldest(t *testing.T) {
	buf, clk := newTestBuffer(3)
	seeded := buf.Reset(quoteAt("50.00"))

	clk.Add(5 * time.Second)
	points, err := buf.Append(decimal.RequireFromString("50.00"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if len(points) != Capacity {
		t.Fatalf("Expected %d points, got %d", Capacity, len(points))
	}
	if points[0].TimestampMs != seeded[1].TimestampMs || !points[0].Price.Equal(seeded[1].Price) {
		t.Error("Expected oldest seed point to be evicted")
	}
	last := points[len(points)-1]
	if last.TimestampMs != clk.Now().UnixMilli() {
		t.Errorf("Expected appended point at now, got %d", last.TimestampMs)
	}
	lo, hi := decimal.RequireFromString("49.75"), decimal.RequireFromString("50.25")
	if last.Price.LessThan(lo) || last.Price.GreaterThan(hi) {
		t.Errorf("Appended price %s outside ±0.5%%", last.Price)
	}
}

func TestBuffer_AppendWithoutClockAdvance(t *testing.T) {
	buf, _ := newTestBuffer(4)
	buf.Reset(quoteAt("10.00"))

	a, _ := buf.Append(decimal.NewFromInt(10))
	b, _ := buf.Append(decimal.NewFromInt(10))

	if b[len(b)-1].TimestampMs <= a[len(a)-1].TimestampMs {
		t.Error("Timestamps must stay strictly increasing when the clock is frozen")
	}
}

func TestBuffer_ReadsAreIdempotent(t *testing.T) {
	buf, _ := newTestBuffer(5)
	buf.Reset(quoteAt("123.45"))

	first := buf.Points()
	second := buf.Points()
	if !reflect.DeepEqual(first, second) {
		t.Error("Two reads without mutation must be identical")
	}

	// Mutating a returned copy must not leak into the buffer.
	first[0].Price = decimal.Zero
	if reflect.DeepEqual(first, buf.Points()) {
		t.Error("Points must return a copy")
	}
}

func TestBuffer_ResetReseedsWholesale(t *testing.T) {
	buf, clk := newTestBuffer(6)
	buf.Reset(quoteAt("100.00"))
	clk.Add(time.Minute)
	buf.Append(decimal.NewFromInt(100))

	points := buf.Reset(quoteAt("300.00"))
	if len(points) != Capacity {
		t.Fatalf("Expected %d points, got %d", Capacity, len(points))
	}
	for _, p := range points {
		if p.Price.LessThan(decimal.NewFromInt(297)) {
			t.Fatalf("Reset must discard the old series, found %s", p.Price)
		}
	}
}

func TestProperty_AppendKeepsCapacityAndOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buf, clk := newTestBuffer(rapid.Uint64().Draw(t, "seed"))
		buf.Reset(quoteAt("100.00"))

		steps := rapid.IntRange(0, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			advance := rapid.Int64Range(0, 10_000).Draw(t, "advanceMs")
			clk.Add(time.Duration(advance) * time.Millisecond)

			cents := rapid.Int64Range(1, 1_000_000).Draw(t, "priceCents")
			points, err := buf.Append(decimal.New(cents, -2))
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}

			if len(points) > Capacity {
				t.Fatalf("series length %d exceeds capacity", len(points))
			}
			for j := 1; j < len(points); j++ {
				if points[j].TimestampMs <= points[j-1].TimestampMs {
					t.Fatalf("timestamps not strictly increasing at %d", j)
				}
			}
		}
	})
}

func TestProperty_ResetWithinSeedSpread(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		buf, _ := newTestBuffer(rapid.Uint64().Draw(t, "seed"))
		cents := rapid.Int64Range(100, 10_000_000).Draw(t, "priceCents")
		price := decimal.New(cents, -2)

		points := buf.Reset(domain.Quote{Symbol: "TEST", Price: price})
		if len(points) != Capacity {
			t.Fatalf("Expected %d points, got %d", Capacity, len(points))
		}

		// Rounding to cents may move a point by at most half a cent.
		tolerance := price.Mul(decimal.NewFromFloat(SeedVariation)).Add(decimal.New(5, -3))
		last := points[len(points)-1].Price
		if last.Sub(price).Abs().GreaterThan(tolerance) {
			t.Fatalf("last price %s not within ±1%% of %s", last, price)
		}
	})
}
