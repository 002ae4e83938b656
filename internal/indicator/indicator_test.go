package indicator

import (
	"math"
	"testing"
	"time"

	"strategy-arena/internal/market"
)

func makeBars(closes []float64) []market.Bar {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			Timestamp: base.AddDate(0, 0, i),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1000,
		}
	}
	return bars
}

func TestNewSeries_ForwardFillsInvalidBars(t *testing.T) {
	bars := makeBars([]float64{10, 11, 12, 13})
	bars[0].Close = math.NaN()
	bars[2].Close = -1

	series := NewSeries(bars)
	if series.InvalidCount() != 2 {
		t.Fatalf("expected 2 invalid bars, got %d", series.InvalidCount())
	}
	if series.Close[0] != 11 {
		t.Errorf("expected leading invalid bar to be back-filled with 11, got %f", series.Close[0])
	}
	if series.Close[2] != 11 {
		t.Errorf("expected invalid bar to be forward-filled with 11, got %f", series.Close[2])
	}
	if series.Valid[2] || !series.Valid[3] {
		t.Errorf("unexpected validity flags: %v", series.Valid)
	}
}

func TestCalculator_SMA(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	calc := NewCalculator(NewSeries(makeBars(closes)))

	sma := calc.SMA(5)
	if len(sma) != len(closes) {
		t.Fatalf("expected %d values, got %d", len(closes), len(sma))
	}
	if sma[3] != 0 {
		t.Errorf("expected warm-up value 0, got %f", sma[3])
	}
	if math.Abs(sma[4]-3) > 1e-9 {
		t.Errorf("expected sma[4]=3, got %f", sma[4])
	}
	if math.Abs(Last(sma)-28) > 1e-9 {
		t.Errorf("expected last sma=28, got %f", Last(sma))
	}

	again := calc.SMA(5)
	if &again[0] != &sma[0] {
		t.Errorf("expected cached slice to be reused")
	}
}

func TestCalculator_ShortSeriesReturnsZeros(t *testing.T) {
	calc := NewCalculator(NewSeries(makeBars([]float64{1, 2, 3})))

	for name, values := range map[string][]float64{
		"sma": calc.SMA(20),
		"rsi": calc.RSI(14),
		"atr": calc.ATR(14),
	} {
		if len(values) != 3 {
			t.Fatalf("%s: expected 3 values, got %d", name, len(values))
		}
		for _, v := range values {
			if v != 0 {
				t.Errorf("%s: expected zeros for short series, got %v", name, values)
				break
			}
		}
	}
	k, d := calc.Stoch(9, 3, 3)
	if len(k) != 3 || len(d) != 3 {
		t.Errorf("expected stoch output to match input length")
	}
}

func TestCalculator_LatestSnapshot(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	snap := NewCalculator(NewSeries(makeBars(closes))).Latest()

	if snap.Close != 159 {
		t.Errorf("expected close 159, got %f", snap.Close)
	}
	if snap.ATR <= 0 || snap.ATRPercent <= 0 {
		t.Errorf("expected positive ATR, got %f (%f%%)", snap.ATR, snap.ATRPercent)
	}
	if snap.RSI < 50 {
		t.Errorf("expected RSI above 50 in an uptrend, got %f", snap.RSI)
	}
	if math.IsNaN(snap.MACDHistogram) {
		t.Errorf("expected finite MACD histogram")
	}
}

func TestCalculator_ReusesCachedSeries(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i%10)
	}
	calc := NewCalculator(NewSeries(makeBars(closes)))

	first := calc.RSI(14)
	second := calc.RSI(14)
	if &first[0] != &second[0] {
		t.Errorf("expected RSI(14) to be served from cache")
	}
	if other := calc.RSI(10); &other[0] == &first[0] {
		t.Errorf("expected different periods to be cached separately")
	}
}
