package strategy

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"strategy-arena/internal/indicator"
	"strategy-arena/internal/market"
)

func TestParseFamily_Aliases(t *testing.T) {
	cases := map[string]Family{
		"Trend":       FamilyTrend,
		"MA交叉":        FamilyTrend,
		"Trend (MA)":  FamilyTrend,
		"RSI反转":       FamilyReversion,
		" reversion ": FamilyReversion,
		"MACD动能":      FamilyMomentum,
		"KD随机指标":      FamilySwing,
		"kd":          FamilySwing,
	}
	for input, want := range cases {
		got, err := ParseFamily(input)
		if err != nil {
			t.Errorf("ParseFamily(%q) returned error: %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseFamily(%q) = %s, want %s", input, got, want)
		}
	}
	if _, err := ParseFamily("布林带策略"); err == nil {
		t.Errorf("expected unknown family error")
	}
}

func TestFamilies_FixedOrder(t *testing.T) {
	want := []Family{FamilyTrend, FamilyReversion, FamilyMomentum, FamilySwing}
	got := Families()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: %v", got)
		}
	}
}

func TestParameterSet_KeyIsOrderIndependent(t *testing.T) {
	a := NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 20, "slow_period": 60})
	b := NewParameterSet(FamilyTrend, map[string]float64{"slow_period": 60, "fast_period": 20})
	if !a.Equal(b) {
		t.Fatalf("expected equal parameter sets, got %s vs %s", a.Key(), b.Key())
	}
	if a.Key() != "Trend|fast_period=20|slow_period=60" {
		t.Errorf("unexpected key %s", a.Key())
	}
}

func TestParameterSet_Validate(t *testing.T) {
	valid := NewParameterSet(FamilyReversion, map[string]float64{"rsi_period": 14, "low_threshold": 30, "high_threshold": 70})
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid parameters, got %v", err)
	}

	invalid := []ParameterSet{
		NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 60, "slow_period": 20}),
		NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 20}),
		NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 20, "slow_period": 60, "bogus": 1}),
		NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 20.5, "slow_period": 60}),
		NewParameterSet(FamilyReversion, map[string]float64{"rsi_period": 14, "low_threshold": 70, "high_threshold": 30}),
		NewParameterSet(FamilyMomentum, map[string]float64{"fast_period": 12, "slow_period": 26, "signal_period": 0}),
		NewParameterSet(Family("Arbitrage"), nil),
	}
	for _, set := range invalid {
		if err := set.Validate(); !errors.Is(err, ErrInvalidParameters) {
			t.Errorf("%s: expected ErrInvalidParameters, got %v", set.Key(), err)
		}
	}
}

func TestParameterSet_OptionalDefaults(t *testing.T) {
	set := NewParameterSet(FamilySwing, map[string]float64{"k_period": 9, "d_period": 3})
	if err := set.Validate(); err != nil {
		t.Fatalf("expected optional params to be accepted, got %v", err)
	}
	if set.Int("smooth_period") != 3 || set.Get("upper") != 80 {
		t.Errorf("unexpected defaults: smooth=%d upper=%f", set.Int("smooth_period"), set.Get("upper"))
	}
}

func TestExpandGrid_DropsInvalidCombosAndDedupes(t *testing.T) {
	sets, err := ExpandGrid(FamilyTrend, Grid{
		"fast_period": {10, 20, 20},
		"slow_period": {15, 60},
	})
	if err != nil {
		t.Fatalf("ExpandGrid returned error: %v", err)
	}
	// 10/15, 10/60, 20/60；20/15 违反约束，重复的 20 被去重。
	if len(sets) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %v", len(sets), sets)
	}
	if sets[0].Key() != "Trend|fast_period=10|slow_period=15" {
		t.Errorf("unexpected first candidate %s", sets[0].Key())
	}

	if _, err := ExpandGrid(FamilyTrend, Grid{"fast_period": {60}, "slow_period": {20}}); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters for grid without valid combos, got %v", err)
	}
}

func TestDefaultGrids_Sizes(t *testing.T) {
	grids := DefaultGrids()
	want := map[Family]int{
		FamilyTrend:     16,
		FamilyReversion: 27,
		FamilyMomentum:  27,
		FamilySwing:     9,
	}
	for family, n := range want {
		if len(grids[family]) != n {
			t.Errorf("%s: expected %d candidates, got %d", family, n, len(grids[family]))
		}
	}
}

func TestFamily_JSONUsesAliases(t *testing.T) {
	var payload struct {
		Family Family `json:"family"`
	}
	if err := json.Unmarshal([]byte(`{"family":"RSI反转"}`), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.Family != FamilyReversion {
		t.Fatalf("expected Reversion, got %s", payload.Family)
	}
	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"family":"Reversion"}` {
		t.Errorf("unexpected json %s", out)
	}
}

func TestTrendRule_GoldenCross(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []market.Bar
	price := 100.0
	for i := 0; i < 120; i++ {
		if i < 60 {
			price -= 0.5
		} else {
			price += 1
		}
		bars = append(bars, market.Bar{Timestamp: base.AddDate(0, 0, i), Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1})
	}

	rule, err := NewRule(
		NewParameterSet(FamilyTrend, map[string]float64{"fast_period": 5, "slow_period": 20}),
		indicator.NewCalculator(indicator.NewSeries(bars)),
	)
	if err != nil {
		t.Fatalf("NewRule returned error: %v", err)
	}

	entered := -1
	for i := 0; i < len(bars); i++ {
		if rule.Evaluate(i, false) == ActionEnter {
			entered = i
			break
		}
	}
	if entered < 60 {
		t.Fatalf("expected golden cross after the trough at bar 60, got %d", entered)
	}
	if rule.Evaluate(entered, true) != ActionHold {
		t.Errorf("expected no exit at the golden cross bar")
	}
	if rule.Evaluate(5, false) != ActionHold {
		t.Errorf("expected warm-up bars to hold")
	}
}

func TestNewRule_RejectsInvalidParameters(t *testing.T) {
	calc := indicator.NewCalculator(indicator.NewSeries(nil))
	_, err := NewRule(NewParameterSet(FamilyMomentum, map[string]float64{"fast_period": 30, "slow_period": 20, "signal_period": 9}), calc)
	if !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}
