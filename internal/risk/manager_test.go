package risk

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"strategy-arena/internal/config"
	"strategy-arena/internal/events"
	"strategy-arena/internal/store"
)

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Publish(_ context.Context, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		DailyMaxDrawdown:     0.02,
		WeeklyMaxDrawdown:    0.08,
		MaxConsecutiveLosses: 3,
		RetentionDays:        30,
	}
}

func newTestManager(t *testing.T, sink events.Sink) *Manager {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	m, err := NewManager(testRiskConfig(), st, sink, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

// 2024-05-06 为周一。
func day(d, hour int) time.Time {
	return time.Date(2024, 5, d, hour, 0, 0, 0, time.UTC)
}

func TestRecordPnL_DailyDrawdownBlocksTrading(t *testing.T) {
	sink := &captureSink{}
	m := newTestManager(t, sink)
	ctx := context.Background()

	status, err := m.RecordPnL(ctx, "alice", -0.01, day(6, 9))
	if err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	if !status.CanTrade {
		t.Fatalf("expected trading allowed after 1%% loss, got %+v", status)
	}

	status, err = m.RecordPnL(ctx, "alice", -0.015, day(6, 10))
	if err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	if status.CanTrade {
		t.Fatalf("expected daily limit to block trading, got %+v", status)
	}
	if math.Abs(status.DailyDrawdown-0.025) > 1e-9 {
		t.Errorf("expected 2.5%% daily drawdown, got %f", status.DailyDrawdown)
	}
	if len(status.Reasons) != 1 || !strings.Contains(status.Reasons[0], "当日回撤") {
		t.Errorf("expected a single daily reason, got %v", status.Reasons)
	}

	next, err := m.Status(ctx, "alice", day(7, 9))
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if next.DailyDrawdown != 0 || !next.CanTrade {
		t.Errorf("expected a fresh day to reset the daily budget, got %+v", next)
	}
	if len(sink.events) != 2 || sink.events[1].Type != events.TypeRiskUpdate {
		t.Errorf("expected risk update events, got %d", len(sink.events))
	}
}

func TestRecordPnL_ConsecutiveLossesResetOnWin(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	var status Status
	var err error
	for i := 0; i < 3; i++ {
		status, err = m.RecordPnL(ctx, "bob", -0.001, day(8, 9+i))
		if err != nil {
			t.Fatalf("RecordPnL returned error: %v", err)
		}
	}
	if status.ConsecutiveLosses != 3 || status.CanTrade {
		t.Fatalf("expected 3 consecutive losses to block trading, got %+v", status)
	}

	status, err = m.RecordPnL(ctx, "bob", 0.002, day(8, 14))
	if err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	if status.ConsecutiveLosses != 0 || !status.CanTrade {
		t.Errorf("expected a win to reset the streak, got %+v", status)
	}

	other, err := m.Status(ctx, "carol", day(8, 15))
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if other.ConsecutiveLosses != 0 || other.DailyPnL != 0 {
		t.Errorf("expected owners to be isolated, got %+v", other)
	}
}

func TestStatus_WeeklyDrawdownSpansTheWeekOnly(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	// 上一周的亏损不计入本周。
	if _, err := m.RecordPnL(ctx, "dave", -0.05, day(3, 9)); err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	for d := 6; d <= 10; d++ {
		if _, err := m.RecordPnL(ctx, "dave", -0.015, day(d, 9)); err != nil {
			t.Fatalf("RecordPnL returned error: %v", err)
		}
		if _, err := m.RecordPnL(ctx, "dave", 0.0001, day(d, 10)); err != nil {
			t.Fatalf("RecordPnL returned error: %v", err)
		}
	}
	if _, err := m.RecordPnL(ctx, "dave", -0.01, day(10, 11)); err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}

	status, err := m.Status(ctx, "dave", day(10, 12))
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if status.WeekStart != "2024-05-06" {
		t.Errorf("expected week to start on Monday, got %s", status.WeekStart)
	}
	if math.Abs(status.WeeklyDrawdown-0.0845) > 1e-9 {
		t.Errorf("expected weekly drawdown 8.45%%, got %f", status.WeeklyDrawdown)
	}
	if status.CanTrade {
		t.Fatalf("expected weekly limit to block trading, got %+v", status)
	}
	found := false
	for _, r := range status.Reasons {
		if strings.Contains(r, "本周回撤") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected weekly reason, got %v", status.Reasons)
	}
}

func TestRecordPnL_RetentionAndValidation(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := m.RecordPnL(ctx, "erin", 0.01, day(1, 9).AddDate(0, 0, -40)); err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	if _, err := m.RecordPnL(ctx, "erin", 0.02, day(1, 9)); err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	history, err := m.History(ctx, "erin", 10)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || history[0].PnL != 0.02 {
		t.Errorf("expected expired record to be purged, got %+v", history)
	}

	for _, bad := range []float64{math.NaN(), math.Inf(1), -1} {
		if _, err := m.RecordPnL(ctx, "erin", bad, time.Time{}); !errors.Is(err, ErrInvalidPnL) {
			t.Errorf("expected ErrInvalidPnL for %v, got %v", bad, err)
		}
	}
}

func TestTradingDay_ResetHourAndWeekStart(t *testing.T) {
	if got := tradingDay(time.Date(2024, 5, 7, 3, 0, 0, 0, time.UTC), 6); got != "2024-05-06" {
		t.Errorf("expected reset hour to shift trading day, got %s", got)
	}
	if got := weekStart("2024-05-12"); got != "2024-05-06" {
		t.Errorf("expected Sunday to belong to the week starting Monday, got %s", got)
	}
	if got := weekStart("2024-05-06"); got != "2024-05-06" {
		t.Errorf("expected Monday to start its own week, got %s", got)
	}
}

func TestStatus_DefaultOwner(t *testing.T) {
	m := newTestManager(t, nil)
	m.now = func() time.Time { return day(9, 9) }

	status, err := m.RecordPnL(context.Background(), "  ", -0.001, time.Time{})
	if err != nil {
		t.Fatalf("RecordPnL returned error: %v", err)
	}
	if status.Owner != DefaultOwner || status.TradingDate != "2024-05-09" {
		t.Errorf("unexpected status %+v", status)
	}
}
