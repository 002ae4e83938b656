package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"strategy-arena/internal/backtest"
	"strategy-arena/internal/config"
	"strategy-arena/internal/events"
	"strategy-arena/internal/market"
	"strategy-arena/internal/monitor"
	"strategy-arena/internal/queue"
	"strategy-arena/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	cfg.Database.InMemory = true
	cfg.Server.Enabled = false
	cfg.Data.Source = "csv"
	cfg.Data.CSVDir = t.TempDir()
	cfg.Queue.Workers = 1
	return cfg
}

func openStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	st, err := store.Open(cfg.Database)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRun_RecoversTasksAndStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)

	repo, err := queue.NewSQLRepository(st)
	if err != nil {
		t.Fatalf("NewSQLRepository returned error: %v", err)
	}
	started := time.Now().UTC()
	err = repo.Save(context.Background(), queue.Task{
		ID:        "interrupted",
		OwnerID:   "alice",
		Status:    queue.StatusRunning,
		CreatedAt: started,
		StartedAt: &started,
		Config:    queue.TaskConfig{Ticker: "2330"},
		Version:   2,
	})
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(cfg, nil, st).Run(ctx)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		tasks, err := repo.LoadAll(context.Background())
		if err == nil && len(tasks) == 1 && tasks[0].Status == queue.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for recovery, got %+v (%v)", tasks, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestBuildProvider(t *testing.T) {
	cfg := testConfig(t)
	a := New(cfg, nil, openStore(t, cfg))

	provider, err := a.buildProvider()
	if err != nil {
		t.Fatalf("buildProvider returned error: %v", err)
	}
	if _, ok := provider.(*market.CSVProvider); !ok {
		t.Errorf("expected CSV provider, got %T", provider)
	}

	cfg.Data.Source = "ftp"
	if _, err := a.buildProvider(); err == nil {
		t.Errorf("expected error for unknown source")
	}

	cfg.Data.Source = "exchange"
	cfg.Data.Exchange.Name = "mtgox"
	if _, err := a.buildProvider(); err == nil {
		t.Errorf("expected error for unsupported exchange")
	}
}

func TestBuildSink(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	a := New(cfg, nil, st)
	mon, err := monitor.NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}

	sink, closeSink, err := a.buildSink(mon)
	if err != nil {
		t.Fatalf("buildSink returned error: %v", err)
	}
	if sink != events.Sink(mon) {
		t.Errorf("expected monitor sink when kafka is disabled, got %T", sink)
	}
	if err := closeSink(); err != nil {
		t.Errorf("close returned error: %v", err)
	}

	cfg.Events.Kafka.Enabled = true
	sink, closeSink, err = a.buildSink(mon)
	if err != nil {
		t.Fatalf("buildSink returned error: %v", err)
	}
	fanout, ok := sink.(events.Fanout)
	if !ok || len(fanout) != 2 {
		t.Fatalf("expected fanout of monitor and kafka, got %T", sink)
	}
	if err := closeSink(); err != nil {
		t.Errorf("close returned error: %v", err)
	}

	cfg.Events.Kafka.Topic = ""
	if _, _, err := a.buildSink(mon); err == nil {
		t.Errorf("expected error without topic")
	}
}

func TestBuildRunner_UsesConfiguredThresholds(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulator.MinBars = 150
	a := New(cfg, nil, openStore(t, cfg))

	_, err := a.buildRunner().Run(context.Background(), make([]market.Bar, 120), nil, nil)
	if !errors.Is(err, backtest.ErrInsufficientData) {
		t.Fatalf("expected insufficient data with min_bars=150, got %v", err)
	}
}
