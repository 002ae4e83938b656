package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"strategy-arena/internal/config"
	"strategy-arena/internal/decision"
	"strategy-arena/internal/events"
	"strategy-arena/internal/market"
	"strategy-arena/internal/market/markettest"
	"strategy-arena/internal/monitor"
	"strategy-arena/internal/queue"
	"strategy-arena/internal/risk"
	"strategy-arena/internal/store"
	"strategy-arena/internal/strategy"
	"strategy-arena/internal/tournament"
)

type staticProvider struct {
	bars []market.Bar
}

func (p staticProvider) FetchBars(context.Context, string, time.Time, time.Time) ([]market.Bar, error) {
	return p.bars, nil
}

// blockingProvider 阻塞到任务被取消。
type blockingProvider struct{}

func (blockingProvider) FetchBars(ctx context.Context, _ string, _, _ time.Time) ([]market.Bar, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	handler http.Handler
	queue   *queue.Queue
	monitor *monitor.Service
}

func newFixture(t *testing.T, provider queue.BarProvider) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mon, err := monitor.NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	repo, err := queue.NewSQLRepository(st)
	if err != nil {
		t.Fatalf("NewSQLRepository returned error: %v", err)
	}
	q, err := queue.New(config.QueueConfig{Workers: 1, Capacity: 4}, provider,
		tournament.New(tournament.DefaultConfig(), nil, nil), repo, mon, nil)
	if err != nil {
		t.Fatalf("queue.New returned error: %v", err)
	}
	riskManager, err := risk.NewManager(config.RiskConfig{
		DailyMaxDrawdown:     0.02,
		WeeklyMaxDrawdown:    0.08,
		MaxConsecutiveLosses: 3,
		RetentionDays:        30,
	}, st, mon, nil)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = st.Close()
	})

	srv, err := NewServer(config.ServerConfig{Mode: gin.TestMode}, Deps{
		Queue:   q,
		Engine:  decision.NewEngine(decision.DefaultConfig(), nil),
		Risk:    riskManager,
		Monitor: mon,
		Store:   st,
		Sink:    mon,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return &fixture{handler: srv.Handler(), queue: q, monitor: mon}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func trendRequest(owner string) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":   owner,
		"ticker":     "2330",
		"start_date": "2023-01-01",
		"end_date":   "2024-01-01",
		"target_roi": 1,
		"param_grid": map[string]interface{}{
			"MA交叉": map[string][]float64{"fast_period": {20}, "slow_period": {60}},
		},
	}
}

func submit(t *testing.T, f *fixture, body interface{}) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/tasks", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decode(t, rec, &resp)
	if resp.TaskID == "" || resp.Status != "queued" {
		t.Fatalf("unexpected submit response %s", rec.Body.String())
	}
	return resp.TaskID
}

func TestTasks_SubmitRunAndDecide(t *testing.T) {
	f := newFixture(t, staticProvider{bars: markettest.FromCloses(markettest.GoldenCross())})
	id := submit(t, f, trendRequest("alice"))

	var task queue.Task
	waitFor(t, "task completion", func() bool {
		rec := f.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		decode(t, rec, &task)
		return task.Status.Terminal()
	})
	if task.Status != queue.StatusCompleted {
		t.Fatalf("expected completed task, got %s (%s)", task.Status, task.Error)
	}
	if task.Result == nil || task.Result.WinningFamily != strategy.FamilyTrend {
		t.Fatalf("expected Trend winner, got %+v", task.Result)
	}
	if !task.TargetReached || task.ProgressPct != 100 {
		t.Errorf("expected target reached at 100%%, got reached=%v progress=%f", task.TargetReached, task.ProgressPct)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/decisions", map[string]interface{}{
		"task_id":      id,
		"owner":        "alice",
		"verdicts":     map[string]interface{}{"trend": map[string]interface{}{"signal": "BUY", "confidence": 0.8}},
		"fundamentals": map[string]float64{"pe_ratio": 15},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var d decision.Decision
	decode(t, rec, &d)
	if !d.Action.IsBuy() {
		t.Errorf("expected BUY-class decision, got %s (flags %v)", d.Action, d.RiskFlags)
	}
	if d.Symbol != "2330" || d.StopLossPrice <= 0 {
		t.Errorf("expected symbol and stop filled from task, got %+v", d)
	}

	list, err := f.monitor.ListEvents(context.Background(), monitor.Filter{Type: events.TypeDecision})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(list) != 1 || list[0].Subject != id || list[0].Owner != "alice" {
		t.Errorf("expected one decision event for the task, got %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/events?type=TASK.COMPLETED&subject="+id, nil)
	var page struct {
		Count int `json:"count"`
	}
	decode(t, rec, &page)
	if rec.Code != http.StatusOK || page.Count != 1 {
		t.Errorf("expected one completion event, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTasks_SubmitRejectsBadRequests(t *testing.T) {
	f := newFixture(t, staticProvider{})

	cases := []struct {
		name string
		edit func(map[string]interface{})
	}{
		{"missing owner", func(b map[string]interface{}) { delete(b, "owner_id") }},
		{"bad date", func(b map[string]interface{}) { b["start_date"] = "01/02/2023" }},
		{"inverted dates", func(b map[string]interface{}) { b["end_date"] = "2022-01-01" }},
		{"path in ticker", func(b map[string]interface{}) { b["ticker"] = "../etc" }},
		{"unknown family", func(b map[string]interface{}) {
			b["param_grid"] = map[string]interface{}{"astrology": map[string][]float64{"x": {1}}}
		}},
		{"empty candidates", func(b map[string]interface{}) {
			b["param_grid"] = map[string]interface{}{"Trend": map[string][]float64{"fast_period": {}}}
		}},
	}
	for _, tc := range cases {
		body := trendRequest("alice")
		tc.edit(body)
		rec := f.do(t, http.MethodPost, "/api/v1/tasks", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/tasks", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed json, got %d", rec.Code)
	}
	if stats := f.queue.Stats(); stats.Queued+stats.Running+stats.Completed+stats.Failed != 0 {
		t.Errorf("expected no tasks to be created, got %+v", stats)
	}
}

func TestTasks_CancelAndNotFound(t *testing.T) {
	f := newFixture(t, blockingProvider{})
	id := submit(t, f, trendRequest("alice"))

	waitFor(t, "task to start", func() bool {
		task, ok := f.queue.GetTask(id)
		return ok && task.Status == queue.StatusRunning
	})

	if rec := f.do(t, http.MethodPost, "/api/v1/decisions", map[string]string{"task_id": id}); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for decision on unfinished task, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	waitFor(t, "task to fail", func() bool {
		task, _ := f.queue.GetTask(id)
		return task.Status == queue.StatusFailed
	})

	if rec := f.do(t, http.MethodDelete, "/api/v1/tasks/"+id, nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for finished task, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/api/v1/tasks/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/tasks/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/decisions", map[string]string{"task_id": "missing"}); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for decision on unknown task, got %d", rec.Code)
	}
}

func TestOwnerTasks_NewestFirstWithLimit(t *testing.T) {
	f := newFixture(t, blockingProvider{})
	first := submit(t, f, trendRequest("alice"))
	second := submit(t, f, trendRequest("alice"))
	submit(t, f, trendRequest("bob"))

	var page struct {
		Data  []queue.Task `json:"data"`
		Count int          `json:"count"`
	}
	rec := f.do(t, http.MethodGet, "/api/v1/owners/alice/tasks", nil)
	decode(t, rec, &page)
	if page.Count != 2 || page.Data[0].ID != second || page.Data[1].ID != first {
		t.Fatalf("expected alice's tasks newest first, got %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/owners/alice/tasks?limit=1", nil)
	decode(t, rec, &page)
	if page.Count != 1 || page.Data[0].ID != second {
		t.Errorf("expected only the newest task, got %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	var stats queue.Stats
	decode(t, rec, &stats)
	if stats.Workers != 1 || stats.Capacity != 4 || stats.Queued+stats.Running != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRisk_RecordStatusAndDecisionCap(t *testing.T) {
	f := newFixture(t, staticProvider{})

	rec := f.do(t, http.MethodPost, "/api/v1/risk/pnl", map[string]interface{}{"owner": "bob", "pnl": -0.03})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status risk.Status
	decode(t, rec, &status)
	if status.CanTrade || status.Owner != "bob" {
		t.Fatalf("expected daily drawdown breach, got %+v", status)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/risk/status?owner=bob", nil)
	decode(t, rec, &status)
	if rec.Code != http.StatusOK || status.CanTrade {
		t.Errorf("expected blocked status, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/risk/history?owner=bob", nil)
	var history struct {
		Count int `json:"count"`
	}
	decode(t, rec, &history)
	if history.Count != 1 {
		t.Errorf("expected one pnl record, got %s", rec.Body.String())
	}

	for _, body := range []interface{}{
		map[string]interface{}{"owner": "bob"},
		map[string]interface{}{"owner": "bob", "pnl": -2},
	} {
		if rec := f.do(t, http.MethodPost, "/api/v1/risk/pnl", body); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %v, got %d", body, rec.Code)
		}
	}

	rec = f.do(t, http.MethodPost, "/api/v1/decisions", map[string]interface{}{
		"owner":        "bob",
		"symbol":       "2330",
		"family":       "Trend",
		"price":        100,
		"atr":          2,
		"verdicts":     map[string]interface{}{"trend": map[string]interface{}{"signal": "BUY", "confidence": 0.9}},
		"fundamentals": map[string]float64{"pe_ratio": 12},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var d decision.Decision
	decode(t, rec, &d)
	if d.Action.IsBuy() {
		t.Errorf("expected risk budget to block buying, got %s", d.Action)
	}
	blocked := false
	for _, flag := range d.RiskFlags {
		if strings.HasPrefix(flag, "risk_budget") {
			blocked = true
		}
	}
	if !blocked {
		t.Errorf("expected risk_budget flag, got %v", d.RiskFlags)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, staticProvider{})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("expected healthy response, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNewServer_RequiresQueueAndEngine(t *testing.T) {
	if _, err := NewServer(config.ServerConfig{}, Deps{}, nil); err == nil {
		t.Fatalf("expected error without queue")
	}
}
