package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-arena/internal/config"
	"strategy-arena/internal/events"
	"strategy-arena/internal/indicator"
	"strategy-arena/internal/market"
	"strategy-arena/internal/strategy"
	"strategy-arena/internal/tournament"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrQueueFull      = errors.New("task queue is full")
	ErrInvalidRequest = errors.New("invalid training request")
	ErrTaskFinished   = errors.New("task already finished")
	ErrAlreadyRunning = errors.New("queue already running")
	// ErrCancelled 与 tournament.ErrCancelled 为同一个值。
	ErrCancelled = tournament.ErrCancelled
)

const interruptedReason = "interrupted: process restarted while task was running"

// BarProvider 提供训练所需的历史K线。
type BarProvider interface {
	FetchBars(ctx context.Context, ticker string, start, end time.Time) ([]market.Bar, error)
}

// Runner 执行一次锦标赛，*tournament.Tournament 满足该接口。
type Runner interface {
	Run(ctx context.Context, bars []market.Bar, grids map[strategy.Family][]strategy.ParameterSet, progress tournament.ProgressFunc) (tournament.Result, error)
}

// Queue 为有界工作池驱动的训练任务队列。
// 任务表由一把互斥锁保护，状态变更后写入仓储并发布事件。
type Queue struct {
	cfg      config.QueueConfig
	provider BarProvider
	runner   Runner
	repo     Repository
	sink     events.Sink
	validate *validator.Validate
	logger   *zap.Logger

	mu        sync.Mutex
	tasks     map[string]*Task
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
	seq       uint64
	// reserved 为已占用的通道槽位，保证入队发送不会阻塞。
	reserved int

	jobs    chan string
	started atomic.Bool
}

// New 创建任务队列。repo 与 sink 可为空。
func New(cfg config.QueueConfig, provider BarProvider, runner Runner, repo Repository, sink events.Sink, logger *zap.Logger) (*Queue, error) {
	if provider == nil {
		return nil, fmt.Errorf("queue: bar provider 不能为空")
	}
	if runner == nil {
		return nil, fmt.Errorf("queue: runner 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}

	return &Queue{
		cfg:       cfg,
		provider:  provider,
		runner:    runner,
		repo:      repo,
		sink:      sink,
		validate:  validator.New(),
		logger:    logger,
		tasks:     make(map[string]*Task),
		cancels:   make(map[string]context.CancelFunc),
		cancelled: make(map[string]bool),
		jobs:      make(chan string, cfg.Capacity),
	}, nil
}

// SubmitTraining 使用默认参数网格提交训练任务。
func (q *Queue) SubmitTraining(ctx context.Context, ownerID, ticker string, start, end time.Time, targetROI float64) (string, error) {
	return q.Submit(ctx, ownerID, TaskConfig{
		Ticker:    ticker,
		StartDate: start,
		EndDate:   end,
		TargetROI: targetROI,
	})
}

// Submit 校验请求并入队，不等待执行。
func (q *Queue) Submit(ctx context.Context, ownerID string, cfg TaskConfig) (string, error) {
	cfg, err := q.normalizeConfig(ownerID, cfg)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	task := &Task{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    StatusQueued,
		CreatedAt: now,
		Config:    cfg,
		Version:   1,
	}

	q.mu.Lock()
	if q.reserved >= q.cfg.Capacity {
		q.mu.Unlock()
		q.logger.Warn("任务队列已满", zap.String("owner", ownerID), zap.Int("capacity", q.cfg.Capacity))
		return "", fmt.Errorf("queue: 容量 %d 已满: %w", q.cfg.Capacity, ErrQueueFull)
	}
	q.reserved++
	q.seq++
	task.seq = q.seq
	q.tasks[task.ID] = task
	snapshot := task.clone()
	q.mu.Unlock()

	q.logger.Info("训练任务已入队",
		zap.String("task_id", task.ID),
		zap.String("owner", ownerID),
		zap.String("ticker", cfg.Ticker),
	)
	// 先落盘并发布 queued，再交给 worker，保证事件顺序。
	q.persist(ctx, snapshot, events.TypeTaskQueued)
	q.jobs <- task.ID

	return task.ID, nil
}

func (q *Queue) normalizeConfig(ownerID string, cfg TaskConfig) (TaskConfig, error) {
	if strings.TrimSpace(ownerID) == "" {
		return cfg, fmt.Errorf("queue: owner_id 不能为空: %w", ErrInvalidRequest)
	}
	cfg.Ticker = strings.ToUpper(strings.TrimSpace(cfg.Ticker))
	if err := q.validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("queue: %v: %w", err, ErrInvalidRequest)
	}
	if math.IsNaN(cfg.TargetROI) || math.IsInf(cfg.TargetROI, 0) {
		return cfg, fmt.Errorf("queue: target_roi 非法: %w", ErrInvalidRequest)
	}
	if !cfg.StartDate.IsZero() && !cfg.EndDate.IsZero() && !cfg.EndDate.After(cfg.StartDate) {
		return cfg, fmt.Errorf("queue: end_date 必须晚于 start_date: %w", ErrInvalidRequest)
	}

	if len(cfg.ParamGrid) == 0 {
		cfg.ParamGrid = strategy.DefaultGrids()
		return cfg, nil
	}

	grid := make(map[strategy.Family][]strategy.ParameterSet, len(cfg.ParamGrid))
	for family, sets := range cfg.ParamGrid {
		if !family.Valid() {
			return cfg, fmt.Errorf("queue: 未知策略族 %q: %w", family, ErrInvalidRequest)
		}
		copied := make([]strategy.ParameterSet, 0, len(sets))
		for _, set := range sets {
			if set.Family == "" {
				set.Family = family
			}
			if set.Family != family {
				return cfg, fmt.Errorf("queue: 参数集 %s 不属于 %s: %w", set.Key(), family, ErrInvalidRequest)
			}
			if err := set.Validate(); err != nil {
				return cfg, fmt.Errorf("queue: %v: %w", err, ErrInvalidRequest)
			}
			copied = append(copied, strategy.NewParameterSet(family, set.Params))
		}
		grid[family] = strategy.Dedupe(copied)
	}
	cfg.ParamGrid = grid
	return cfg, nil
}

// GetTask 返回任务副本。
func (q *Queue) GetTask(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return task.clone(), true
}

// ListByOwner 返回某用户最近的任务，新任务在前。limit<=0 时使用默认上限。
func (q *Queue) ListByOwner(ownerID string, limit int) []Task {
	if limit <= 0 {
		limit = q.cfg.HistoryLimit
	}

	q.mu.Lock()
	out := make([]Task, 0)
	for _, task := range q.tasks {
		if task.OwnerID == ownerID {
			out = append(out, task.clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].seq > out[j].seq
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ListTasksByOwner 为 ListByOwner 的别名。
func (q *Queue) ListTasksByOwner(ownerID string, limit int) []Task {
	return q.ListByOwner(ownerID, limit)
}

// Cancel 请求取消任务。排队中的任务仍会进入 running 后以取消失败结束。
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("queue: %s: %w", id, ErrTaskNotFound)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("queue: %s: %w", id, ErrTaskFinished)
	}

	q.cancelled[id] = true
	if cancel, ok := q.cancels[id]; ok {
		cancel()
	}
	q.logger.Info("已请求取消任务", zap.String("task_id", id), zap.String("status", string(task.Status)))
	return nil
}

// Stats 返回队列概况。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Workers:  q.cfg.Workers,
		Capacity: q.cfg.Capacity,
		Pending:  q.reserved,
	}
	for _, task := range q.tasks {
		switch task.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Recover 从仓储恢复历史任务：上次进程遗留的 running 任务标记为失败，queued 任务重新入队。
func (q *Queue) Recover(ctx context.Context) error {
	if q.repo == nil {
		return nil
	}
	stored, err := q.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("queue: 恢复任务失败: %w", err)
	}

	type change struct {
		task Task
		typ  events.Type
	}
	var (
		changes   []change
		requeued  []string
		restored  int
		completed = time.Now().UTC()
	)

	q.mu.Lock()
	for i := range stored {
		task := stored[i]
		if _, exists := q.tasks[task.ID]; exists {
			continue
		}
		q.seq++
		task.seq = q.seq

		switch task.Status {
		case StatusRunning:
			task.Status = StatusFailed
			task.Error = interruptedReason
			task.CompletedAt = &completed
			task.Version++
			changes = append(changes, change{task: task.clone(), typ: events.TypeTaskFailed})
		case StatusQueued:
			if q.reserved < q.cfg.Capacity {
				q.reserved++
				requeued = append(requeued, task.ID)
			} else {
				task.Status = StatusFailed
				task.Error = ErrQueueFull.Error()
				task.CompletedAt = &completed
				task.Version++
				changes = append(changes, change{task: task.clone(), typ: events.TypeTaskFailed})
			}
		}
		t := task
		q.tasks[task.ID] = &t
		restored++
	}
	q.mu.Unlock()

	for _, c := range changes {
		q.persist(ctx, c.task, c.typ)
	}
	for _, id := range requeued {
		q.jobs <- id
	}

	q.logger.Info("任务恢复完成",
		zap.Int("restored", restored),
		zap.Int("requeued", len(requeued)),
		zap.Int("failed", len(changes)),
	)
	return nil
}

// Run 启动固定数量的 worker，直到 ctx 结束。
func (q *Queue) Run(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	q.logger.Info("训练队列启动", zap.Int("workers", q.cfg.Workers), zap.Int("capacity", q.cfg.Capacity))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-q.jobs:
					q.process(gctx, worker, id)
				}
			}
		})
	}

	err := g.Wait()
	q.logger.Info("训练队列已停止")
	return err
}

func (q *Queue) process(ctx context.Context, worker int, id string) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task, cancelRequested, ok := q.markRunning(id, cancel)
	if !ok {
		return
	}
	defer q.forget(id)

	logger := q.logger.With(zap.String("task_id", id), zap.Int("worker", worker))
	logger.Info("训练任务开始", zap.String("ticker", task.Config.Ticker))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("训练任务 panic", zap.Any("panic", r))
			q.fail(ctx, id, fmt.Errorf("queue: 任务执行异常: %v", r))
		}
	}()

	if cancelRequested {
		q.fail(ctx, id, fmt.Errorf("queue: 任务在执行前被取消: %w", ErrCancelled))
		return
	}

	result, snapshot, err := q.execute(taskCtx, task)
	if err != nil {
		if taskCtx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("queue: %w: %v", ErrCancelled, err)
		}
		logger.Warn("训练任务失败", zap.Error(err))
		q.fail(ctx, id, err)
		return
	}

	logger.Info("训练任务完成",
		zap.String("winner", result.WinningParams.Key()),
		zap.Float64("score", result.CombinedScore),
	)
	q.complete(ctx, id, result, snapshot)
}

func (q *Queue) execute(ctx context.Context, task Task) (tournament.Result, indicator.Snapshot, error) {
	cfg := task.Config
	bars, err := q.provider.FetchBars(ctx, cfg.Ticker, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return tournament.Result{}, indicator.Snapshot{}, fmt.Errorf("queue: 获取 %s K线失败: %w", cfg.Ticker, err)
	}

	grids := cfg.ParamGrid
	if len(grids) == 0 {
		grids = strategy.DefaultGrids()
	}

	result, err := q.runner.Run(ctx, bars, grids, func(done, total int) {
		q.updateProgress(ctx, task.ID, done, total)
	})
	if err != nil {
		return tournament.Result{}, indicator.Snapshot{}, err
	}

	snapshot := indicator.NewCalculator(indicator.NewSeries(bars)).Latest()
	return result, snapshot, nil
}

func (q *Queue) markRunning(id string, cancel context.CancelFunc) (Task, bool, bool) {
	q.mu.Lock()
	q.reserved--
	task, ok := q.tasks[id]
	if !ok || !task.Status.canMoveTo(StatusRunning) {
		q.mu.Unlock()
		return Task{}, false, false
	}
	now := time.Now().UTC()
	task.Status = StatusRunning
	task.StartedAt = &now
	task.Version++
	q.cancels[id] = cancel
	cancelRequested := q.cancelled[id]
	snapshot := task.clone()
	q.mu.Unlock()

	q.persist(context.Background(), snapshot, events.TypeTaskStarted)
	return snapshot, cancelRequested, true
}

func (q *Queue) updateProgress(ctx context.Context, id string, done, total int) {
	if total <= 0 {
		return
	}
	// 完成前最多 99%，100% 只在 completed 时写入。
	pct := math.Min(99, float64(done)/float64(total)*100)

	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != StatusRunning || pct <= task.ProgressPct {
		q.mu.Unlock()
		return
	}
	task.ProgressPct = pct
	task.Version++
	snapshot := task.clone()
	q.mu.Unlock()

	q.save(ctx, snapshot)
}

func (q *Queue) complete(ctx context.Context, id string, result tournament.Result, snapshot indicator.Snapshot) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || !task.Status.canMoveTo(StatusCompleted) {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.ProgressPct = 100
	task.Result = &result
	task.Snapshot = &snapshot
	task.TargetReached = result.WinningResult().ROIPct >= task.Config.TargetROI
	task.Version++
	out := task.clone()
	q.mu.Unlock()

	q.persist(ctx, out, events.TypeTaskCompleted)
}

func (q *Queue) fail(ctx context.Context, id string, err error) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || !task.Status.canMoveTo(StatusFailed) {
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = StatusFailed
	task.CompletedAt = &now
	task.Error = err.Error()
	task.Version++
	out := task.clone()
	q.mu.Unlock()

	q.persist(ctx, out, events.TypeTaskFailed)
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.cancels, id)
	delete(q.cancelled, id)
	q.mu.Unlock()
}

// persist 写入仓储并发布事件，两者均为尽力而为，失败只记录日志。
func (q *Queue) persist(ctx context.Context, task Task, typ events.Type) {
	// 关闭过程中仍需落盘最终状态。
	ctx = context.WithoutCancel(ctx)
	q.save(ctx, task)

	event, err := events.New(typ, task.ID, task.OwnerID, task)
	if err == nil {
		err = q.sink.Publish(ctx, event)
	}
	if err != nil {
		q.logger.Warn("发布任务事件失败", zap.String("task_id", task.ID), zap.String("type", string(typ)), zap.Error(err))
	}
}

func (q *Queue) save(ctx context.Context, task Task) {
	if q.repo == nil {
		return
	}
	if err := q.repo.Save(context.WithoutCancel(ctx), task); err != nil {
		q.logger.Warn("保存任务失败", zap.String("task_id", task.ID), zap.Error(err))
	}
}
