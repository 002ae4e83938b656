package queue

import (
	"time"

	"strategy-arena/internal/indicator"
	"strategy-arena/internal/strategy"
	"strategy-arena/internal/tournament"
)

// Status 为训练任务状态，只能单向推进。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 表示任务已结束。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) canMoveTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// TaskConfig 描述一次训练请求。ParamGrid 为空时使用各策略族的默认网格。
type TaskConfig struct {
	Ticker    string                                      `json:"ticker" validate:"required,max=32,excludesall=/\\"`
	StartDate time.Time                                   `json:"start_date"`
	EndDate   time.Time                                   `json:"end_date"`
	TargetROI float64                                     `json:"target_roi" validate:"gte=-100,lte=10000"`
	ParamGrid map[strategy.Family][]strategy.ParameterSet `json:"param_grid,omitempty"`
}

// Task 为一次异步训练任务。
type Task struct {
	ID            string              `json:"task_id"`
	OwnerID       string              `json:"owner_id"`
	Status        Status              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Config        TaskConfig          `json:"config"`
	ProgressPct   float64             `json:"progress_pct"`
	Result        *tournament.Result  `json:"result,omitempty"`
	Snapshot      *indicator.Snapshot `json:"snapshot,omitempty"`
	TargetReached bool                `json:"target_reached"`
	Error         string              `json:"error,omitempty"`
	Version       int64               `json:"version"`

	seq uint64
}

// clone 返回可安全交给调用方的副本。Result 与 Snapshot 写入后不再修改，可共享。
func (t *Task) clone() Task {
	out := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		out.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Stats 为队列运行概况。
type Stats struct {
	Workers   int `json:"workers"`
	Capacity  int `json:"capacity"`
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
