package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"strategy-arena/internal/store"
)

// Repository 持久化训练任务。Save 必须丢弃比已存版本更旧的写入。
type Repository interface {
	Save(ctx context.Context, task Task) error
	LoadAll(ctx context.Context) ([]Task, error)
}

// SQLRepository 基于 sqlx 的任务仓储，支持 SQLite 与 PostgreSQL。
type SQLRepository struct {
	db *sqlx.DB
}

type taskRow struct {
	Payload string `db:"payload"`
}

// NewSQLRepository 创建仓储并初始化表结构。
func NewSQLRepository(st *store.Store) (*SQLRepository, error) {
	if st == nil {
		return nil, fmt.Errorf("queue: store 不能为空")
	}
	r := &SQLRepository{db: st.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS training_tasks (
	task_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	progress_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	version BIGINT NOT NULL,
	payload TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_training_tasks_owner ON training_tasks(owner_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("queue: 初始化任务表失败: %w", err)
		}
	}
	return nil
}

// Save 以版本号保护的 upsert 写入任务快照。
func (r *SQLRepository) Save(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: 序列化任务失败: %w", err)
	}

	query := r.db.Rebind(`
INSERT INTO training_tasks (task_id, owner_id, status, created_at, progress_pct, version, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO UPDATE SET
	status = excluded.status,
	progress_pct = excluded.progress_pct,
	version = excluded.version,
	payload = excluded.payload
WHERE training_tasks.version < excluded.version`)

	if _, err := r.db.ExecContext(ctx, query,
		task.ID, task.OwnerID, string(task.Status), task.CreatedAt.UnixNano(), task.ProgressPct, task.Version, string(payload),
	); err != nil {
		return fmt.Errorf("queue: 保存任务 %s 失败: %w", task.ID, err)
	}
	return nil
}

// LoadAll 按创建时间升序读取全部任务。
func (r *SQLRepository) LoadAll(ctx context.Context) ([]Task, error) {
	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows,
		`SELECT payload FROM training_tasks ORDER BY created_at ASC, task_id ASC`); err != nil {
		return nil, fmt.Errorf("queue: 读取任务失败: %w", err)
	}

	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		var task Task
		if err := json.Unmarshal([]byte(row.Payload), &task); err != nil {
			return nil, fmt.Errorf("queue: 解析任务失败: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
