package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"strategy-arena/internal/events"
	"strategy-arena/internal/store"
)

const defaultListLimit = 100

var schema = map[string][]string{
	store.DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_subject ON monitor_events(subject)`,
	},
	store.DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS monitor_events (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	subject TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_subject ON monitor_events(subject)`,
	},
}

// Service 负责持久化生命周期、决策与风控事件，并实现 events.Sink。
type Service struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ events.Sink = (*Service)(nil)

// NewService 初始化事件日志服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmts, ok := schema[s.db.DriverName()]
	if !ok {
		return fmt.Errorf("monitor: 不支持的数据库驱动 %q", s.db.DriverName())
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("monitor: 初始化表失败: %w", err)
		}
	}
	return nil
}

// Publish 写入单个事件。
func (s *Service) Publish(ctx context.Context, event events.Event) error {
	if event.ID == "" || event.Type == "" {
		return fmt.Errorf("monitor: 事件缺少 id 或类型")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO monitor_events (event_id, event_type, subject, owner_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		event.ID, string(event.Type), event.Subject, event.Owner, string(event.Payload), event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// Record 构造并写入事件，失败时仅记录日志。
func (s *Service) Record(ctx context.Context, typ events.Type, subject, owner string, payload interface{}) {
	event, err := events.New(typ, subject, owner, payload)
	if err == nil {
		err = s.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("记录事件失败", zap.String("type", string(typ)), zap.String("subject", subject), zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, subject, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.Record(ctx, events.TypeError, subject, "", payload)
}

// ListEvents 按条件检索最近事件，新事件在前。
func (s *Service) ListEvents(ctx context.Context, filter Filter) ([]events.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []interface{}
	)
	if filter.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Subject != "" {
		conds = append(conds, "subject = ?")
		args = append(args, filter.Subject)
	}
	if filter.Owner != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, filter.Owner)
	}

	query := `SELECT id, event_id, event_type, subject, owner_id, payload, created_at FROM monitor_events`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}

	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		event := events.Event{
			ID:        row.EventID,
			Type:      events.Type(row.EventType),
			Subject:   row.Subject,
			Owner:     row.Owner,
			Timestamp: time.Unix(0, row.CreatedAt).UTC(),
		}
		if row.Payload != "" {
			event.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, event)
	}

	return out, nil
}
