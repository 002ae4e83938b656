package monitor

import "strategy-arena/internal/events"

// Filter 描述事件查询条件，空字段表示不过滤。
type Filter struct {
	Type    events.Type
	Subject string
	Owner   string
	Limit   int
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type eventRow struct {
	ID        int64  `db:"id"`
	EventID   string `db:"event_id"`
	EventType string `db:"event_type"`
	Subject   string `db:"subject"`
	Owner     string `db:"owner_id"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}
