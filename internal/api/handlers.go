package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-arena/internal/decision"
	"strategy-arena/internal/events"
	"strategy-arena/internal/monitor"
	"strategy-arena/internal/queue"
	"strategy-arena/internal/risk"
	"strategy-arena/internal/strategy"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
	maxTaskLimit      = 500
)

type submitRequest struct {
	OwnerID   string                            `json:"owner_id" binding:"required"`
	Ticker    string                            `json:"ticker" binding:"required"`
	StartDate string                            `json:"start_date" binding:"required"`
	EndDate   string                            `json:"end_date" binding:"required"`
	TargetROI float64                           `json:"target_roi"`
	ParamGrid map[strategy.Family]strategy.Grid `json:"param_grid,omitempty"`
}

type decisionRequest struct {
	decision.Input
	TaskID string `json:"task_id,omitempty"`
	Owner  string `json:"owner,omitempty"`
}

type pnlRequest struct {
	Owner     string    `json:"owner"`
	PnL       *float64  `json:"pnl" binding:"required"`
	Timestamp time.Time `json:"timestamp"`
}

func sendError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// statusFor 将领域错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrTaskFinished):
		return http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrInvalidRequest),
		errors.Is(err, strategy.ErrInvalidParameters),
		errors.Is(err, risk.ErrInvalidPnL):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	sendError(c, status, err.Error())
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("日期 %q 需为 YYYY-MM-DD 或 RFC3339", raw)
	}
	return t.UTC(), nil
}

func parseLimit(c *gin.Context, def, maxLimit int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit < 1 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// health 检查存储连通性。
// GET /healthz
func (s *Server) health(c *gin.Context) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queue": s.deps.Queue.Stats()})
}

// submitTask 提交训练任务，立即返回任务 ID。
// POST /api/v1/tasks
func (s *Server) submitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		sendError(c, http.StatusBadRequest, "start_date: "+err.Error())
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		sendError(c, http.StatusBadRequest, "end_date: "+err.Error())
		return
	}

	cfg := queue.TaskConfig{
		Ticker:    req.Ticker,
		StartDate: start,
		EndDate:   end,
		TargetROI: req.TargetROI,
	}
	if len(req.ParamGrid) > 0 {
		cfg.ParamGrid = make(map[strategy.Family][]strategy.ParameterSet, len(req.ParamGrid))
		for family, grid := range req.ParamGrid {
			sets, err := strategy.ExpandGrid(family, grid)
			if err != nil {
				s.fail(c, err)
				return
			}
			cfg.ParamGrid[family] = sets
		}
	}

	id, err := s.deps.Queue.Submit(c.Request.Context(), req.OwnerID, cfg)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": queue.StatusQueued})
}

// getTask 查询任务状态与结果。
// GET /api/v1/tasks/:id
func (s *Server) getTask(c *gin.Context) {
	task, ok := s.deps.Queue.GetTask(c.Param("id"))
	if !ok {
		sendError(c, http.StatusNotFound, queue.ErrTaskNotFound.Error())
		return
	}
	c.JSON(http.StatusOK, task)
}

// cancelTask 请求取消任务。
// DELETE /api/v1/tasks/:id
func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Queue.Cancel(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "cancel_requested": true})
}

// listOwnerTasks 返回用户最近的任务，新任务在前。
// GET /api/v1/owners/:owner/tasks
func (s *Server) listOwnerTasks(c *gin.Context) {
	limit := 0
	if c.Query("limit") != "" {
		limit = parseLimit(c, 0, maxTaskLimit)
	}
	tasks := s.deps.Queue.ListByOwner(c.Param("owner"), limit)
	c.JSON(http.StatusOK, gin.H{"data": tasks, "count": len(tasks)})
}

// queueStats 返回队列概况。
// GET /api/v1/queue/stats
func (s *Server) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Queue.Stats())
}

// decide 计算最终决策。指定 task_id 时以该任务的冠军策略与指标快照补全输入，
// 指定 owner 时附带其风险预算状态。
// POST /api/v1/decisions
func (s *Server) decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}
	in := req.Input

	if req.TaskID != "" {
		task, ok := s.deps.Queue.GetTask(req.TaskID)
		if !ok {
			sendError(c, http.StatusNotFound, queue.ErrTaskNotFound.Error())
			return
		}
		if task.Status != queue.StatusCompleted || task.Result == nil {
			sendError(c, http.StatusConflict, fmt.Sprintf("任务 %s 尚未完成 (status=%s)", task.ID, task.Status))
			return
		}
		fillFromTask(&in, task)
	}

	if req.Owner != "" && s.deps.Risk != nil {
		status, err := s.deps.Risk.Status(c.Request.Context(), req.Owner, time.Time{})
		if err != nil {
			s.fail(c, err)
			return
		}
		in.Risk = &status
	}

	result := s.deps.Engine.Decide(in)

	subject := result.Symbol
	if req.TaskID != "" {
		subject = req.TaskID
	}
	event, err := events.New(events.TypeDecision, subject, req.Owner, gin.H{"input": in, "decision": result})
	if err == nil {
		err = s.deps.Sink.Publish(c.Request.Context(), event)
	}
	if err != nil {
		s.logger.Warn("发布决策事件失败", zap.String("subject", subject), zap.Error(err))
	}

	c.JSON(http.StatusOK, result)
}

func fillFromTask(in *decision.Input, task queue.Task) {
	if in.Symbol == "" {
		in.Symbol = task.Config.Ticker
	}
	if in.Family == "" {
		in.Family = task.Result.WinningFamily
	}
	if in.Backtest == nil {
		res := task.Result.WinningResult()
		in.Backtest = &res
	}
	if snap := task.Snapshot; snap != nil {
		if in.Price == 0 {
			in.Price = snap.Close
		}
		if in.ATR == 0 && in.ATRPercent == 0 {
			in.ATR = snap.ATR
			in.ATRPercent = snap.ATRPercent
		}
	}
}

// listEvents 查询事件日志。
// GET /api/v1/events
func (s *Server) listEvents(c *gin.Context) {
	if s.deps.Monitor == nil {
		sendError(c, http.StatusServiceUnavailable, "事件日志未启用")
		return
	}

	filter := monitor.Filter{
		Type:    events.Type(strings.ToLower(strings.TrimSpace(c.Query("type")))),
		Subject: strings.TrimSpace(c.Query("subject")),
		Owner:   strings.TrimSpace(c.Query("owner")),
		Limit:   parseLimit(c, defaultEventLimit, maxEventLimit),
	}
	list, err := s.deps.Monitor.ListEvents(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "count": len(list)})
}

// recordPnL 记录一笔交易损益，pnl 为净值比例。
// POST /api/v1/risk/pnl
func (s *Server) recordPnL(c *gin.Context) {
	if s.deps.Risk == nil {
		sendError(c, http.StatusServiceUnavailable, "风险预算未启用")
		return
	}

	var req pnlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.deps.Risk.RecordPnL(c.Request.Context(), req.Owner, *req.PnL, req.Timestamp)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// riskStatus 查询风险预算状态。
// GET /api/v1/risk/status
func (s *Server) riskStatus(c *gin.Context) {
	if s.deps.Risk == nil {
		sendError(c, http.StatusServiceUnavailable, "风险预算未启用")
		return
	}

	status, err := s.deps.Risk.Status(c.Request.Context(), c.Query("owner"), time.Time{})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// riskHistory 返回最近的损益记录。
// GET /api/v1/risk/history
func (s *Server) riskHistory(c *gin.Context) {
	if s.deps.Risk == nil {
		sendError(c, http.StatusServiceUnavailable, "风险预算未启用")
		return
	}

	records, err := s.deps.Risk.History(c.Request.Context(), c.Query("owner"), parseLimit(c, 50, maxTaskLimit))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records, "count": len(records)})
}
