package decision

import (
	"strategy-arena/internal/backtest"
	"strategy-arena/internal/risk"
	"strategy-arena/internal/strategy"
)

// Signal 为单个指标给出的方向判断。
type Signal string

const (
	SignalBuy     Signal = "BUY"
	SignalSell    Signal = "SELL"
	SignalHold    Signal = "HOLD"
	SignalUnknown Signal = "UNKNOWN"
)

func normalizeSignal(s Signal) Signal {
	switch s {
	case SignalBuy, SignalSell, SignalHold:
		return s
	default:
		return SignalUnknown
	}
}

// 约定的指标名称。
const (
	VerdictTrend       = "trend"
	VerdictRSI         = "rsi"
	VerdictMACD        = "macd"
	VerdictKD          = "kd"
	VerdictBollinger   = "bollinger"
	VerdictChip        = "chip"
	VerdictFundamental = "fundamental"
	VerdictML          = "ml"
)

// Verdict 为外部指标服务对某个指标的判断。
type Verdict struct {
	Signal       Signal   `json:"signal"`
	Confidence   float64  `json:"confidence"`
	RiskPenalty  float64  `json:"risk_penalty,omitempty"`
	StopLossHint float64  `json:"stop_loss_hint,omitempty"`
	Value        *float64 `json:"value,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Input 为一次决策的全部输入。缺失字段按降级规则处理，不会报错。
type Input struct {
	Symbol       string             `json:"symbol,omitempty"`
	Family       strategy.Family    `json:"family"`
	Price        float64            `json:"price"`
	ATR          float64            `json:"atr,omitempty"`
	ATRPercent   float64            `json:"atr_percent,omitempty"`
	Verdicts     map[string]Verdict `json:"verdicts,omitempty"`
	Fundamentals map[string]float64 `json:"fundamentals,omitempty"`
	Backtest     *backtest.Result   `json:"backtest,omitempty"`
	Risk         *risk.Status       `json:"risk,omitempty"`
}

// Action 为最终操作建议。
type Action string

const (
	ActionStrongBuy Action = "STRONG_BUY"
	ActionBuy       Action = "BUY"
	ActionHold      Action = "HOLD"
	ActionReduce    Action = "REDUCE"
	ActionExit      Action = "EXIT"
)

// IsBuy 表示买入类操作。
func (a Action) IsBuy() bool {
	return a == ActionStrongBuy || a == ActionBuy
}

// IsSell 表示减仓或离场类操作。
func (a Action) IsSell() bool {
	return a == ActionReduce || a == ActionExit
}

// Regime 为波动率状态。
type Regime string

const (
	RegimeHigh   Regime = "high"
	RegimeMedium Regime = "medium"
	RegimeLow    Regime = "low"
)

// StopBasis 说明止损价的来源。
type StopBasis string

const (
	StopBasisNone      StopBasis = "none"
	StopBasisTechnical StopBasis = "technical"
	StopBasisATR       StopBasis = "atr"
	StopBasisReversal  StopBasis = "reversal"
)

// PositionRange 为建议仓位区间，单位为百分比。
type PositionRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Decision 为一次决策输出，每次调用重新计算。
type Decision struct {
	Symbol               string        `json:"symbol,omitempty"`
	Action               Action        `json:"action"`
	Score                float64       `json:"score"`
	Regime               Regime        `json:"regime"`
	ATRPercent           float64       `json:"atr_percent"`
	PositionSizePctRange PositionRange `json:"position_size_pct_range"`
	StopLossPrice        float64       `json:"stop_loss_price"`
	StopLossBasis        StopBasis     `json:"stop_loss_basis"`
	ConfidenceScore      float64       `json:"confidence_score"`
	RiskFlags            []string      `json:"risk_flags"`
}
