package decision

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"strategy-arena/internal/config"
	"strategy-arena/internal/strategy"
)

const (
	baseScore        = 0.5
	maxAuxiliary     = 0.15
	maxKelly         = 0.25
	kellyFraction    = 0.25
	maxPenaltyImpact = 0.9
	minConfidence    = 0.1
	positionBand     = 10
	stopNudge        = 0.001
)

// DefaultConfig 返回默认决策参数。
func DefaultConfig() config.DecisionConfig {
	return config.DecisionConfig{
		HighVolatilityATR:     4.0,
		LowVolatilityATR:      1.5,
		VolatilityFlagATR:     3.0,
		HighWeights:           config.RegimeWeights{Strategy: 0.40, Chip: 0.15, Fundamental: 0.05},
		MediumWeights:         config.RegimeWeights{Strategy: 0.30, Chip: 0.10, Fundamental: 0.10},
		LowWeights:            config.RegimeWeights{Strategy: 0.25, Chip: 0.10, Fundamental: 0.15},
		MLWeight:              0.10,
		MLMinConfidence:       0.6,
		BollingerPenalty:      0.15,
		VolatilityPenalty:     0.10,
		MissingDataPenalty:    0.10,
		MinTestPosition:       10,
		DefaultWinRatePct:     50,
		DefaultWinLossRatio:   1.5,
		FallbackATRPercent:    3.0,
		StopMultiplier:        1.5,
		HighVolStopMultiplier: 2.0,
	}
}

// Engine 将锦标赛冠军与外部指标判断合成为一次操作建议。
// Decide 无副作用，相同输入得到相同输出。
type Engine struct {
	cfg    config.DecisionConfig
	logger *zap.Logger
}

// NewEngine 创建决策引擎。
func NewEngine(cfg config.DecisionConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// evaluation 汇总一次打分过程的中间量。
type evaluation struct {
	score     float64
	penalties float64
	missing   float64
	flags     []string
}

func (e *evaluation) add(delta float64) {
	e.score += delta
}

func (e *evaluation) penalize(amount float64, flag string) {
	e.score -= amount
	e.penalties += amount
	e.flags = append(e.flags, flag)
}

// discount 记录数据缺失：与 penalize 同样扣分，但置信度折减独立于惩罚上限。
func (e *evaluation) discount(amount float64, flag string) {
	e.score -= amount
	e.missing += amount
	e.flags = append(e.flags, flag)
}

// Decide 计算操作、仓位与止损，从不返回错误。
func (e *Engine) Decide(in Input) Decision {
	if math.IsNaN(in.Price) || math.IsInf(in.Price, 0) || in.Price <= 0 {
		e.logger.Warn("决策输入价格非法，返回观望", zap.String("symbol", in.Symbol), zap.Float64("price", in.Price))
		return Decision{
			Symbol:          in.Symbol,
			Action:          ActionHold,
			Score:           baseScore,
			Regime:          RegimeMedium,
			StopLossBasis:   StopBasisNone,
			ConfidenceScore: minConfidence * (1 - maxPenaltyImpact),
			RiskFlags:       []string{"invalid_price: 无法计算仓位与止损"},
		}
	}

	ev := &evaluation{score: baseScore, flags: make([]string, 0, 4)}

	atr, atrPct := e.resolveATR(in, ev)
	regime, weights := e.regime(atrPct)

	family := in.Family
	if !family.Valid() {
		family = strategy.FamilyTrend
	}
	e.applyFamily(ev, family, in.Verdicts, weights.Strategy)
	e.applyAuxiliary(ev, in, weights)
	e.applyRisk(ev, in.Verdicts, atrPct)

	action := classify(ev.score)
	if in.Risk != nil && !in.Risk.CanTrade {
		for _, reason := range in.Risk.Reasons {
			ev.flags = append(ev.flags, "risk_budget: "+reason)
		}
		if len(in.Risk.Reasons) == 0 {
			ev.flags = append(ev.flags, "risk_budget: 风险预算已耗尽")
		}
		if action.IsBuy() {
			action = ActionHold
		}
	}

	position := e.position(action, in, atrPct)
	stop, basis := e.stopLoss(action, in.Price, atr, atrPct, in.Verdicts[familyVerdict(family)].StopLossHint)

	decision := Decision{
		Symbol:     in.Symbol,
		Action:     action,
		Score:      ev.score,
		Regime:     regime,
		ATRPercent: atrPct,
		PositionSizePctRange: PositionRange{
			Min: math.Max(0, position-positionBand),
			Max: position,
		},
		StopLossPrice:   stop,
		StopLossBasis:   basis,
		ConfidenceScore: confidence(in.Verdicts, ev.penalties, ev.missing),
		RiskFlags:       ev.flags,
	}

	e.logger.Debug("决策完成",
		zap.String("symbol", in.Symbol),
		zap.String("family", string(family)),
		zap.String("action", string(action)),
		zap.Float64("score", ev.score),
		zap.String("regime", string(regime)),
		zap.Float64("position", position),
		zap.Float64("stop", stop),
		zap.Strings("flags", ev.flags),
	)

	return decision
}

func (e *Engine) resolveATR(in Input, ev *evaluation) (atr, atrPct float64) {
	switch {
	case finitePositive(in.ATR):
		return in.ATR, in.ATR / in.Price * 100
	case finitePositive(in.ATRPercent):
		return in.ATRPercent / 100 * in.Price, in.ATRPercent
	}
	atrPct = e.cfg.FallbackATRPercent
	ev.flags = append(ev.flags, fmt.Sprintf("missing_atr: 假设 ATR 为价格的 %.1f%%", atrPct))
	return atrPct / 100 * in.Price, atrPct
}

func (e *Engine) regime(atrPct float64) (Regime, config.RegimeWeights) {
	switch {
	case atrPct > e.cfg.HighVolatilityATR:
		return RegimeHigh, e.cfg.HighWeights
	case atrPct < e.cfg.LowVolatilityATR:
		return RegimeLow, e.cfg.LowWeights
	default:
		return RegimeMedium, e.cfg.MediumWeights
	}
}

func familyVerdict(family strategy.Family) string {
	switch family {
	case strategy.FamilyReversion:
		return VerdictRSI
	case strategy.FamilyMomentum:
		return VerdictMACD
	case strategy.FamilySwing:
		return VerdictKD
	default:
		return VerdictTrend
	}
}

// applyFamily 按冠军策略族的规则调整得分。
func (e *Engine) applyFamily(ev *evaluation, family strategy.Family, verdicts map[string]Verdict, weight float64) {
	v, ok := verdicts[familyVerdict(family)]
	if !ok {
		return
	}

	switch {
	case family == strategy.FamilyReversion && v.Value != nil:
		rsi := *v.Value
		switch {
		case rsi <= 30:
			ev.add(weight)
		case rsi >= 70:
			ev.add(-weight)
		case rsi < 45:
			ev.add(weight * 0.3)
		case rsi > 55:
			ev.add(-weight * 0.3)
		}
	case family == strategy.FamilyMomentum && v.Value != nil:
		switch hist := *v.Value; {
		case hist > 0:
			ev.add(weight)
		case hist < 0:
			ev.add(-weight)
		}
	default:
		ev.add(signed(v.Signal, weight))
	}
}

// applyAuxiliary 叠加筹码面、基本面与模型信号，单项不超过 maxAuxiliary。
func (e *Engine) applyAuxiliary(ev *evaluation, in Input, weights config.RegimeWeights) {
	if v, ok := in.Verdicts[VerdictChip]; ok {
		ev.add(signed(v.Signal, math.Min(weights.Chip, maxAuxiliary)))
	}

	if len(in.Fundamentals) == 0 {
		ev.discount(e.cfg.MissingDataPenalty, "missing_fundamental_data: 基本面数据缺失，视为 UNKNOWN")
	} else if v, ok := in.Verdicts[VerdictFundamental]; ok {
		ev.add(signed(v.Signal, math.Min(weights.Fundamental, maxAuxiliary)))
	}

	if v, ok := in.Verdicts[VerdictML]; ok && v.Confidence > e.cfg.MLMinConfidence {
		ev.add(signed(v.Signal, math.Min(e.cfg.MLWeight*math.Min(v.Confidence, 1), maxAuxiliary)))
	}
}

// applyRisk 扣除风险惩罚并记录标记。
func (e *Engine) applyRisk(ev *evaluation, verdicts map[string]Verdict, atrPct float64) {
	if v, ok := verdicts[VerdictBollinger]; ok && normalizeSignal(v.Signal) == SignalSell {
		reason := v.Reason
		if reason == "" {
			reason = "价格跌破布林通道"
		}
		ev.penalize(e.cfg.BollingerPenalty, "bollinger_sell: "+reason)
	}
	if atrPct > e.cfg.VolatilityFlagATR {
		ev.penalize(e.cfg.VolatilityPenalty, fmt.Sprintf("high_volatility: ATR %.1f%%", atrPct))
	}

	for _, name := range sortedKeys(verdicts) {
		penalty := verdicts[name].RiskPenalty
		if !finitePositive(penalty) {
			continue
		}
		ev.penalize(math.Min(penalty, maxAuxiliary), fmt.Sprintf("%s_risk: 惩罚 %.2f", name, math.Min(penalty, maxAuxiliary)))
	}
}

func classify(score float64) Action {
	switch {
	case score >= 0.85:
		return ActionStrongBuy
	case score >= 0.65:
		return ActionBuy
	case score >= 0.45:
		return ActionHold
	case score >= 0.25:
		return ActionReduce
	default:
		return ActionExit
	}
}

// position 以四分之一 Kelly 计算仓位，再按波动率封顶。
func (e *Engine) position(action Action, in Input, atrPct float64) float64 {
	if action.IsSell() {
		return 0
	}

	winRate := e.cfg.DefaultWinRatePct
	ratio := e.cfg.DefaultWinLossRatio
	if in.Backtest != nil && in.Backtest.TotalTrades > 0 {
		winRate = in.Backtest.WinRatePct
		ratio = in.Backtest.AvgWinLossRatio
	}

	kelly := 0.0
	p := winRate / 100
	if ratio > 0 && !math.IsNaN(p) {
		kelly = (p*ratio - (1 - p)) / ratio
	}
	kelly = math.Max(0, math.Min(kelly, maxKelly))
	base := kelly * kellyFraction / (maxKelly * kellyFraction) * 100

	var limit float64
	switch {
	case atrPct < 2:
		limit = 1.0
	case atrPct < 3:
		limit = 0.8
	case atrPct < 4:
		limit = 0.6
	default:
		limit = 0.3
	}

	pos := math.Floor(base * limit)
	if action.IsBuy() && pos < e.cfg.MinTestPosition {
		pos = e.cfg.MinTestPosition
	}
	return math.Max(0, math.Min(100, pos))
}

// stopLoss 买入与观望取下方止损，减仓与离场取上方反转点，结果严格位于价格的对应一侧。
func (e *Engine) stopLoss(action Action, price, atr, atrPct, technical float64) (float64, StopBasis) {
	k := e.cfg.StopMultiplier
	if atrPct > e.cfg.HighVolatilityATR {
		k = e.cfg.HighVolStopMultiplier
	}

	if action.IsSell() {
		stop, basis := price+k*atr, StopBasisReversal
		if finitePositive(technical) && technical > price {
			stop, basis = technical, StopBasisTechnical
		}
		if !(stop > price) {
			stop = price * (1 + stopNudge)
		}
		return stop, basis
	}

	stop, basis := price-k*atr, StopBasisATR
	if finitePositive(technical) && technical < price {
		stop, basis = technical, StopBasisTechnical
	}
	if !(stop < price) {
		stop = price * (1 - stopNudge)
	}
	if stop <= 0 {
		stop = price * stopNudge
	}
	return stop, basis
}

// confidence 为已知信号置信度均值乘以惩罚折减，数据缺失再单独折减一次。
func confidence(verdicts map[string]Verdict, penalties, missing float64) float64 {
	var (
		sum   float64
		count int
	)
	for _, name := range sortedKeys(verdicts) {
		v := verdicts[name]
		if normalizeSignal(v.Signal) == SignalUnknown || math.IsNaN(v.Confidence) {
			continue
		}
		sum += math.Max(0, math.Min(1, v.Confidence))
		count++
	}
	avg := minConfidence
	if count > 0 {
		avg = math.Max(minConfidence, sum/float64(count))
	}
	discount := 1 - math.Min(maxPenaltyImpact, math.Max(0, missing))
	return avg * (1 - math.Min(maxPenaltyImpact, penalties)) * discount
}

func signed(s Signal, weight float64) float64 {
	switch normalizeSignal(s) {
	case SignalBuy:
		return weight
	case SignalSell:
		return -weight
	default:
		return 0
	}
}

func sortedKeys(verdicts map[string]Verdict) []string {
	keys := make([]string, 0, len(verdicts))
	for k := range verdicts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
