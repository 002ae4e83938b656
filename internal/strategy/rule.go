package strategy

import (
	"errors"
	"fmt"

	"strategy-arena/internal/indicator"
)

// Action 为单根K线上规则给出的动作。
type Action int

const (
	ActionHold Action = iota
	ActionEnter
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "ENTER"
	case ActionExit:
		return "EXIT"
	default:
		return "HOLD"
	}
}

// Rule 为纯函数式的入场/离场规则，只读取 index 及之前的指标值。
type Rule interface {
	// Warmup 返回指标有效前需要跳过的K线数量。
	Warmup() int
	// Evaluate 在第 i 根K线上给出动作，open 表示当前是否持仓。
	Evaluate(i int, open bool) Action
}

type paramSpec struct {
	name     string
	min      float64
	max      float64
	integer  bool
	optional bool
}

type familySpec struct {
	params []paramSpec
	check  func(ParameterSet) error
	build  func(ParameterSet, *indicator.Calculator) Rule
}

// paramDefaults 为可选参数的默认值。
var paramDefaults = map[Family]map[string]float64{
	FamilySwing: {"smooth_period": 3, "upper": 80},
}

// registry 将每个策略族映射到参数表与规则构造函数，新增策略族需在此登记。
var registry = map[Family]familySpec{
	FamilyTrend: {
		params: []paramSpec{
			{name: "fast_period", min: 2, max: 250, integer: true},
			{name: "slow_period", min: 3, max: 500, integer: true},
		},
		check: func(p ParameterSet) error {
			if p.Params["fast_period"] >= p.Params["slow_period"] {
				return errors.New("fast_period 必须小于 slow_period")
			}
			return nil
		},
		build: newTrendRule,
	},
	FamilyReversion: {
		params: []paramSpec{
			{name: "rsi_period", min: 2, max: 100, integer: true},
			{name: "low_threshold", min: 1, max: 99},
			{name: "high_threshold", min: 1, max: 99},
		},
		check: func(p ParameterSet) error {
			if p.Params["low_threshold"] >= p.Params["high_threshold"] {
				return errors.New("low_threshold 必须小于 high_threshold")
			}
			return nil
		},
		build: newReversionRule,
	},
	FamilyMomentum: {
		params: []paramSpec{
			{name: "fast_period", min: 2, max: 100, integer: true},
			{name: "slow_period", min: 3, max: 200, integer: true},
			{name: "signal_period", min: 2, max: 100, integer: true},
		},
		check: func(p ParameterSet) error {
			if p.Params["fast_period"] >= p.Params["slow_period"] {
				return errors.New("fast_period 必须小于 slow_period")
			}
			return nil
		},
		build: newMomentumRule,
	},
	FamilySwing: {
		params: []paramSpec{
			{name: "k_period", min: 2, max: 100, integer: true},
			{name: "d_period", min: 1, max: 50, integer: true},
			{name: "smooth_period", min: 1, max: 50, integer: true, optional: true},
			{name: "upper", min: 50, max: 100, optional: true},
		},
		build: newSwingRule,
	},
}

// NewRule 校验参数并构造对应策略族的规则。
func NewRule(params ParameterSet, calc *indicator.Calculator) (Rule, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if calc == nil {
		return nil, fmt.Errorf("strategy: 指标计算器不能为空")
	}
	return registry[params.Family].build(params, calc), nil
}

// crossedAbove 判断 a 是否在第 i 根K线上穿 b。
func crossedAbove(a, b []float64, i int) bool {
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

func crossedBelow(a, b []float64, i int) bool {
	return a[i-1] >= b[i-1] && a[i] < b[i]
}

type trendRule struct {
	fast, slow []float64
	warmup     int
}

func newTrendRule(p ParameterSet, calc *indicator.Calculator) Rule {
	return &trendRule{
		fast:   calc.SMA(p.Int("fast_period")),
		slow:   calc.SMA(p.Int("slow_period")),
		warmup: p.Int("slow_period"),
	}
}

func (r *trendRule) Warmup() int { return r.warmup }

func (r *trendRule) Evaluate(i int, open bool) Action {
	if i < r.warmup || i >= len(r.fast) {
		return ActionHold
	}
	switch {
	case !open && crossedAbove(r.fast, r.slow, i):
		return ActionEnter
	case open && crossedBelow(r.fast, r.slow, i):
		return ActionExit
	}
	return ActionHold
}

type reversionRule struct {
	rsi       []float64
	low, high float64
	warmup    int
}

func newReversionRule(p ParameterSet, calc *indicator.Calculator) Rule {
	period := p.Int("rsi_period")
	return &reversionRule{
		rsi:    calc.RSI(period),
		low:    p.Get("low_threshold"),
		high:   p.Get("high_threshold"),
		warmup: period + 1,
	}
}

func (r *reversionRule) Warmup() int { return r.warmup }

func (r *reversionRule) Evaluate(i int, open bool) Action {
	if i < r.warmup || i >= len(r.rsi) {
		return ActionHold
	}
	switch {
	case !open && r.rsi[i] < r.low:
		return ActionEnter
	case open && r.rsi[i] > r.high:
		return ActionExit
	}
	return ActionHold
}

type momentumRule struct {
	macd, signal []float64
	warmup       int
}

func newMomentumRule(p ParameterSet, calc *indicator.Calculator) Rule {
	slow, sig := p.Int("slow_period"), p.Int("signal_period")
	macd, signal, _ := calc.MACD(p.Int("fast_period"), slow, sig)
	return &momentumRule{macd: macd, signal: signal, warmup: slow + sig}
}

func (r *momentumRule) Warmup() int { return r.warmup }

func (r *momentumRule) Evaluate(i int, open bool) Action {
	if i < r.warmup || i >= len(r.macd) {
		return ActionHold
	}
	switch {
	case !open && crossedAbove(r.macd, r.signal, i):
		return ActionEnter
	case open && crossedBelow(r.macd, r.signal, i):
		return ActionExit
	}
	return ActionHold
}

type swingRule struct {
	k, d   []float64
	upper  float64
	warmup int
}

func newSwingRule(p ParameterSet, calc *indicator.Calculator) Rule {
	kPeriod, smooth, dPeriod := p.Int("k_period"), p.Int("smooth_period"), p.Int("d_period")
	k, d := calc.Stoch(kPeriod, smooth, dPeriod)
	return &swingRule{k: k, d: d, upper: p.Get("upper"), warmup: kPeriod + smooth + dPeriod}
}

func (r *swingRule) Warmup() int { return r.warmup }

func (r *swingRule) Evaluate(i int, open bool) Action {
	if i < r.warmup || i >= len(r.k) {
		return ActionHold
	}
	switch {
	case !open && crossedAbove(r.k, r.d, i) && r.k[i] < r.upper:
		return ActionEnter
	case open && (crossedBelow(r.k, r.d, i) || r.k[i] > r.upper):
		return ActionExit
	}
	return ActionHold
}
