package tournament

import (
	"math"

	"strategy-arena/internal/backtest"
	"strategy-arena/internal/strategy"
)

// Candidate 为单个参数组合的评估结果。
type Candidate struct {
	Params      strategy.ParameterSet `json:"params"`
	Score       float64               `json:"score"`
	ISScore     float64               `json:"is_score"`
	OSScore     float64               `json:"os_score"`
	OverfitGap  float64               `json:"overfit_gap"` // 训练段得分减样本外得分
	InSample    backtest.Result       `json:"in_sample"`
	Train       backtest.Result       `json:"train"`
	OutOfSample backtest.Result       `json:"out_of_sample"`
}

// Result 为一次锦标赛的最终结果，创建后不可修改。
type Result struct {
	WinningFamily     strategy.Family                     `json:"winning_family"`
	WinningParams     strategy.ParameterSet               `json:"winning_params"`
	CombinedScore     float64                             `json:"combined_score"`
	PerFamilyResults  map[strategy.Family]backtest.Result `json:"per_family_results"`
	PerFamilyBest     map[strategy.Family]Candidate       `json:"per_family_best"`
	OutOfSampleScore  float64                             `json:"out_of_sample_score"`
	OutOfSampleResult backtest.Result                     `json:"out_of_sample_result"`
	TestedCandidates  int                                 `json:"tested_candidates"`
	SuccessfulRuns    int                                 `json:"successful_runs"`
	TopCandidates     []Candidate                         `json:"top_candidates"`
}

// WinningResult 返回冠军策略的全样本回测结果。
func (r Result) WinningResult() backtest.Result {
	return r.PerFamilyResults[r.WinningFamily]
}

func partialScore(res backtest.Result) float64 {
	return res.ROIPct*0.7 + res.WinRatePct*0.3
}

// score 计算候选综合得分：样本内外加权后按回撤折减，交易过少时扣分。
func (cfg Config) score(inSample, outOfSample backtest.Result) (combined, isScore, osScore float64) {
	isScore = partialScore(inSample)
	osScore = partialScore(outOfSample)
	factor := math.Max(0, 1-inSample.MaxDrawdownPct/50)
	combined = (0.6*isScore + 0.4*osScore) * factor
	if inSample.TotalTrades < cfg.MinTrades {
		combined -= cfg.LowTradePenalty
	}
	return combined, isScore, osScore
}

// better 判断 a 是否优于 b：得分高者优先，其次胜率高，再次回撤低。
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.InSample.WinRatePct != b.InSample.WinRatePct {
		return a.InSample.WinRatePct > b.InSample.WinRatePct
	}
	return a.InSample.MaxDrawdownPct < b.InSample.MaxDrawdownPct
}
