package tournament

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"strategy-arena/internal/backtest"
	"strategy-arena/internal/market"
	"strategy-arena/internal/strategy"
)

var (
	// ErrNoViableStrategy 表示所有候选参数均回测失败。
	ErrNoViableStrategy = errors.New("no viable strategy")
	// ErrCancelled 表示锦标赛在网格搜索过程中被取消。
	ErrCancelled = errors.New("tournament cancelled")
)

// ProgressFunc 在每个候选评估完成后回调，done 单调递增至 total。
type ProgressFunc func(done, total int)

// Tournament 在多个策略族上做网格搜索并以前进式验证挑选冠军。
// 单次 Run 为同步的单线程计算，候选按固定顺序评估。
type Tournament struct {
	cfg    Config
	sim    *backtest.Simulator
	logger *zap.Logger
}

// New 创建锦标赛，sim 为空时使用默认模拟器。
func New(cfg Config, sim *backtest.Simulator, logger *zap.Logger) *Tournament {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sim == nil {
		sim = backtest.NewSimulator(backtest.DefaultConfig(), logger)
	}
	return &Tournament{cfg: cfg.normalize(), sim: sim, logger: logger}
}

// Run 使用默认配置运行一次锦标赛。
func Run(ctx context.Context, bars []market.Bar, grids map[strategy.Family][]strategy.ParameterSet) (Result, error) {
	return New(DefaultConfig(), nil, nil).Run(ctx, bars, grids, nil)
}

type entry struct {
	family strategy.Family
	params strategy.ParameterSet
}

// Run 依次评估所有候选并返回冠军。progress 可为空。
func (t *Tournament) Run(ctx context.Context, bars []market.Bar, grids map[strategy.Family][]strategy.ParameterSet, progress ProgressFunc) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if progress == nil {
		progress = func(int, int) {}
	}

	minBars := t.sim.Config().MinBars
	if len(bars) < minBars {
		return Result{}, fmt.Errorf("tournament: 需要至少 %d 根K线，实际 %d: %w", minBars, len(bars), backtest.ErrInsufficientData)
	}

	var entries []entry
	for _, family := range strategy.Families() {
		for _, params := range strategy.Dedupe(grids[family]) {
			entries = append(entries, entry{family: family, params: params})
		}
	}
	total := len(entries)
	if total == 0 {
		return Result{}, fmt.Errorf("tournament: 参数网格为空: %w", ErrNoViableStrategy)
	}

	cut := int(float64(len(bars)) * t.cfg.TrainRatio)
	train, test := bars[:cut], bars[cut:]

	// 每段K线只准备一次，指标缓存由全部候选共享。
	full, fullErr := t.sim.Prepare(bars)
	trainSet := t.preparePartition("train", train)
	testSet := t.preparePartition("test", test)

	t.logger.Info("锦标赛开始",
		zap.Int("bars", len(bars)),
		zap.Int("candidates", total),
		zap.Int("train_bars", len(train)),
		zap.Int("test_bars", len(test)),
	)

	var (
		causes     error
		candidates []Candidate
		best       = make(map[strategy.Family]Candidate)
	)

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("tournament: 已完成 %d/%d: %w: %v", i, total, ErrCancelled, err)
		}

		cand, err := t.evaluate(e, full, fullErr, trainSet, testSet)
		progress(i+1, total)
		if err != nil {
			causes = multierr.Append(causes, fmt.Errorf("%s: %w", e.params.Key(), err))
			t.logger.Debug("候选回测失败", zap.String("params", e.params.Key()), zap.Error(err))
			continue
		}

		candidates = append(candidates, cand)
		if cur, ok := best[e.family]; !ok || better(cand, cur) {
			best[e.family] = cand
		}
	}

	if len(candidates) == 0 {
		return Result{}, fmt.Errorf("tournament: %d 个候选全部失败: %w: %w", total, ErrNoViableStrategy, causes)
	}

	var (
		winner    Candidate
		hasWinner bool
	)
	perFamily := make(map[strategy.Family]backtest.Result, len(best))
	for _, family := range strategy.Families() {
		cand, ok := best[family]
		if !ok {
			continue
		}
		perFamily[family] = cand.InSample
		if !hasWinner || better(cand, winner) {
			winner, hasWinner = cand, true
		}
	}

	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return better(ranked[i], ranked[j])
	})
	if len(ranked) > t.cfg.TopN {
		ranked = ranked[:t.cfg.TopN]
	}
	for i, cand := range ranked {
		t.logger.Debug("候选排名",
			zap.Int("rank", i+1),
			zap.String("params", cand.Params.Key()),
			zap.Float64("score", cand.Score),
			zap.Float64("os_score", cand.OSScore),
			zap.Float64("overfit_gap", cand.OverfitGap),
		)
	}

	result := Result{
		WinningFamily:     winner.Params.Family,
		WinningParams:     winner.Params,
		CombinedScore:     winner.Score,
		PerFamilyResults:  perFamily,
		PerFamilyBest:     best,
		OutOfSampleScore:  winner.OSScore,
		OutOfSampleResult: winner.OutOfSample,
		TestedCandidates:  total,
		SuccessfulRuns:    len(candidates),
		TopCandidates:     ranked,
	}

	t.logger.Info("锦标赛完成",
		zap.String("winner", winner.Params.Key()),
		zap.Float64("score", winner.Score),
		zap.Float64("os_score", winner.OSScore),
		zap.Int("successful", len(candidates)),
		zap.Int("tested", total),
	)

	return result, nil
}

// evaluate 在全样本、训练段与测试段上分别独立回测一个候选。
// 训练段或测试段过短时记为零结果，不淘汰候选。
func (t *Tournament) evaluate(e entry, full *backtest.Dataset, fullErr error, train, test *backtest.Dataset) (Candidate, error) {
	if e.params.Family != e.family {
		return Candidate{}, fmt.Errorf("参数集属于 %s 而非 %s: %w", e.params.Family, e.family, strategy.ErrInvalidParameters)
	}
	if fullErr != nil {
		return Candidate{}, fullErr
	}

	inSample, err := t.sim.RunDataset(full, e.params, t.cfg.StartingEquity, t.cfg.CommissionRate)
	if err != nil {
		return Candidate{}, err
	}

	trainRes := t.partition("train", train, e.params)
	testRes := t.partition("test", test, e.params)

	score, isScore, osScore := t.cfg.score(inSample, testRes)
	return Candidate{
		Params:      e.params,
		Score:       score,
		ISScore:     isScore,
		OSScore:     osScore,
		OverfitGap:  partialScore(trainRes) - osScore,
		InSample:    inSample,
		Train:       trainRes,
		OutOfSample: testRes,
	}, nil
}

// preparePartition 校验分段，不可用时返回 nil，该段对所有候选记为零结果。
func (t *Tournament) preparePartition(name string, bars []market.Bar) *backtest.Dataset {
	ds, err := t.sim.PreparePartition(bars, t.cfg.MinPartitionBars)
	if err != nil {
		t.logger.Info("分段不可用，样本外记为零结果",
			zap.String("partition", name),
			zap.Int("bars", len(bars)),
			zap.Error(err),
		)
		return nil
	}
	return ds
}

func (t *Tournament) partition(name string, ds *backtest.Dataset, params strategy.ParameterSet) backtest.Result {
	zero := backtest.Result{StartingEquity: t.cfg.StartingEquity, EndingEquity: t.cfg.StartingEquity}
	if ds == nil {
		return zero
	}
	res, err := t.sim.RunDataset(ds, params, t.cfg.StartingEquity, t.cfg.CommissionRate)
	if err != nil {
		t.logger.Debug("分段回测不可用，记为零结果",
			zap.String("partition", name),
			zap.String("params", params.Key()),
			zap.Int("bars", ds.Len()),
			zap.Error(err),
		)
		return zero
	}
	return res
}
