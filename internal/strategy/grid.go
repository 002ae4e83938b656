package strategy

import (
	"fmt"
	"sort"
)

// Grid 为参数名到候选取值的映射。
type Grid map[string][]float64

// defaultGrids 为各策略族的默认搜索空间。
var defaultGrids = map[Family]Grid{
	FamilyTrend: {
		"fast_period": {10, 15, 20, 25},
		"slow_period": {40, 50, 60, 70},
	},
	FamilyReversion: {
		"rsi_period":     {10, 14, 20},
		"low_threshold":  {20, 30, 40},
		"high_threshold": {60, 70, 80},
	},
	FamilyMomentum: {
		"fast_period":   {8, 12, 15},
		"slow_period":   {20, 26, 30},
		"signal_period": {5, 9, 12},
	},
	FamilySwing: {
		"k_period": {9, 14, 21},
		"d_period": {3, 5, 9},
	},
}

// DefaultGrid 返回策略族默认网格的副本。
func DefaultGrid(family Family) Grid {
	src := defaultGrids[family]
	out := make(Grid, len(src))
	for name, values := range src {
		out[name] = append([]float64(nil), values...)
	}
	return out
}

// DefaultGrids 展开所有策略族的默认网格。
func DefaultGrids() map[Family][]ParameterSet {
	out := make(map[Family][]ParameterSet, len(familyOrder))
	for _, family := range familyOrder {
		sets, err := ExpandGrid(family, defaultGrids[family])
		if err != nil {
			continue
		}
		out[family] = sets
	}
	return out
}

// ExpandGrid 按参数名字典序展开笛卡尔积，丢弃违反约束的组合并去重。
func ExpandGrid(family Family, grid Grid) ([]ParameterSet, error) {
	if !family.Valid() {
		return nil, fmt.Errorf("strategy: 未知策略族 %q: %w", family, ErrInvalidParameters)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("strategy: %s 参数网格为空: %w", family, ErrInvalidParameters)
	}

	names := make([]string, 0, len(grid))
	for name, values := range grid {
		if len(values) == 0 {
			return nil, fmt.Errorf("strategy: %s.%s 候选值为空: %w", family, name, ErrInvalidParameters)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out      []ParameterSet
		firstErr error
	)
	current := make(map[string]float64, len(names))
	var walk func(depth int)
	walk = func(depth int) {
		if depth == len(names) {
			set := NewParameterSet(family, current)
			if err := set.Validate(); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out = append(out, set)
			return
		}
		name := names[depth]
		for _, v := range grid[name] {
			current[name] = v
			walk(depth + 1)
		}
	}
	walk(0)

	if len(out) == 0 {
		return nil, fmt.Errorf("strategy: %s 网格没有合法组合: %w", family, firstErr)
	}
	return Dedupe(out), nil
}
