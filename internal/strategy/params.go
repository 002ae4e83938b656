package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidParameters 表示参数与策略族的参数表不符。
var ErrInvalidParameters = errors.New("invalid parameters")

// ParameterSet 为值对象：策略族加命名数值参数，按值比较。
type ParameterSet struct {
	Family Family             `json:"family"`
	Params map[string]float64 `json:"params"`
}

// NewParameterSet 创建参数集，内部复制传入的映射。
func NewParameterSet(family Family, params map[string]float64) ParameterSet {
	cp := make(map[string]float64, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return ParameterSet{Family: family, Params: cp}
}

// Get 返回参数值，缺失时使用参数表中的默认值。
func (p ParameterSet) Get(name string) float64 {
	if v, ok := p.Params[name]; ok {
		return v
	}
	return paramDefaults[p.Family][name]
}

// Int 以整数形式返回参数值。
func (p ParameterSet) Int(name string) int {
	return int(math.Round(p.Get(name)))
}

// Key 返回规范化字符串，用于去重与比较。
func (p ParameterSet) Key() string {
	names := make([]string, 0, len(p.Params))
	for name := range p.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(string(p.Family))
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p.Params[name], 'g', -1, 64))
	}
	return b.String()
}

// Equal 按值比较两个参数集。
func (p ParameterSet) Equal(other ParameterSet) bool {
	return p.Key() == other.Key()
}

func (p ParameterSet) String() string {
	return p.Key()
}

// Validate 校验参数名称、取值范围与参数间约束。
func (p ParameterSet) Validate() error {
	spec, ok := registry[p.Family]
	if !ok {
		return fmt.Errorf("strategy: 未知策略族 %q: %w", p.Family, ErrInvalidParameters)
	}

	known := make(map[string]paramSpec, len(spec.params))
	for _, ps := range spec.params {
		known[ps.name] = ps
	}
	for name := range p.Params {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("strategy: %s 不支持参数 %q: %w", p.Family, name, ErrInvalidParameters)
		}
	}

	for _, ps := range spec.params {
		v, present := p.Params[ps.name]
		if !present {
			if ps.optional {
				continue
			}
			return fmt.Errorf("strategy: %s 缺少参数 %q: %w", p.Family, ps.name, ErrInvalidParameters)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) || v < ps.min || v > ps.max {
			return fmt.Errorf("strategy: %s.%s=%g 超出范围 [%g, %g]: %w",
				p.Family, ps.name, v, ps.min, ps.max, ErrInvalidParameters)
		}
		if ps.integer && v != math.Trunc(v) {
			return fmt.Errorf("strategy: %s.%s=%g 必须为整数: %w", p.Family, ps.name, v, ErrInvalidParameters)
		}
	}

	if spec.check != nil {
		if err := spec.check(p); err != nil {
			return fmt.Errorf("strategy: %s: %v: %w", p.Family, err, ErrInvalidParameters)
		}
	}
	return nil
}

// Dedupe 按值去重，保留首次出现的顺序。
func Dedupe(sets []ParameterSet) []ParameterSet {
	seen := make(map[string]struct{}, len(sets))
	out := make([]ParameterSet, 0, len(sets))
	for _, set := range sets {
		key := set.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, set)
	}
	return out
}
