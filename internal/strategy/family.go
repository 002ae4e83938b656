package strategy

import (
	"fmt"
	"strings"
)

// Family 为封闭的策略族枚举。
type Family string

const (
	FamilyTrend     Family = "Trend"
	FamilyReversion Family = "Reversion"
	FamilyMomentum  Family = "Momentum"
	FamilySwing     Family = "Swing"
)

// familyOrder 决定锦标赛遍历顺序。
var familyOrder = [...]Family{FamilyTrend, FamilyReversion, FamilyMomentum, FamilySwing}

var familyAliases = map[string]Family{
	"trend":        FamilyTrend,
	"ma":           FamilyTrend,
	"ma交叉":         FamilyTrend,
	"均线交叉":         FamilyTrend,
	"ma_crossover": FamilyTrend,
	"trend (ma)":   FamilyTrend,

	"reversion":       FamilyReversion,
	"mean_reversion":  FamilyReversion,
	"rsi":             FamilyReversion,
	"rsi反转":           FamilyReversion,
	"rsi反轉":           FamilyReversion,
	"reversion (rsi)": FamilyReversion,

	"momentum":        FamilyMomentum,
	"macd":            FamilyMomentum,
	"macd动能":          FamilyMomentum,
	"macd動能":          FamilyMomentum,
	"momentum (macd)": FamilyMomentum,

	"swing":      FamilySwing,
	"kd":         FamilySwing,
	"stochastic": FamilySwing,
	"kd随机指标":     FamilySwing,
	"kd隨機指標":     FamilySwing,
	"swing (kd)": FamilySwing,
}

// Families 按固定顺序返回全部策略族。
func Families() []Family {
	out := make([]Family, len(familyOrder))
	copy(out, familyOrder[:])
	return out
}

// Valid 判断是否为已知策略族。
func (f Family) Valid() bool {
	_, ok := registry[f]
	return ok
}

func (f Family) String() string {
	return string(f)
}

// ParseFamily 解析策略族名称，兼容中文别名与指标简称。
func ParseFamily(name string) (Family, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if f, ok := familyAliases[key]; ok {
		return f, nil
	}
	return "", fmt.Errorf("strategy: 未知策略族 %q", name)
}

// UnmarshalText 允许在 JSON/YAML 中使用别名。
func (f *Family) UnmarshalText(text []byte) error {
	parsed, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalText 输出规范名称。
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f), nil
}
