package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// quoteAssets 按长度降序排列，避免 USDT 被 USD 截断。
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "USD", "BTC", "ETH", "BNB"}

// MarketSymbol 将任务中的标的代码映射为 ccxt 统一交易对。
// 支持 BTC/USDT、BTC-USDT、BTC_USDT 与 BTCUSDT 四种写法。
func MarketSymbol(ticker string) (string, error) {
	name := strings.ToUpper(strings.TrimSpace(ticker))
	if name == "" {
		return "", fmt.Errorf("exchange: 标的代码为空: %w", ErrInvalidSymbol)
	}

	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(name, sep); ok {
			if base == "" || quote == "" || strings.ContainsAny(quote, "/-_") {
				return "", fmt.Errorf("exchange: 无法解析交易对 %q: %w", ticker, ErrInvalidSymbol)
			}
			return base + "/" + quote, nil
		}
	}

	for _, quote := range quoteAssets {
		if base, ok := strings.CutSuffix(name, quote); ok && base != "" {
			return base + "/" + quote, nil
		}
	}
	return "", fmt.Errorf("exchange: 无法识别计价币种 %q: %w", ticker, ErrInvalidSymbol)
}

// TimeframeDuration 解析 ccxt 周期写法，如 15m、1h、1d、1w。
func TimeframeDuration(timeframe string) (time.Duration, error) {
	tf := strings.TrimSpace(timeframe)
	if len(tf) < 2 {
		return 0, fmt.Errorf("exchange: 非法的K线周期 %q", timeframe)
	}

	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("exchange: 非法的K线周期 %q", timeframe)
	}

	var unit time.Duration
	switch tf[len(tf)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("exchange: 不支持的K线周期单位 %q", timeframe)
	}
	return time.Duration(n) * unit, nil
}
