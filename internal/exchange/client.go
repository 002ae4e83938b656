package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"strategy-arena/internal/config"
	"strategy-arena/internal/market"
)

const (
	defaultPageLimit = 1000
	maxPages         = 500
)

// backend 隔离 ccxt 具体交易所类型，便于替换与测试。
type backend struct {
	loadMarkets func() error
	fetchOHLCV  func(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error)
}

// Client 通过 ccxt 分页拉取历史K线，并对瞬时错误做指数退避重试。
type Client struct {
	cfg       config.ExchangeConfig
	timeframe string
	step      time.Duration
	logger    *zap.Logger
	backend   backend
	now       func() time.Time

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 按配置中的交易所名称构造客户端。
func NewClient(cfg config.ExchangeConfig, timeframe string, logger *zap.Logger) (*Client, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	var b backend
	switch strings.ToLower(cfg.Name) {
	case "binanceusdm":
		userConfig["options"].(map[string]interface{})["defaultType"] = "future"
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		b = backend{
			loadMarkets: func() error {
				_, err := ex.LoadMarkets()
				return err
			},
			fetchOHLCV: func(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
				return ex.FetchOHLCV(symbol,
					ccxt.WithFetchOHLCVTimeframe(timeframe),
					ccxt.WithFetchOHLCVSince(since),
					ccxt.WithFetchOHLCVLimit(limit),
				)
			},
		}
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		b = backend{
			loadMarkets: func() error {
				_, err := ex.LoadMarkets()
				return err
			},
			fetchOHLCV: func(symbol, timeframe string, since, limit int64) ([]ccxt.OHLCV, error) {
				return ex.FetchOHLCV(symbol,
					ccxt.WithFetchOHLCVTimeframe(timeframe),
					ccxt.WithFetchOHLCVSince(since),
					ccxt.WithFetchOHLCVLimit(limit),
				)
			},
		}
	default:
		return nil, fmt.Errorf("exchange: %q: %w", cfg.Name, ErrUnsupportedExchange)
	}

	return newClient(cfg, timeframe, b, logger)
}

func newClient(cfg config.ExchangeConfig, timeframe string, b backend, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	step, err := TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.MinDelay <= 0 {
		cfg.Retry.MinDelay = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}

	return &Client{
		cfg:       cfg,
		timeframe: timeframe,
		step:      step,
		logger:    logger,
		backend:   b,
		now:       time.Now,
	}, nil
}

// FetchBars 拉取 [start, end] 区间内的K线。start 为零值时仅拉取 end 之前的一页。
func (c *Client) FetchBars(ctx context.Context, ticker string, start, end time.Time) ([]market.Bar, error) {
	symbol, err := MarketSymbol(ticker)
	if err != nil {
		return nil, err
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	if end.IsZero() {
		end = c.now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-time.Duration(c.cfg.PageLimit) * c.step)
	}

	var (
		bars  []market.Bar
		since = start.UnixMilli()
		until = end.UnixMilli()
	)

	for page := 0; page < maxPages; page++ {
		var raw []ccxt.OHLCV
		err := c.callWithRetry(ctx, "fetch_ohlcv", func() error {
			result, err := c.backend.fetchOHLCV(symbol, c.timeframe, since, c.cfg.PageLimit)
			if err != nil {
				return err
			}
			raw = result
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("exchange: 拉取 %s K线失败: %w", symbol, err)
		}
		if len(raw) == 0 {
			break
		}

		last := since
		for _, item := range raw {
			bars = append(bars, convertOHLCV(item))
			if item.Timestamp > last {
				last = item.Timestamp
			}
		}

		if last >= until || int64(len(raw)) < c.cfg.PageLimit || last < since {
			break
		}
		since = last + 1
	}

	window := market.Window(market.Normalize(bars), start, end)
	c.logger.Debug("拉取交易所K线",
		zap.String("symbol", symbol),
		zap.String("timeframe", c.timeframe),
		zap.Int("fetched", len(bars)),
		zap.Int("window", len(window)),
	)
	if len(window) == 0 {
		return nil, fmt.Errorf("exchange: %s 在所选区间内无数据: %w", symbol, market.ErrNoBars)
	}
	return window, nil
}

func convertOHLCV(item ccxt.OHLCV) market.Bar {
	return market.Bar{
		Timestamp: time.UnixMilli(item.Timestamp).UTC(),
		Open:      item.Open,
		High:      item.High,
		Low:       item.Low,
		Close:     item.Close,
		Volume:    item.Volume,
	}
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if err := c.callWithRetry(ctx, "load_markets", c.backend.loadMarkets); err != nil {
		return fmt.Errorf("exchange: 加载市场元数据失败: %w", err)
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Retry.MinDelay
	policy.MaxInterval = c.cfg.Retry.MaxDelay
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.Retry.MaxAttempts-1)), ctx)

	attempt := 0
	start := time.Now()
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		normalized, retry := classifyError(err)
		if !retry {
			return backoff.Permanent(normalized)
		}
		return normalized
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		if attempt > 1 {
			c.logger.Info("交易所调用重试后成功",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", time.Since(start)),
			)
		}
		return nil
	case errors.Is(err, ErrMaintenance):
		c.logger.Warn("交易所维护中", zap.String("operation", operation), zap.Error(err))
	default:
		c.logger.Error("交易所调用失败",
			zap.String("operation", operation),
			zap.Int("attempts", attempt),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}
