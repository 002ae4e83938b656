package market

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CSVProvider 从本地 CSV 文件读取K线，文件名为 <TICKER>.csv。
// 表头需包含 timestamp,open,high,low,close,volume，时间支持 RFC3339、日期或 Unix 毫秒。
type CSVProvider struct {
	dir    string
	logger *zap.Logger
}

// NewCSVProvider 创建基于目录的K线数据源。
func NewCSVProvider(dir string, logger *zap.Logger) (*CSVProvider, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("market: CSV 目录不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVProvider{dir: dir, logger: logger}, nil
}

// FetchBars 读取 ticker 对应文件并截取 [start, end] 区间。
func (p *CSVProvider) FetchBars(ctx context.Context, ticker string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.ToUpper(strings.TrimSpace(ticker))
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("market: 非法的标的代码 %q", ticker)
	}

	path := filepath.Join(p.dir, name+".csv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("market: 打开 %s 失败: %w", path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("market: 解析 %s 失败: %w", path, err)
	}

	window := Window(Normalize(bars), start, end)
	p.logger.Debug("读取本地K线",
		zap.String("ticker", name),
		zap.Int("total", len(bars)),
		zap.Int("window", len(window)),
	)
	if len(window) == 0 {
		return nil, fmt.Errorf("market: %s 在所选区间内无数据: %w", name, ErrNoBars)
	}
	return window, nil
}

// ReadCSV 解析带表头的K线 CSV。
func ReadCSV(r io.Reader) ([]Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range []string{"timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("缺少列 %q", col)
		}
	}

	var bars []Bar
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}

		ts, err := parseTimestamp(record[index["timestamp"]])
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}

		bar := Bar{Timestamp: ts}
		fields := []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open},
			{"high", &bar.High},
			{"low", &bar.Low},
			{"close", &bar.Close},
			{"volume", &bar.Volume},
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[index[field.name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("第 %d 行 %s: %w", line, field.name, err)
			}
			*field.dst = v
		}
		bars = append(bars, bar)
	}

	return bars, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间 %q", raw)
}
