package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// KlineDownloader 用于从币安下载K线数据，供回测使用
type KlineDownloader struct {
	client   *binance.Client
	interval string
	pause    time.Duration
	logger   *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例。interval 为空时使用 1m。
func NewKlineDownloader(interval string, logger *zap.Logger) *KlineDownloader {
	if interval == "" {
		interval = "1m"
	}
	return &KlineDownloader{
		client:   binance.NewClient("", ""), // 公共接口不需要API Key
		interval: interval,
		pause:    200 * time.Millisecond,
		logger:   logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的K线数据，并保存到CSV文件。
// 如果文件已存在，则会跳过下载，直接使用缓存。下载失败时删除不完整的文件。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) (err error) {
	if _, statErr := os.Stat(filePath); statErr == nil {
		d.logger.Sugar().Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Sugar().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", filePath, err)
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(filePath)
		}
	}()

	writer := csv.NewWriter(file)

	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	rows := 0
	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(d.interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000). // 币安单次请求最多1000条
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
				k.QuoteAssetVolume,
				strconv.FormatInt(k.TradeNum, 10),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		rows += len(klines)

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载数据", zap.String("symbol", symbol), zap.Time("until", t), zap.Int("rows", rows))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	d.logger.Sugar().Infof("成功下载 %d 条K线数据到 %s", rows, filePath)
	return nil
}

// ReadKlines 读取 DownloadKlines 生成的 CSV (至少包含 open_time, open, high, low, close 五列)。
// 无法解析的行会被跳过。
func ReadKlines(path string, logger *zap.Logger) ([]models.Kline, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开历史数据文件: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(records) <= 1 {
		return nil, fmt.Errorf("历史数据文件 %s 为空或只有表头", path)
	}

	klines := make([]models.Kline, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < 5 {
			logger.Sugar().Warnf("K线数据列数不足，跳过此条记录: %v", record)
			continue
		}
		openTime, errT := strconv.ParseInt(record[0], 10, 64)
		open, errO := strconv.ParseFloat(record[1], 64)
		high, errH := strconv.ParseFloat(record[2], 64)
		low, errL := strconv.ParseFloat(record[3], 64)
		closePrice, errC := strconv.ParseFloat(record[4], 64)
		if errT != nil || errO != nil || errH != nil || errL != nil || errC != nil {
			logger.Sugar().Warnf("无法解析K线数据，跳过此条记录: %v", record)
			continue
		}
		klines = append(klines, models.Kline{OpenTime: openTime, Open: open, High: high, Low: low, Close: closePrice})
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("历史数据文件 %s 没有有效的K线", path)
	}
	return klines, nil
}
