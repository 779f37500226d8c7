package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/bot"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/config"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/downloader"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/logger"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/reporter"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/statemanager"
)

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/SOLUSDT-2025-03-15-2025-06-15.csv" -> "SOLUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".csv")
	return strings.SplitN(name, "-", 2)[0]
}

// handleBacktestMode 处理回测模式的启动逻辑，包括数据下载。
// 成功后返回数据文件路径，失败则返回错误。
func handleBacktestMode(ctx context.Context, symbol, startDate, endDate, dataPath string) (string, error) {
	shouldDownload := symbol != "" && startDate != "" && endDate != ""

	if shouldDownload {
		startTime, err1 := time.Parse("2006-01-02", startDate)
		endTime, err2 := time.Parse("2006-01-02", endDate)
		if err1 != nil || err2 != nil {
			return "", fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
		}

		fileName := filepath.Join("data", fmt.Sprintf("%s-%s-%s.csv", symbol, startDate, endDate))
		d := downloader.NewKlineDownloader("1m", logger.L())
		if err := d.DownloadKlines(ctx, symbol, fileName, startTime, endTime); err != nil {
			return "", fmt.Errorf("下载数据失败: %v", err)
		}
		return fileName, nil
	}

	if dataPath == "" {
		return "", fmt.Errorf("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
	}
	if _, err := os.Stat(dataPath); err != nil {
		return "", fmt.Errorf("数据文件不可用: %w", err)
	}
	return dataPath, nil
}

// backtestAsset 返回回测交易对的配置。配置文件中没有该交易对时沿用默认列表，
// 仍然没有则借用第一个资产的参数。
func backtestAsset(cfg *models.Config, symbol string) models.AssetEntry {
	for _, list := range [][]models.AssetEntry{cfg.Assets, config.DefaultAssets} {
		for _, a := range list {
			if a.Symbol == symbol {
				a.Enabled = true
				return a
			}
		}
	}
	a := config.DefaultAssets[0]
	if len(cfg.Assets) > 0 {
		a = cfg.Assets[0]
	}
	a.Symbol = symbol
	a.Enabled = true
	return a
}

// runBacktestMode 在模拟交易所上逐根K线回放历史数据，每根K线执行一次完整的交易遍历
func runBacktestMode(ctx context.Context, cfg *models.Config, dataPath string) error {
	logger.S().Info("--- 启动回测模式 ---")

	symbol := extractSymbolFromPath(dataPath)
	if symbol == "" {
		return fmt.Errorf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}

	klines, err := downloader.ReadKlines(dataPath, logger.L())
	if err != nil {
		return err
	}

	btCfg := *cfg
	btCfg.Assets = []models.AssetEntry{backtestAsset(cfg, symbol)}

	paper := exchange.NewPaperExchange(cfg.Paper, nil, logger.L())
	paper.SetCandle(symbol, klines[0])

	history := statemanager.NewStateManager(nil, cfg.Journal.HistorySize, logger.L())
	history.Start()
	defer history.Stop()

	svc := bot.NewService(&btCfg, paper, logger.L(), bot.WithClock(paper.Now), bot.WithHistory(history))
	svc.InitializeLots(ctx)
	svc.Start()
	logger.S().Infof("使用初始价格 %.4f 完成机器人初始化。", klines[0].Close)

	scheduler := bot.NewScheduler(svc, bot.Intervals{}, nil, logger.L())

	logger.S().Infof("开始回测 %s，共 %d 根K线...", symbol, len(klines))
	for i, k := range klines {
		if ctx.Err() != nil {
			logger.S().Warn("收到退出信号，提前终止回测循环。")
			break
		}
		if i > 0 {
			paper.SetCandle(symbol, k)
		}
		if err := scheduler.RunPass(ctx); err != nil && ctx.Err() == nil {
			logger.S().Warnf("第 %d 根K线处理失败: %v", i, err)
		}
	}
	logger.S().Info("回测结束。")

	start := time.UnixMilli(klines[0].OpenTime)
	end := time.UnixMilli(klines[len(klines)-1].OpenTime)
	reporter.GenerateReport(paper.Summary(), dataPath, start, end)
	logger.S().Info("\n" + reporter.RenderStatus(svc.GetStatus()))
	return nil
}
