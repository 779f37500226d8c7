package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/api"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/bot"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/config"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/logger"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/metrics"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/persistence"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/reporter"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/statemanager"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (json or yaml)")
	mode := flag.String("mode", "live", "running mode: live, paper or backtest")
	dataPath := flag.String("data", "", "path to historical data file for backtesting")
	symbol := flag.String("symbol", "", "symbol to backtest (e.g., SOLUSDT)")
	startDate := flag.String("start", "", "start date for backtesting (YYYY-MM-DD)")
	endDate := flag.String("end", "", "end date for backtesting (YYYY-MM-DD)")
	flag.Parse()

	// 在加载配置之前先使用默认日志配置
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	config.ApplyEnv(cfg)

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		runLiveMode(ctx, cfg)
	case "paper":
		cfg.Exchange.Venue = "paper"
		runLiveMode(ctx, cfg)
	case "backtest":
		finalDataPath, err := handleBacktestMode(ctx, *symbol, *startDate, *endDate, *dataPath)
		if err != nil {
			logger.S().Fatal(err)
		}
		if err := runBacktestMode(ctx, cfg, finalDataPath); err != nil {
			logger.S().Fatalf("回测失败: %v", err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live', 'paper' 或 'backtest'。", *mode)
	}
}

// loadConfig 读取配置文件。文件不存在时使用内置默认配置。
func loadConfig(path string) (*models.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.S().Warnf("配置文件 %s 不存在，使用默认配置。", path)
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

// newGateway 根据配置创建交易所网关。返回的 run 函数 (可能为 nil) 需要在后台运行。
func newGateway(ctx context.Context, cfg *models.Config, symbols []string) (exchange.Exchange, func(context.Context), error) {
	ex := &cfg.Exchange
	if ex.IsTestnet {
		ex.BaseURL = ex.TestnetAPIURL
	} else {
		ex.BaseURL = ex.LiveAPIURL
	}

	switch ex.Venue {
	case "bybit":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, nil, fmt.Errorf("API_KEY 和 API_SECRET 环境变量必须被设置")
		}
		logger.S().Infof("正在使用 Bybit %s ...", ex.BaseURL)
		gw, err := exchange.NewBybitExchange(ctx, cfg.APIKey, cfg.APISecret, ex.BaseURL, ex.RecvWindowMs, ex.RequestsPerSecond, logger.L())
		return gw, nil, err
	case "binance":
		if cfg.APIKey == "" || cfg.APISecret == "" {
			return nil, nil, fmt.Errorf("API_KEY 和 API_SECRET 环境变量必须被设置")
		}
		logger.S().Infof("正在使用币安 U 本位合约 (testnet=%v)...", ex.IsTestnet)
		return exchange.NewBinanceExchange(cfg.APIKey, cfg.APISecret, ex.IsTestnet, ex.RequestsPerSecond, logger.L()), nil, nil
	case "paper":
		// 模拟盘使用 Bybit 公共行情，不需要密钥
		rest, err := exchange.NewBybitExchange(ctx, "", "", ex.LiveAPIURL, ex.RecvWindowMs, ex.RequestsPerSecond, logger.L())
		if err != nil {
			return nil, nil, err
		}
		stream := exchange.NewTickerStream(exchange.DefaultBybitStreamURL, symbols, rest, logger.L())
		logger.S().Infof("正在使用模拟盘，初始资金 %.2f USDT", cfg.Paper.InitialBalance)
		return exchange.NewPaperExchange(cfg.Paper, stream, logger.L()), stream.Run, nil
	default:
		return nil, nil, fmt.Errorf("未知的交易所: %q", ex.Venue)
	}
}

// runLiveMode 运行实时交易 (真实交易所或模拟盘)，直到收到退出信号
func runLiveMode(ctx context.Context, cfg *models.Config) {
	logger.S().Info("--- 启动实时交易模式 ---")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	symbols := make([]string, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		symbols = append(symbols, a.Symbol)
	}

	gateway, runFeed, err := newGateway(ctx, cfg, symbols)
	if err != nil {
		logger.S().Fatalf("初始化交易所失败: %v", err)
	}

	repo, err := persistence.NewBadgerRepository(cfg.Journal.Path, time.Duration(cfg.Journal.RetentionHours)*time.Hour)
	if err != nil {
		logger.S().Fatalf("打开成交日志失败: %v", err)
	}
	defer repo.Close()

	sm := statemanager.NewStateManager(repo, cfg.Journal.HistorySize, logger.L())
	sm.Start()
	defer sm.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := bot.NewService(cfg, gateway, logger.L(), bot.WithMetrics(m), bot.WithHistory(sm))

	var wg sync.WaitGroup
	if runFeed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runFeed(ctx)
		}()
	}

	svc.InitializeLots(ctx)
	if cfg.Trading.AutoStart {
		svc.Start()
	}

	scheduler := bot.NewScheduler(svc, bot.IntervalsFromConfig(cfg.Trading), m, logger.L())
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitorStatus(ctx, svc, time.Duration(cfg.Server.StatusLogInterval)*time.Second)
	}()

	server := api.NewServer(svc, cfg.AdminPassword, time.Duration(cfg.Server.StatusPushSec)*time.Second, metrics.Handler(reg), logger.L())
	if err := server.Start(ctx, cfg.Server.Addr); err != nil {
		logger.L().Error("管理接口异常退出", zap.Error(err))
	}

	cancel()
	svc.Stop()
	wg.Wait()
	logger.S().Info("机器人已成功停止。")
}

// monitorStatus 定期把所有交易对的状态以表格形式写入日志
func monitorStatus(ctx context.Context, svc *bot.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			logger.S().Info("\n" + reporter.RenderStatus(svc.GetStatus()))
		case <-ctx.Done():
			return
		}
	}
}
