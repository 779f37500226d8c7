package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"gopkg.in/yaml.v3"
)

const (
	defaultBybitURL        = "https://api.bybit.com"
	defaultBybitTestnetURL = "https://api-testnet.bybit.com"
	defaultAdminPassword   = "admin123"

	// 以下两项的 0 是有效取值，只在配置文件未给出时使用默认值
	defaultPriceOffsetPercent = 0.3
	defaultInterAssetDelayMs  = 1000
)

// DefaultAssets 未在配置文件中声明资产时使用的默认资产列表
var DefaultAssets = []models.AssetEntry{
	{Symbol: "SENDUSDT", Enabled: true, NPercent: 11, KPercent: 9, MaxPosition: 30},
	{Symbol: "AVAXUSDT", Enabled: true, NPercent: 3, KPercent: 1, MaxPosition: 1},
	{Symbol: "HOMEUSDT", Enabled: true, NPercent: 3, KPercent: 2, MaxPosition: 390},
	{Symbol: "XRPUSDT", Enabled: true, NPercent: 11, KPercent: 9, MaxPosition: 6},
	{Symbol: "DOGEUSDT", Enabled: true, NPercent: 3, KPercent: 1, MaxPosition: 70},
	{Symbol: "HYPEUSDT", Enabled: true, NPercent: 3, KPercent: 2, MaxPosition: 0.34},
	{Symbol: "HIFIUSDT", Enabled: false, NPercent: 3, KPercent: 2, MaxPosition: 216},
	{Symbol: "ALUUSDT", Enabled: true, NPercent: 1, KPercent: 1, MaxPosition: 270},
	{Symbol: "SAROSUSDT", Enabled: true, NPercent: 8, KPercent: 11, MaxPosition: 42},
	{Symbol: "MUSDT", Enabled: true, NPercent: 4, KPercent: 3, MaxPosition: 15},
	{Symbol: "MYXUSDT", Enabled: true, NPercent: 13, KPercent: 14, MaxPosition: 12},
	{Symbol: "OGUSDT", Enabled: true, NPercent: 13, KPercent: 1, MaxPosition: 1.2},
	{Symbol: "ORDERUSDT", Enabled: true, NPercent: 10, KPercent: 5, MaxPosition: 108},
	{Symbol: "OMNIUSDT", Enabled: true, NPercent: 10, KPercent: 6, MaxPosition: 5},
	{Symbol: "CYBERUSDT", Enabled: true, NPercent: 9, KPercent: 6, MaxPosition: 9},
	{Symbol: "IDEXUSDT", Enabled: true, NPercent: 14, KPercent: 6, MaxPosition: 180},
	{Symbol: "API3USDT", Enabled: true, NPercent: 13, KPercent: 2, MaxPosition: 15},
	{Symbol: "MAVUSDT", Enabled: true, NPercent: 11, KPercent: 4, MaxPosition: 200},
	{Symbol: "REXUSDT", Enabled: true, NPercent: 10, KPercent: 2, MaxPosition: 330},
	{Symbol: "CROUSDT", Enabled: true, NPercent: 14, KPercent: 1, MaxPosition: 55},
	{Symbol: "DOLOUSDT", Enabled: true, NPercent: 15, KPercent: 3, MaxPosition: 80},
	{Symbol: "SIRENUSDT", Enabled: true, NPercent: 15, KPercent: 2, MaxPosition: 160},
}

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML，按扩展名判断)，
// 补全默认值并做合法性校验。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := seeded()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回一份只包含默认值的配置，在没有配置文件时使用
func Default() *models.Config {
	cfg := seeded()
	ApplyDefaults(cfg)
	return cfg
}

// seeded 返回预先填好 0 值有意义字段的配置，配置文件解析会覆盖它们
func seeded() *models.Config {
	return &models.Config{
		Trading: models.TradingConfig{
			PriceOffsetPercent: defaultPriceOffsetPercent,
			InterAssetDelayMs:  defaultInterAssetDelayMs,
		},
	}
}

// ApplyDefaults 为未设置的字段填充默认值。price_offset_percent 与
// inter_asset_delay_ms 的 0 会被保留。
func ApplyDefaults(cfg *models.Config) {
	ex := &cfg.Exchange
	if ex.Venue == "" {
		ex.Venue = "bybit"
	}
	if ex.LiveAPIURL == "" {
		ex.LiveAPIURL = defaultBybitURL
	}
	if ex.TestnetAPIURL == "" {
		ex.TestnetAPIURL = defaultBybitTestnetURL
	}
	if ex.RecvWindowMs <= 0 {
		ex.RecvWindowMs = 5000
	}
	if ex.RequestsPerSecond <= 0 {
		ex.RequestsPerSecond = 10
	}
	if ex.PricePrecision <= 0 {
		ex.PricePrecision = 4
	}

	tr := &cfg.Trading
	if tr.BuyPercent == 0 {
		tr.BuyPercent = 30
	}
	if tr.SellPercent == 0 {
		tr.SellPercent = 35
	}
	if tr.MinLotUSD == 0 {
		tr.MinLotUSD = 5
	}
	if tr.OrderTTLSec <= 0 {
		tr.OrderTTLSec = 7200
	}
	if tr.ReferenceResetHours <= 0 {
		tr.ReferenceResetHours = 24
	}
	if tr.InterAssetDelayMs < 0 {
		tr.InterAssetDelayMs = 0
	}
	if tr.CycleIntervalSec <= 0 {
		tr.CycleIntervalSec = 60
	}
	if tr.IdleIntervalSec <= 0 {
		tr.IdleIntervalSec = 30
	}
	if tr.LotMultiplier <= 0 {
		tr.LotMultiplier = 3
	}
	if tr.DefaultLotStep <= 0 {
		tr.DefaultLotStep = 0.1
	}

	if len(cfg.Assets) == 0 {
		cfg.Assets = append([]models.AssetEntry(nil), DefaultAssets...)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
	if cfg.Server.StatusPushSec <= 0 {
		cfg.Server.StatusPushSec = 5
	}
	if cfg.Server.StatusLogInterval <= 0 {
		cfg.Server.StatusLogInterval = 300
	}

	if cfg.Journal.HistorySize <= 0 {
		cfg.Journal.HistorySize = 1000
	}
	if cfg.Journal.RetentionHours <= 0 {
		cfg.Journal.RetentionHours = 168
	}

	if cfg.Paper.InitialBalance <= 0 {
		cfg.Paper.InitialBalance = 1000
	}
	if cfg.Paper.LotStep <= 0 {
		cfg.Paper.LotStep = tr.DefaultLotStep
	}

	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// ApplyEnv 从环境变量读取密钥、管理密码以及平台注入的端口
func ApplyEnv(cfg *models.Config) {
	cfg.APIKey = os.Getenv("API_KEY")
	cfg.APISecret = os.Getenv("API_SECRET")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = defaultAdminPassword
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
}

// Validate 校验配置的取值范围
func Validate(cfg *models.Config) error {
	switch cfg.Exchange.Venue {
	case "bybit", "binance", "paper":
	default:
		return fmt.Errorf("未知的交易所: %q", cfg.Exchange.Venue)
	}

	tr := cfg.Trading
	if err := checkPercent("buy_percent", tr.BuyPercent); err != nil {
		return err
	}
	if err := checkPercent("sell_percent", tr.SellPercent); err != nil {
		return err
	}
	if tr.PriceOffsetPercent < 0 || tr.PriceOffsetPercent >= 100 {
		return fmt.Errorf("price_offset_percent 必须在 [0, 100) 范围内, 当前值 %v", tr.PriceOffsetPercent)
	}
	if tr.MinLotUSD <= 0 {
		return fmt.Errorf("min_lot_usd 必须大于 0, 当前值 %v", tr.MinLotUSD)
	}

	seen := make(map[string]bool, len(cfg.Assets))
	for _, a := range cfg.Assets {
		if a.Symbol == "" {
			return fmt.Errorf("资产配置缺少 symbol")
		}
		if seen[a.Symbol] {
			return fmt.Errorf("资产 %s 重复配置", a.Symbol)
		}
		seen[a.Symbol] = true
		if err := checkPercent(a.Symbol+".n_percent", a.NPercent); err != nil {
			return err
		}
		if err := checkPercent(a.Symbol+".k_percent", a.KPercent); err != nil {
			return err
		}
		if a.MaxPosition < 0 {
			return fmt.Errorf("%s.max_position 不能为负数", a.Symbol)
		}
	}
	return nil
}

func checkPercent(name string, v float64) error {
	if v <= 0 || v > 100 {
		return fmt.Errorf("%s 必须在 (0, 100] 范围内, 当前值 %v", name, v)
	}
	return nil
}
