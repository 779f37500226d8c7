package models

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Exchange  ExchangeConfig `json:"exchange" yaml:"exchange"`
	Trading   TradingConfig  `json:"trading" yaml:"trading"`
	Assets    []AssetEntry   `json:"assets" yaml:"assets"` // 按配置顺序遍历的资产列表
	Server    ServerConfig   `json:"server" yaml:"server"`
	Journal   JournalConfig  `json:"journal" yaml:"journal"`
	Paper     PaperConfig    `json:"paper" yaml:"paper"`
	LogConfig LogConfig      `json:"log" yaml:"log"`

	// 以下字段从环境变量读取，不写入配置文件
	APIKey        string `json:"-" yaml:"-"`
	APISecret     string `json:"-" yaml:"-"`
	AdminPassword string `json:"-" yaml:"-"`
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	Venue             string  `json:"venue" yaml:"venue"` // bybit, binance 或 paper
	IsTestnet         bool    `json:"is_testnet" yaml:"is_testnet"`
	LiveAPIURL        string  `json:"live_api_url" yaml:"live_api_url"`
	TestnetAPIURL     string  `json:"testnet_api_url" yaml:"testnet_api_url"`
	RecvWindowMs      int     `json:"recv_window_ms" yaml:"recv_window_ms"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"` // REST 请求限速
	PricePrecision    int32   `json:"price_precision" yaml:"price_precision"`         // 下单价格保留的小数位数

	BaseURL string `json:"-" yaml:"-"` // REST API基础地址 (将由程序动态设置)
}

// TradingConfig 全局交易参数
type TradingConfig struct {
	BuyPercent          float64 `json:"buy_percent" yaml:"buy_percent"`                     // 加仓比例 (占当前持仓的百分比)
	SellPercent         float64 `json:"sell_percent" yaml:"sell_percent"`                   // 减仓比例
	PriceOffsetPercent  float64 `json:"price_offset_percent" yaml:"price_offset_percent"`   // 挂单相对市价的偏移
	MinLotUSD           float64 `json:"min_lot_usd" yaml:"min_lot_usd"`                     // 最小手数对应的美元价值
	OrderTTLSec         int     `json:"order_ttl_sec" yaml:"order_ttl_sec"`                 // 挂单超时时间
	ReferenceResetHours int     `json:"reference_reset_hours" yaml:"reference_reset_hours"` // 参考价重置周期
	InterAssetDelayMs   int     `json:"inter_asset_delay_ms" yaml:"inter_asset_delay_ms"`
	CycleIntervalSec    int     `json:"cycle_interval_sec" yaml:"cycle_interval_sec"`
	IdleIntervalSec     int     `json:"idle_interval_sec" yaml:"idle_interval_sec"`
	LotMultiplier       float64 `json:"lot_multiplier" yaml:"lot_multiplier"` // maxLot = minLot * LotMultiplier
	DefaultLotStep      float64 `json:"default_lot_step" yaml:"default_lot_step"`
	AutoStart           bool    `json:"auto_start" yaml:"auto_start"`
}

// AssetEntry 是配置文件中单个资产的定义
type AssetEntry struct {
	Symbol      string  `json:"symbol" yaml:"symbol"`
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	NPercent    float64 `json:"n_percent" yaml:"n_percent"`
	KPercent    float64 `json:"k_percent" yaml:"k_percent"`
	MaxPosition float64 `json:"max_position" yaml:"max_position"`
}

// ServerConfig 管理接口配置
type ServerConfig struct {
	Addr              string `json:"addr" yaml:"addr"`
	StatusPushSec     int    `json:"status_push_sec" yaml:"status_push_sec"`
	StatusLogInterval int    `json:"status_log_interval_sec" yaml:"status_log_interval_sec"`
}

// JournalConfig 成交事件日志配置
type JournalConfig struct {
	Path           string `json:"path" yaml:"path"` // 为空时使用内存模式
	HistorySize    int    `json:"history_size" yaml:"history_size"`
	RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
}

// PaperConfig 模拟交易所配置 (paper 与 backtest 模式)
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	MakerFeeRate   float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	LotStep        float64 `json:"lot_step" yaml:"lot_step"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// Kline 回测使用的K线
type Kline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// CompletedTrade 记录一笔完整的平仓交易 (模拟交易所使用)
type CompletedTrade struct {
	Symbol     string
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
	Profit     float64
	Fee        float64
}
