package models

import "time"

// Side 订单方向，取值与 Bybit v5 接口一致
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// AssetConfig 单个资产的可调参数
type AssetConfig struct {
	Enabled     bool    `json:"enabled"`
	NPercent    float64 `json:"n_percent"`    // 卖出阈值: 均价上方 n%
	KPercent    float64 `json:"k_percent"`    // 买入阈值: 参考价下方 k%
	MaxPosition float64 `json:"max_position"` // 持仓上限 (基础资产数量)
}

// AssetConfigUpdate is a partial update; nil fields are left unchanged.
type AssetConfigUpdate struct {
	Enabled     *bool    `json:"enabled,omitempty"`
	NPercent    *float64 `json:"n_percent,omitempty"`
	KPercent    *float64 `json:"k_percent,omitempty"`
	MaxPosition *float64 `json:"max_position,omitempty"`
}

// GlobalConfig 所有资产共享的下单参数
type GlobalConfig struct {
	BuyPercent         float64 `json:"buy_percent"`
	SellPercent        float64 `json:"sell_percent"`
	PriceOffsetPercent float64 `json:"price_offset"`
	MinLotUSD          float64 `json:"min_lot_usd"`
}

// GlobalConfigUpdate is a partial update of GlobalConfig.
type GlobalConfigUpdate struct {
	BuyPercent         *float64 `json:"buy_percent,omitempty"`
	SellPercent        *float64 `json:"sell_percent,omitempty"`
	PriceOffsetPercent *float64 `json:"price_offset,omitempty"`
	MinLotUSD          *float64 `json:"min_lot_usd,omitempty"`
}

// ActiveOrder 当前挂在交易所的唯一订单
type ActiveOrder struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id,omitempty"`
	Side     Side      `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	PlacedAt time.Time `json:"placed_at"`
}

// AssetState 单个资产的运行时状态，由交易循环独占写入
type AssetState struct {
	LastPrice           float64
	ReferencePrice      float64
	AvgEntryPrice       float64
	Position            float64 // 正数为多仓，负数为空仓
	PositionSide        string
	UnrealizedPnl       float64
	BuyLevel            float64
	SellLevel           float64
	ActiveOrder         *ActiveOrder
	MinLot              float64
	MaxLot              float64
	LotStep             float64
	TickSize            float64
	LastReferenceUpdate time.Time
	LastUpdate          time.Time
	ErrorMessage        string
}

// Clone returns a copy that shares no pointers with s.
func (s AssetState) Clone() AssetState {
	if s.ActiveOrder != nil {
		order := *s.ActiveOrder
		s.ActiveOrder = &order
	}
	return s
}

// AccountSnapshot 账户资金快照
type AccountSnapshot struct {
	Balance         float64   `json:"balance"`
	Equity          float64   `json:"equity"`
	AvailableMargin float64   `json:"available_margin"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PositionSnapshot 交易所返回的持仓
type PositionSnapshot struct {
	Size          float64 // 带符号
	AvgPrice      float64
	UnrealizedPnl float64
	Side          string
}

// LotMetadata 交易对的下单数量规则
type LotMetadata struct {
	MinOrderQty float64
	QtyStep     float64
	TickSize    float64
}

// TradeEventKind 成交日志事件类型
type TradeEventKind string

const (
	TradePlaced    TradeEventKind = "placed"
	TradeCancelled TradeEventKind = "cancelled"
	TradeExpired   TradeEventKind = "expired"
	TradeFailed    TradeEventKind = "failed"
)

// TradeEvent is one entry of the trade history shown in status.
type TradeEvent struct {
	ID      string         `json:"id"`
	Symbol  string         `json:"symbol"`
	Kind    TradeEventKind `json:"kind"`
	Side    Side           `json:"side,omitempty"`
	Qty     float64        `json:"qty,omitempty"`
	Price   float64        `json:"price,omitempty"`
	OrderID string         `json:"order_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Time    time.Time      `json:"time"`
}

// AssetStatus 单个资产的只读视图
type AssetStatus struct {
	Symbol         string       `json:"symbol"`
	LastPrice      float64      `json:"last_price"`
	Position       float64      `json:"position"`
	AvgPrice       float64      `json:"avg_price"`
	ReferencePrice float64      `json:"reference_price"`
	BuyPriceLevel  float64      `json:"buy_price_level"`
	SellPriceLevel float64      `json:"sell_price_level"`
	ActiveOrder    *ActiveOrder `json:"active_order"`
	LastUpdate     time.Time    `json:"last_update"`
	ErrorMessage   string       `json:"error_message"`
	MinLot         float64      `json:"min_lot"`
	MaxLot         float64      `json:"max_lot"`
	LotSizeStep    float64      `json:"lot_size_step"`
	UnrealizedPnl  float64      `json:"pnl"`
	AssetConfig
}

// Status 整个服务的只读快照，可随时序列化
type Status struct {
	TradingActive bool            `json:"trading_active"`
	Timestamp     time.Time       `json:"timestamp"`
	Globals       GlobalConfig    `json:"globals"`
	Account       AccountSnapshot `json:"account"`
	Assets        []AssetStatus   `json:"assets"`
	TradeHistory  []TradeEvent    `json:"trade_history"`
}
