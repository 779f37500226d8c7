package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/book"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/engine"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/metrics"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/orders"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/statemanager"

	"go.uber.org/zap"
)

// statusHistorySize 状态接口中返回的最近成交事件数量
const statusHistorySize = 20

// ErrUnknownSymbol 管理接口收到未配置的交易对
var ErrUnknownSymbol = book.ErrUnknownSymbol

// ValidationError 管理接口参数校验失败
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数 %s 无效: %s", e.Field, e.Reason)
}

// TradeHistory is the recorder the service reports into and reads status history from.
// Journal reads back from the persistent trade journal.
type TradeHistory interface {
	statemanager.TradeRecorder
	Recent(n int) []models.TradeEvent
	Journal(n int) ([]models.TradeEvent, error)
}

// Settings 进程级交易参数，启动后不可修改
type Settings struct {
	OrderTTL       time.Duration
	ReferenceReset time.Duration
	PricePrecision int32
	LotMultiplier  float64
	DefaultLotStep float64
}

// SettingsFromConfig 从配置文件的交易段构造 Settings
func SettingsFromConfig(cfg *models.Config) Settings {
	return Settings{
		OrderTTL:       time.Duration(cfg.Trading.OrderTTLSec) * time.Second,
		ReferenceReset: time.Duration(cfg.Trading.ReferenceResetHours) * time.Hour,
		PricePrecision: cfg.Exchange.PricePrecision,
		LotMultiplier:  cfg.Trading.LotMultiplier,
		DefaultLotStep: cfg.Trading.DefaultLotStep,
	}
}

// Service 持有所有资产的配置与运行状态，是管理接口与交易循环的唯一入口
type Service struct {
	book     *book.AssetBook
	gateway  exchange.Exchange
	orders   *orders.Manager
	history  TradeHistory
	metrics  *metrics.Metrics
	now      func() time.Time
	settings Settings
	logger   *zap.Logger

	mu      sync.RWMutex
	globals models.GlobalConfig

	active      atomic.Bool
	lotsPending atomic.Bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithClock 替换服务使用的时钟 (模拟盘与回测使用交易所时间)
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithMetrics 注册 prometheus 指标
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithHistory 设置成交事件记录器
func WithHistory(h TradeHistory) ServiceOption {
	return func(s *Service) { s.history = h }
}

// NewService 根据配置创建交易服务。交易默认处于停止状态。
func NewService(cfg *models.Config, gateway exchange.Exchange, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		gateway:  gateway,
		now:      time.Now,
		settings: SettingsFromConfig(cfg),
		logger:   logger,
		globals: models.GlobalConfig{
			BuyPercent:         cfg.Trading.BuyPercent,
			SellPercent:        cfg.Trading.SellPercent,
			PriceOffsetPercent: cfg.Trading.PriceOffsetPercent,
			MinLotUSD:          cfg.Trading.MinLotUSD,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.book = book.New(cfg.Assets, s.now())

	var recorder statemanager.TradeRecorder
	if s.history != nil {
		recorder = s.history
	}
	s.orders = orders.NewManager(gateway, s.book, recorder, s.metrics, logger, orders.WithClock(s.now))
	return s
}

// Symbols 按配置顺序返回所有交易对
func (s *Service) Symbols() []string {
	return s.book.Symbols()
}

// Globals 返回当前的全局下单参数
func (s *Service) Globals() models.GlobalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globals
}

// --- 管理操作 ---

// Start 开启交易。重复调用无副作用。
func (s *Service) Start() {
	if !s.active.Swap(true) {
		s.logger.Sugar().Info("交易已启动")
	}
	s.metrics.TradingActive(true)
}

// Stop 停止交易。正在进行的交易所请求不会被中断。
func (s *Service) Stop() {
	if s.active.Swap(false) {
		s.logger.Sugar().Info("交易已停止")
	}
	s.metrics.TradingActive(false)
}

func (s *Service) IsTradingActive() bool {
	return s.active.Load()
}

// UpdateGlobalConfig 部分更新全局参数，未提供的字段保持不变。
// 任一字段非法时不做任何修改。
func (s *Service) UpdateGlobalConfig(u models.GlobalConfigUpdate) error {
	if u.BuyPercent != nil && (*u.BuyPercent <= 0 || *u.BuyPercent > 100) {
		return &ValidationError{Field: "buy_percent", Reason: "必须在 (0, 100] 之间"}
	}
	if u.SellPercent != nil && (*u.SellPercent <= 0 || *u.SellPercent > 100) {
		return &ValidationError{Field: "sell_percent", Reason: "必须在 (0, 100] 之间"}
	}
	if u.PriceOffsetPercent != nil && (*u.PriceOffsetPercent < 0 || *u.PriceOffsetPercent >= 100) {
		return &ValidationError{Field: "price_offset", Reason: "必须在 [0, 100) 之间"}
	}
	if u.MinLotUSD != nil && *u.MinLotUSD <= 0 {
		return &ValidationError{Field: "min_lot_usd", Reason: "必须大于 0"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.BuyPercent != nil {
		s.globals.BuyPercent = *u.BuyPercent
	}
	if u.SellPercent != nil {
		s.globals.SellPercent = *u.SellPercent
	}
	if u.PriceOffsetPercent != nil {
		s.globals.PriceOffsetPercent = *u.PriceOffsetPercent
	}
	if u.MinLotUSD != nil && *u.MinLotUSD != s.globals.MinLotUSD {
		s.globals.MinLotUSD = *u.MinLotUSD
		s.lotsPending.Store(true)
	}
	s.logger.Info("全局参数已更新",
		zap.Float64("buy_percent", s.globals.BuyPercent),
		zap.Float64("sell_percent", s.globals.SellPercent),
		zap.Float64("price_offset", s.globals.PriceOffsetPercent),
		zap.Float64("min_lot_usd", s.globals.MinLotUSD))
	return nil
}

// UpdateAssetConfig 部分更新单个资产的参数，下一轮循环生效。
func (s *Service) UpdateAssetConfig(symbol string, u models.AssetConfigUpdate) error {
	cfg, err := s.book.Config(symbol)
	if err != nil {
		return err
	}
	if u.NPercent != nil && (*u.NPercent <= 0 || *u.NPercent > 100) {
		return &ValidationError{Field: "n_percent", Reason: "必须在 (0, 100] 之间"}
	}
	if u.KPercent != nil && (*u.KPercent <= 0 || *u.KPercent > 100) {
		return &ValidationError{Field: "k_percent", Reason: "必须在 (0, 100] 之间"}
	}
	if u.MaxPosition != nil && *u.MaxPosition < 0 {
		return &ValidationError{Field: "max_position", Reason: "不能为负数"}
	}

	if u.Enabled != nil {
		cfg.Enabled = *u.Enabled
	}
	if u.NPercent != nil {
		cfg.NPercent = *u.NPercent
	}
	if u.KPercent != nil {
		cfg.KPercent = *u.KPercent
	}
	if u.MaxPosition != nil {
		cfg.MaxPosition = *u.MaxPosition
	}
	if err := s.book.SetConfig(symbol, cfg); err != nil {
		return err
	}
	s.logger.Info("资产参数已更新", zap.String("symbol", symbol), zap.Bool("enabled", cfg.Enabled),
		zap.Float64("n_percent", cfg.NPercent), zap.Float64("k_percent", cfg.KPercent),
		zap.Float64("max_position", cfg.MaxPosition))
	return nil
}

// GetStatus 返回可随时序列化的只读快照
func (s *Service) GetStatus() models.Status {
	entries := s.book.Snapshot()
	assets := make([]models.AssetStatus, 0, len(entries))
	for _, e := range entries {
		st := e.State
		assets = append(assets, models.AssetStatus{
			Symbol:         e.Symbol,
			LastPrice:      st.LastPrice,
			Position:       st.Position,
			AvgPrice:       st.AvgEntryPrice,
			ReferencePrice: st.ReferencePrice,
			BuyPriceLevel:  engine.Round2(st.BuyLevel),
			SellPriceLevel: engine.Round2(st.SellLevel),
			ActiveOrder:    st.ActiveOrder,
			LastUpdate:     st.LastUpdate,
			ErrorMessage:   st.ErrorMessage,
			MinLot:         engine.Round2(st.MinLot),
			MaxLot:         engine.Round2(st.MaxLot),
			LotSizeStep:    st.LotStep,
			UnrealizedPnl:  engine.Round2(st.UnrealizedPnl),
			AssetConfig:    e.Config,
		})
	}

	acc := s.book.Account()
	acc.Balance = engine.Round2(acc.Balance)
	acc.Equity = engine.Round2(acc.Equity)
	acc.AvailableMargin = engine.Round2(acc.AvailableMargin)

	history := []models.TradeEvent{}
	if s.history != nil {
		history = s.history.Recent(statusHistorySize)
	}
	return models.Status{
		TradingActive: s.IsTradingActive(),
		Timestamp:     s.now(),
		Globals:       s.Globals(),
		Account:       acc,
		Assets:        assets,
		TradeHistory:  history,
	}
}

// TradeJournal 从成交日志中读取最近 n 条事件 (按时间升序)
func (s *Service) TradeJournal(n int) ([]models.TradeEvent, error) {
	if s.history == nil || n <= 0 {
		return []models.TradeEvent{}, nil
	}
	events, err := s.history.Journal(n)
	if err != nil {
		return nil, fmt.Errorf("读取成交日志失败: %w", err)
	}
	if events == nil {
		events = []models.TradeEvent{}
	}
	return events, nil
}

// --- 交易循环使用的操作 ---

// InitializeLots 为每个交易对计算最小/最大手数。获取价格或交易规则失败时使用默认手数。
func (s *Service) InitializeLots(ctx context.Context) {
	minLotUSD := s.Globals().MinLotUSD
	for _, symbol := range s.book.Symbols() {
		if ctx.Err() != nil {
			return
		}
		lots := s.computeLots(ctx, symbol, minLotUSD)
		_ = s.book.Update(symbol, func(st *models.AssetState) {
			st.MinLot = lots.MinLot
			st.MaxLot = lots.MaxLot
			st.LotStep = lots.LotStep
			st.TickSize = lots.TickSize
		})
		s.logger.Debug("手数已计算", zap.String("symbol", symbol),
			zap.Float64("min_lot", lots.MinLot), zap.Float64("max_lot", lots.MaxLot), zap.Float64("step", lots.LotStep))
	}
	s.logger.Sugar().Infof("已完成 %d 个交易对的手数计算 (min_lot_usd=%.2f)", len(s.book.Symbols()), minLotUSD)
}

func (s *Service) computeLots(ctx context.Context, symbol string, minLotUSD float64) engine.Lots {
	price, err := s.gateway.GetPrice(ctx, symbol)
	if err != nil || price <= 0 {
		s.logger.Warn("获取价格失败，使用默认手数", zap.String("symbol", symbol), zap.Error(err))
		return engine.FallbackLots
	}
	meta, err := s.gateway.GetLotMetadata(ctx, symbol)
	if err != nil {
		s.logger.Warn("获取交易规则失败，使用默认手数", zap.String("symbol", symbol), zap.Error(err))
		return engine.FallbackLots
	}
	return engine.ComputeLots(price, meta, minLotUSD, s.settings.LotMultiplier, s.settings.DefaultLotStep)
}

// ResizeLotsIfPending 在 min_lot_usd 变更后重新计算手数
func (s *Service) ResizeLotsIfPending(ctx context.Context) {
	if s.lotsPending.CompareAndSwap(true, false) {
		s.InitializeLots(ctx)
	}
}

// RefreshAccount 刷新账户资金快照。失败时保留上一次的快照。
func (s *Service) RefreshAccount(ctx context.Context) error {
	acc, err := s.gateway.GetAccountBalance(ctx)
	if err != nil {
		s.logger.Warn("获取账户余额失败", zap.Error(err))
		return fmt.Errorf("刷新账户失败: %w", err)
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = s.now()
	}
	s.book.SetAccount(acc)
	s.metrics.Account(acc.Equity, acc.AvailableMargin)
	return nil
}

// TradeAsset 对单个交易对执行一次完整的 获取行情 -> 决策 -> 下单/撤单 流程。
// 所有错误 (包括 panic) 都限制在该交易对内。
func (s *Service) TradeAsset(ctx context.Context, symbol string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("处理交易对时发生 panic", zap.String("symbol", symbol),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%s: panic: %v", symbol, r)
			s.book.SetError(symbol, err.Error())
			s.metrics.SymbolError(symbol)
		}
	}()

	cfg, err := s.book.Config(symbol)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}

	price, err := s.gateway.GetPrice(ctx, symbol)
	if err == nil && price <= 0 {
		err = exchange.ErrInvalidPrice
	}
	if err != nil {
		s.book.SetError(symbol, fmt.Sprintf("获取价格失败: %v", err))
		s.metrics.SymbolError(symbol)
		return fmt.Errorf("%s: 获取价格失败: %w", symbol, err)
	}

	pos, err := s.gateway.GetPosition(ctx, symbol)
	if err != nil {
		s.book.SetError(symbol, fmt.Sprintf("获取持仓失败: %v", err))
		s.metrics.SymbolError(symbol)
		return fmt.Errorf("%s: 获取持仓失败: %w", symbol, err)
	}

	state, err := s.book.State(symbol)
	if err != nil {
		return err
	}
	state.ErrorMessage = ""
	next, decision := engine.Evaluate(state, cfg, engine.Snapshot{Price: price, Position: pos}, s.now(), engine.Params{
		Globals:        s.Globals(),
		OrderTTL:       s.settings.OrderTTL,
		ReferenceReset: s.settings.ReferenceReset,
		PricePrecision: s.settings.PricePrecision,
	})
	if err := s.book.SetState(symbol, next); err != nil {
		return err
	}
	s.metrics.Position(symbol, next.Position)
	s.metrics.Decision(symbol, decision.Action.String())

	log := s.logger.With(zap.String("symbol", symbol))
	log.Debug("决策完成", zap.String("action", decision.Action.String()), zap.String("reason", decision.Reason),
		zap.Float64("price", price), zap.Float64("position", next.Position),
		zap.Float64("buy_level", next.BuyLevel), zap.Float64("sell_level", next.SellLevel))

	switch decision.Action {
	case engine.CancelExpired:
		log.Info("订单超时，准备撤单", zap.String("order_id", decision.OrderID))
		return s.orders.Cancel(ctx, symbol, decision.OrderID, "ttl")
	case engine.PlaceBuy, engine.PlaceSell:
		_, err := s.orders.Place(ctx, symbol, decision.Side, decision.Qty, decision.Price)
		if errors.Is(err, orders.ErrOrderConflict) {
			log.Error("重复下单被拒绝，活动订单检查失效", zap.Error(err))
		}
		return err
	}
	return nil
}
