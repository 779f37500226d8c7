package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const qtyEpsilon = 1e-9

// PriceFeed 为模拟盘提供实时价格 (例如不需要密钥的公共行情接口)
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

type paperOrder struct {
	id         string
	seq        int64
	symbol     string
	side       models.Side
	qty        float64
	price      float64
	reduceOnly bool
}

// PaperExchange 实现了 Exchange 接口，在内存中模拟交易所撮合，用于 paper 模式与回测。
// 限价单在价格穿过挂单价时按挂单价成交 (maker)。
type PaperExchange struct {
	mu sync.Mutex

	InitialBalance float64
	Cash           float64 // 钱包余额，已实现盈亏与手续费直接计入
	MakerFeeRate   float64
	TotalFees      float64
	CurrentTime    time.Time

	prices        map[string]float64
	positions     map[string]float64
	avgEntryPrice map[string]float64
	orders        map[string]*paperOrder
	nextSeq       int64
	lotStep       float64

	TradeLog    []models.CompletedTrade
	EquityCurve []float64

	feed   PriceFeed
	logger *zap.Logger
}

// NewPaperExchange 创建一个新的模拟交易所。feed 为 nil 时价格只能通过 SetPrice/SetCandle 注入。
func NewPaperExchange(cfg models.PaperConfig, feed PriceFeed, logger *zap.Logger) *PaperExchange {
	lotStep := cfg.LotStep
	if lotStep <= 0 {
		lotStep = 0.1
	}
	return &PaperExchange{
		InitialBalance: cfg.InitialBalance,
		Cash:           cfg.InitialBalance,
		MakerFeeRate:   cfg.MakerFeeRate,
		prices:         make(map[string]float64),
		positions:      make(map[string]float64),
		avgEntryPrice:  make(map[string]float64),
		orders:         make(map[string]*paperOrder),
		lotStep:        lotStep,
		EquityCurve:    make([]float64, 0, 1024),
		feed:           feed,
		logger:         logger,
	}
}

// Now 返回模拟时钟，回测时作为交易服务的时钟使用
func (e *PaperExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.CurrentTime
}

// SetPrice 更新价格并触发挂单成交检查。
func (e *PaperExchange) SetPrice(symbol string, price float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CurrentTime = timestamp
	e.matchOrdersAt(symbol, price)
	e.prices[symbol] = price
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())
}

// SetCandle 按 O->L->H->C 的路径模拟K线内部的价格变动
func (e *PaperExchange) SetCandle(symbol string, k models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.CurrentTime = time.UnixMilli(k.OpenTime)
	for _, p := range []float64{k.Open, k.Low, k.High, k.Close} {
		e.matchOrdersAt(symbol, p)
	}
	e.prices[symbol] = k.Close
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())
}

// matchOrdersAt 按下单顺序检查该价格点可以成交的挂单。必须在持有锁的情况下调用。
func (e *PaperExchange) matchOrdersAt(symbol string, price float64) {
	var pending []*paperOrder
	for _, o := range e.orders {
		if o.symbol == symbol {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	for _, o := range pending {
		if (o.side == models.Buy && price <= o.price) || (o.side == models.Sell && price >= o.price) {
			e.fill(o)
			delete(e.orders, o.id)
		}
	}
}

// fill 处理一个已成交的订单，更新仓位、均价和现金。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(o *paperOrder) {
	pos := e.positions[o.symbol]
	avg := e.avgEntryPrice[o.symbol]
	signed := o.qty
	if o.side == models.Sell {
		signed = -o.qty
	}
	increasing := math.Abs(pos) < qtyEpsilon || (pos > 0) == (signed > 0)
	if increasing && o.reduceOnly {
		e.logger.Warn("reduce-only 订单没有可减少的仓位，忽略成交", zap.String("symbol", o.symbol), zap.String("orderId", o.id))
		return
	}

	fee := o.price * o.qty * e.MakerFeeRate
	e.TotalFees += fee
	e.Cash -= fee

	// 同向开仓或加仓
	if increasing {
		newQty := math.Abs(pos) + o.qty
		e.avgEntryPrice[o.symbol] = (avg*math.Abs(pos) + o.price*o.qty) / newQty
		e.positions[o.symbol] = pos + signed
		return
	}

	// 反向成交: 先平仓，剩余部分 (非 reduce-only 时) 反向开仓
	closeQty := math.Min(o.qty, math.Abs(pos))
	direction := 1.0
	if pos < 0 {
		direction = -1.0
	}
	realized := (o.price - avg) * closeQty * direction
	e.Cash += realized
	e.TradeLog = append(e.TradeLog, models.CompletedTrade{
		Symbol:     o.symbol,
		Quantity:   closeQty,
		EntryPrice: avg,
		ExitPrice:  o.price,
		Profit:     realized - fee,
		Fee:        fee,
	})

	remaining := pos - direction*closeQty
	if math.Abs(remaining) < qtyEpsilon {
		remaining = 0
	}
	openQty := o.qty - closeQty
	switch {
	case remaining != 0:
		e.positions[o.symbol] = remaining
	case openQty > qtyEpsilon && !o.reduceOnly:
		e.positions[o.symbol] = -direction * openQty
		e.avgEntryPrice[o.symbol] = o.price
	default:
		e.positions[o.symbol] = 0
		e.avgEntryPrice[o.symbol] = 0
	}
}

// unrealizedLocked 所有持仓的未实现盈亏。必须在持有锁的情况下调用。
func (e *PaperExchange) unrealizedLocked() float64 {
	total := 0.0
	for symbol, pos := range e.positions {
		if pos == 0 {
			continue
		}
		total += (e.prices[symbol] - e.avgEntryPrice[symbol]) * pos
	}
	return total
}

func (e *PaperExchange) equityLocked() float64 {
	return e.Cash + e.unrealizedLocked()
}

// marginInUseLocked 按 1 倍杠杆计算占用的保证金 (持仓 + 挂单)
func (e *PaperExchange) marginInUseLocked() float64 {
	used := 0.0
	for symbol, pos := range e.positions {
		used += math.Abs(pos) * e.avgEntryPrice[symbol]
	}
	for _, o := range e.orders {
		if !o.reduceOnly {
			used += o.qty * o.price
		}
	}
	return used
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if e.feed != nil {
		price, err := e.feed.GetPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		e.SetPrice(symbol, price, time.Now())
		return price, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("%s: 没有可用的模拟价格: %w", symbol, ErrInvalidPrice)
	}
	return price, nil
}

func (e *PaperExchange) GetPosition(_ context.Context, symbol string) (models.PositionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions[symbol]
	if pos == 0 {
		return models.PositionSnapshot{}, nil
	}
	side := string(models.Buy)
	if pos < 0 {
		side = string(models.Sell)
	}
	avg := e.avgEntryPrice[symbol]
	return models.PositionSnapshot{
		Size:          pos,
		AvgPrice:      avg,
		UnrealizedPnl: (e.prices[symbol] - avg) * pos,
		Side:          side,
	}, nil
}

func (e *PaperExchange) GetAccountBalance(_ context.Context) (models.AccountSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	equity := e.equityLocked()
	return models.AccountSnapshot{
		Balance:         e.Cash,
		Equity:          equity,
		AvailableMargin: equity - e.marginInUseLocked(),
		UpdatedAt:       e.CurrentTime,
	}, nil
}

func (e *PaperExchange) GetLotMetadata(_ context.Context, _ string) (models.LotMetadata, error) {
	return models.LotMetadata{MinOrderQty: e.lotStep, QtyStep: e.lotStep}, nil
}

func (e *PaperExchange) PlaceLimitOrder(_ context.Context, req OrderRequest) (string, error) {
	if req.Qty <= 0 || req.Price <= 0 {
		return "", fmt.Errorf("%s: qty=%v price=%v: %w", req.Symbol, req.Qty, req.Price, ErrOrderRejected)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !req.ReduceOnly {
		available := e.equityLocked() - e.marginInUseLocked()
		if req.Qty*req.Price > available {
			return "", fmt.Errorf("%s: 需要 %.4f, 可用 %.4f: %w", req.Symbol, req.Qty*req.Price, available, ErrInsufficientMargin)
		}
	}

	e.nextSeq++
	o := &paperOrder{
		id:         uuid.NewString(),
		seq:        e.nextSeq,
		symbol:     req.Symbol,
		side:       req.Side,
		qty:        req.Qty,
		price:      req.Price,
		reduceOnly: req.ReduceOnly,
	}
	e.orders[o.id] = o
	e.logger.Debug("模拟挂单", zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty), zap.Float64("price", req.Price), zap.String("orderId", o.id))
	return o.id, nil
}

func (e *PaperExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.symbol != symbol {
		return fmt.Errorf("%s/%s: %w", symbol, orderID, ErrOrderNotFound)
	}
	delete(e.orders, orderID)
	return nil
}

// OpenOrders 返回某个交易对当前的挂单数量
func (e *PaperExchange) OpenOrders(symbol string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.symbol == symbol {
			n++
		}
	}
	return n
}

// PaperSummary 回测报告使用的账户快照
type PaperSummary struct {
	InitialBalance float64
	Cash           float64
	Equity         float64
	TotalFees      float64
	Positions      map[string]float64
	Prices         map[string]float64
	TradeLog       []models.CompletedTrade
	EquityCurve    []float64
}

// Summary 返回模拟账户的一致性快照
func (e *PaperExchange) Summary() PaperSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := PaperSummary{
		InitialBalance: e.InitialBalance,
		Cash:           e.Cash,
		Equity:         e.equityLocked(),
		TotalFees:      e.TotalFees,
		Positions:      make(map[string]float64, len(e.positions)),
		Prices:         make(map[string]float64, len(e.prices)),
		TradeLog:       append([]models.CompletedTrade(nil), e.TradeLog...),
		EquityCurve:    append([]float64(nil), e.EquityCurve...),
	}
	for k, v := range e.positions {
		s.Positions[k] = v
	}
	for k, v := range e.prices {
		s.Prices[k] = v
	}
	return s
}
