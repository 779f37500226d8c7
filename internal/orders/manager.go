// Package orders enforces the one-working-order-per-symbol rule around the exchange gateway.
package orders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/metrics"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/statemanager"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// ErrOrderConflict is matched by errors.Is on a *ConflictError.
var ErrOrderConflict = errors.New("order already active")

// ConflictError 该交易对已存在活动订单
type ConflictError struct {
	Symbol  string
	OrderID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: 已存在活动订单 %s", e.Symbol, e.OrderID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrOrderConflict
}

// StateStore is the slice of the asset book the manager writes to.
type StateStore interface {
	ActiveOrder(symbol string) (*models.ActiveOrder, error)
	SetActiveOrder(symbol string, order *models.ActiveOrder)
	SetError(symbol, msg string)
	Position(symbol string) float64
}

// Manager places and cancels limit orders on behalf of the trading loop.
type Manager struct {
	gateway  exchange.Exchange
	store    StateStore
	recorder statemanager.TradeRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
	prefix   string
	logger   *zap.SugaredLogger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, used by paper and backtest runs.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithClientIDPrefix sets the prefix of generated client order ids.
func WithClientIDPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// NewManager wires a manager. recorder and m may be nil.
func NewManager(gateway exchange.Exchange, store StateStore, recorder statemanager.TradeRecorder, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Manager {
	mgr := &Manager{
		gateway:  gateway,
		store:    store,
		recorder: recorder,
		metrics:  m,
		now:      time.Now,
		prefix:   "tac",
		logger:   logger.Sugar(),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Place submits a limit order unless the symbol already has one working.
// reduceOnly is derived from the signed position held in the store.
func (m *Manager) Place(ctx context.Context, symbol string, side models.Side, qty, price float64) (models.ActiveOrder, error) {
	current, err := m.store.ActiveOrder(symbol)
	if err != nil {
		return models.ActiveOrder{}, err
	}
	if current != nil {
		return models.ActiveOrder{}, &ConflictError{Symbol: symbol, OrderID: current.ID}
	}

	pos := m.store.Position(symbol)
	req := exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		Price:         price,
		ReduceOnly:    (side == models.Sell && pos > 0) || (side == models.Buy && pos < 0),
		ClientOrderID: m.newClientID(),
	}

	orderID, err := m.gateway.PlaceLimitOrder(ctx, req)
	if err != nil {
		msg := fmt.Sprintf("下单失败: %v", err)
		m.store.SetError(symbol, msg)
		m.metrics.OrderFailed(symbol, string(side))
		m.record(models.TradeEvent{Symbol: symbol, Kind: models.TradeFailed, Side: side, Qty: qty, Price: price, Message: err.Error()})
		m.logger.Warnf("[%s] 下 %s 单失败，价格 %.4f 数量 %.4f: %v", symbol, side, price, qty, err)
		return models.ActiveOrder{}, err
	}

	order := models.ActiveOrder{
		ID:       orderID,
		ClientID: req.ClientOrderID,
		Side:     side,
		Qty:      qty,
		Price:    price,
		PlacedAt: m.now(),
	}
	m.store.SetActiveOrder(symbol, &order)
	m.store.SetError(symbol, "")
	m.metrics.OrderPlaced(symbol, string(side))
	m.record(models.TradeEvent{Symbol: symbol, Kind: models.TradePlaced, Side: side, Qty: qty, Price: price, OrderID: orderID, Time: order.PlacedAt})
	m.logger.Infof("[%s] 成功下 %s 单: ID %s, 价格 %.4f, 数量 %.4f, reduceOnly=%t", symbol, side, orderID, price, qty, req.ReduceOnly)
	return order, nil
}

// Cancel removes the symbol's working order. An order the exchange no longer
// knows is treated as gone. Other failures keep the slot so the next cycle retries.
func (m *Manager) Cancel(ctx context.Context, symbol, orderID, reason string) error {
	current, err := m.store.ActiveOrder(symbol)
	if err != nil {
		return err
	}
	var side models.Side
	var qty, price float64
	if current != nil {
		side, qty, price = current.Side, current.Qty, current.Price
	}

	err = m.gateway.CancelOrder(ctx, symbol, orderID)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		m.store.SetError(symbol, fmt.Sprintf("撤单失败: %v", err))
		m.logger.Warnf("[%s] 取消订单 %s 失败: %v", symbol, orderID, err)
		return err
	}
	if err != nil {
		m.logger.Infof("[%s] 订单 %s 在交易所已不存在，清除本地记录", symbol, orderID)
	}

	m.store.SetActiveOrder(symbol, nil)
	kind := models.TradeCancelled
	if reason == "ttl" {
		kind = models.TradeExpired
	}
	m.metrics.OrderCancelled(symbol, reason)
	m.record(models.TradeEvent{Symbol: symbol, Kind: kind, Side: side, Qty: qty, Price: price, OrderID: orderID, Message: reason, Time: m.now()})
	m.logger.Infof("[%s] 已取消订单 %s (%s)", symbol, orderID, reason)
	return nil
}

func (m *Manager) record(ev models.TradeEvent) {
	if m.recorder == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.recorder.Record(ev)
}

// newClientID returns prefix-<base62 of 12 random bytes>, well inside Bybit's 36 character limit.
func (m *Manager) newClientID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", m.prefix, m.now().UnixNano())
	}
	return m.prefix + "-" + base62.EncodeToString(buf)
}
