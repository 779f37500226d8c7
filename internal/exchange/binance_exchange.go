package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// binanceErrorKinds 将币安错误码映射为通用的哨兵错误
var binanceErrorKinds = map[int64]error{
	-1003: ErrRateLimited,
	-1015: ErrRateLimited,
	-2010: ErrOrderRejected,
	-2011: ErrOrderNotFound,
	-2013: ErrOrderNotFound,
	-2019: ErrInsufficientMargin,
	-4164: ErrOrderRejected,
}

// BinanceExchange 通过 go-binance 的 USDT-M 合约客户端实现 Exchange 接口。
type BinanceExchange struct {
	client  *futures.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewBinanceExchange 创建币安合约网关。testnet 为 true 时连接测试网。
func NewBinanceExchange(apiKey, secretKey string, testnet bool, requestsPerSecond float64, logger *zap.Logger) *BinanceExchange {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	futures.UseTestnet = testnet
	return &BinanceExchange{
		client:  futures.NewClient(apiKey, secretKey),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  logger,
	}
}

// wrapError 把 go-binance 的 APIError 转换为带哨兵错误的 APIError
func (e *BinanceExchange) wrapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		e.logger.Warn("币安接口返回错误", zap.Int64("code", apiErr.Code), zap.String("msg", apiErr.Message))
		return &APIError{Venue: "binance", Code: apiErr.Code, Msg: apiErr.Message, Kind: binanceErrorKinds[apiErr.Code]}
	}
	return err
}

func (e *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, e.wrapError(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%s: 行情为空: %w", symbol, ErrInvalidPrice)
	}
	price := parseNumber(prices[0].Price)
	if price <= 0 {
		return 0, fmt.Errorf("%s: 价格 %q: %w", symbol, prices[0].Price, ErrInvalidPrice)
	}
	return price, nil
}

// GetPosition 单向持仓模式下 positionAmt 已带符号。
func (e *BinanceExchange) GetPosition(ctx context.Context, symbol string) (models.PositionSnapshot, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return models.PositionSnapshot{}, err
	}
	risks, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.PositionSnapshot{}, e.wrapError(err)
	}

	var snap models.PositionSnapshot
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		amt := parseNumber(r.PositionAmt)
		if amt == 0 {
			continue
		}
		snap.Size = amt
		snap.AvgPrice = parseNumber(r.EntryPrice)
		snap.UnrealizedPnl = parseNumber(r.UnRealizedProfit)
		snap.Side = string(models.Buy)
		if amt < 0 {
			snap.Side = string(models.Sell)
		}
		break
	}
	return snap, nil
}

func (e *BinanceExchange) GetAccountBalance(ctx context.Context) (models.AccountSnapshot, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return models.AccountSnapshot{}, err
	}
	acc, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.AccountSnapshot{}, e.wrapError(err)
	}
	return models.AccountSnapshot{
		Balance:         parseNumber(acc.TotalWalletBalance),
		Equity:          parseNumber(acc.TotalMarginBalance),
		AvailableMargin: parseNumber(acc.AvailableBalance),
		UpdatedAt:       time.Now(),
	}, nil
}

func (e *BinanceExchange) GetLotMetadata(ctx context.Context, symbol string) (models.LotMetadata, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return models.LotMetadata{}, err
	}
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.LotMetadata{}, e.wrapError(err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		meta := models.LotMetadata{}
		if lot := s.LotSizeFilter(); lot != nil {
			meta.MinOrderQty = parseNumber(lot.MinQuantity)
			meta.QtyStep = parseNumber(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			meta.TickSize = parseNumber(pf.TickSize)
		}
		return meta, nil
	}
	return models.LotMetadata{}, fmt.Errorf("%s: 未找到交易规则", symbol)
}

func (e *BinanceExchange) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	side := futures.SideTypeBuy
	if req.Side == models.Sell {
		side = futures.SideTypeSell
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(formatNumber(req.Qty)).
		Price(formatNumber(req.Price)).
		ReduceOnly(req.ReduceOnly)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return "", e.wrapError(err)
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

func (e *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的订单ID %q: %w", orderID, err)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return e.wrapError(err)
}
