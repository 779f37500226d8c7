package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 实盘 (Bybit/Binance) 与模拟盘 (paper/backtest) 都通过该接口接入交易服务。
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetPosition(ctx context.Context, symbol string) (models.PositionSnapshot, error)
	GetAccountBalance(ctx context.Context) (models.AccountSnapshot, error)
	GetLotMetadata(ctx context.Context, symbol string) (models.LotMetadata, error)
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// OrderRequest 限价单请求，数量与价格在调用前已按交易规则取整
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Qty           float64
	Price         float64
	ReduceOnly    bool
	ClientOrderID string
}

var (
	// ErrOrderNotFound 交易所已不存在该订单 (已成交、已撤销或过期)
	ErrOrderNotFound      = errors.New("order not found")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrRateLimited        = errors.New("rate limited")
	ErrOrderRejected      = errors.New("order rejected")
	ErrInvalidPrice       = errors.New("invalid price")
)

// APIError 保留交易所原始错误码，并通过 Unwrap 暴露对应的哨兵错误
type APIError struct {
	Venue string
	Code  int64
	Msg   string
	Kind  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: code=%d, msg=%s", e.Venue, e.Code, e.Msg)
}

func (e *APIError) Unwrap() error {
	return e.Kind
}
