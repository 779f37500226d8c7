package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const bybitCategory = "linear"

// bybitErrorKinds 将 Bybit retCode 映射为通用的哨兵错误
var bybitErrorKinds = map[int64]error{
	10001:  ErrOrderRejected,
	10006:  ErrRateLimited,
	10018:  ErrRateLimited,
	110001: ErrOrderNotFound,
	110003: ErrOrderRejected,
	110004: ErrInsufficientMargin,
	110007: ErrInsufficientMargin,
	110012: ErrInsufficientMargin,
	110017: ErrOrderRejected,
	170131: ErrInsufficientMargin,
}

// BybitExchange 实现了 Exchange 接口，通过 Bybit v5 REST API 交易 USDT 永续合约。
type BybitExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	timeOffset int64
}

// bybitResponse v5 接口的统一响应结构
type bybitResponse struct {
	RetCode int64           `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// NewBybitExchange 创建一个新的 BybitExchange 实例，并与服务器同步时间。
func NewBybitExchange(ctx context.Context, apiKey, secretKey, baseURL string, recvWindowMs int, requestsPerSecond float64, logger *zap.Logger) (*BybitExchange, error) {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	e := &BybitExchange{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		recvWindow: strconv.Itoa(recvWindowMs),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
	}

	if err := e.syncTime(ctx); err != nil {
		return nil, fmt.Errorf("与Bybit服务器同步时间失败: %w", err)
	}
	return e, nil
}

// syncTime 与服务器同步时间，计算时间偏移。
func (e *BybitExchange) syncTime(ctx context.Context) error {
	resp, err := e.doRequest(ctx, http.MethodGet, "/v5/market/time", nil, nil, false)
	if err != nil {
		return err
	}
	e.timeOffset = resp.Time - time.Now().UnixMilli()
	e.logger.Info("与Bybit服务器时间同步完成", zap.Int64("timeOffset (ms)", e.timeOffset))
	return nil
}

// doRequest 是通用的请求处理函数。GET 请求签名 query string，POST 请求签名 JSON body。
func (e *BybitExchange) doRequest(ctx context.Context, method, endpoint string, params url.Values, body map[string]interface{}, signed bool) (*bybitResponse, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := e.baseURL + endpoint
	var payload string
	var reader io.Reader

	if method == http.MethodGet {
		payload = params.Encode()
		if payload != "" {
			fullURL += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed {
		timestamp := strconv.FormatInt(time.Now().UnixMilli()+e.timeOffset, 10)
		req.Header.Set("X-BAPI-API-KEY", e.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", e.recvWindow)
		req.Header.Set("X-BAPI-SIGN", e.sign(timestamp+e.apiKey+e.recvWindow+payload))
	}

	e.logger.Debug("发送请求", zap.String("method", method), zap.String("endpoint", endpoint))
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("执行请求失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
			return nil, &APIError{Venue: "bybit", Code: int64(resp.StatusCode), Msg: string(data), Kind: ErrRateLimited}
		}
		return nil, fmt.Errorf("API请求失败, 状态码: %d, 响应: %s", resp.StatusCode, string(data))
	}

	var envelope bybitResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if envelope.RetCode != 0 {
		return nil, &APIError{Venue: "bybit", Code: envelope.RetCode, Msg: envelope.RetMsg, Kind: bybitErrorKinds[envelope.RetCode]}
	}
	return &envelope, nil
}

// sign 使用 HMAC-SHA256 对请求进行签名。
func (e *BybitExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// --- Exchange 接口实现 ---

// GetPrice 获取指定交易对的最新成交价。
func (e *BybitExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("category", bybitCategory)
	params.Set("symbol", symbol)
	resp, err := e.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false)
	if err != nil {
		return 0, err
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%s: 行情为空: %w", symbol, ErrInvalidPrice)
	}
	price := parseNumber(result.List[0].LastPrice)
	if price <= 0 {
		return 0, fmt.Errorf("%s: 价格 %q: %w", symbol, result.List[0].LastPrice, ErrInvalidPrice)
	}
	return price, nil
}

// GetPosition 获取持仓，空仓方向 (Sell) 的数量取负值。
func (e *BybitExchange) GetPosition(ctx context.Context, symbol string) (models.PositionSnapshot, error) {
	params := url.Values{}
	params.Set("category", bybitCategory)
	params.Set("symbol", symbol)
	resp, err := e.doRequest(ctx, http.MethodGet, "/v5/position/list", params, nil, true)
	if err != nil {
		return models.PositionSnapshot{}, err
	}

	var result struct {
		List []struct {
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return models.PositionSnapshot{}, err
	}
	if len(result.List) == 0 {
		return models.PositionSnapshot{}, nil
	}

	p := result.List[0]
	size := parseNumber(p.Size)
	if p.Side == string(models.Sell) && size > 0 {
		size = -size
	}
	return models.PositionSnapshot{
		Size:          size,
		AvgPrice:      parseNumber(p.AvgPrice),
		UnrealizedPnl: parseNumber(p.UnrealisedPnl),
		Side:          p.Side,
	}, nil
}

// GetAccountBalance 读取统一账户的资金信息。
func (e *BybitExchange) GetAccountBalance(ctx context.Context) (models.AccountSnapshot, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	resp, err := e.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true)
	if err != nil {
		return models.AccountSnapshot{}, err
	}

	var result struct {
		List []struct {
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalEquity           string `json:"totalEquity"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return models.AccountSnapshot{}, err
	}
	if len(result.List) == 0 {
		return models.AccountSnapshot{}, fmt.Errorf("钱包余额为空")
	}

	acc := result.List[0]
	return models.AccountSnapshot{
		Balance:         parseNumber(acc.TotalWalletBalance),
		Equity:          parseNumber(acc.TotalEquity),
		AvailableMargin: parseNumber(acc.TotalAvailableBalance),
		UpdatedAt:       time.Now(),
	}, nil
}

// GetLotMetadata 读取交易对的下单数量规则。
func (e *BybitExchange) GetLotMetadata(ctx context.Context, symbol string) (models.LotMetadata, error) {
	params := url.Values{}
	params.Set("category", bybitCategory)
	params.Set("symbol", symbol)
	resp, err := e.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false)
	if err != nil {
		return models.LotMetadata{}, err
	}

	var result struct {
		List []struct {
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return models.LotMetadata{}, err
	}
	if len(result.List) == 0 {
		return models.LotMetadata{}, fmt.Errorf("%s: 未找到交易规则", symbol)
	}

	info := result.List[0]
	return models.LotMetadata{
		MinOrderQty: parseNumber(info.LotSizeFilter.MinOrderQty),
		QtyStep:     parseNumber(info.LotSizeFilter.QtyStep),
		TickSize:    parseNumber(info.PriceFilter.TickSize),
	}, nil
}

// PlaceLimitOrder 下 GTC 限价单，返回交易所订单ID。
func (e *BybitExchange) PlaceLimitOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   "Limit",
		"qty":         formatNumber(req.Qty),
		"price":       formatNumber(req.Price),
		"timeInForce": "GTC",
		"positionIdx": 0,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}

	resp, err := e.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", fmt.Errorf("%s: 下单响应缺少 orderId: %w", req.Symbol, ErrOrderRejected)
	}
	return result.OrderID, nil
}

// CancelOrder 撤销订单。
func (e *BybitExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": bybitCategory,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	_, err := e.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true)
	return err
}

// parseNumber 解析交易所返回的数字字符串，空字符串视为 0
func parseNumber(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatNumber(v float64) string {
	return decimal.NewFromFloat(v).String()
}
