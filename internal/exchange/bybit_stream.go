package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultBybitStreamURL = "wss://stream.bybit.com/v5/public/linear"

	streamPongWait     = 60 * time.Second
	streamPingPeriod   = 20 * time.Second
	streamRetryDelay   = 5 * time.Second
	streamMaxPriceAge  = 2 * time.Minute
	streamSubscribeMax = 10 // Bybit 单条订阅消息的 args 上限
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// TickerStream 通过 Bybit 公共 WebSocket 订阅 tickers 频道，缓存最新成交价。
// 缓存缺失或过期时回退到 fallback (通常是 REST 接口)。
type TickerStream struct {
	url      string
	symbols  []string
	fallback PriceFeed
	logger   *zap.Logger

	mu     sync.RWMutex
	prices map[string]cachedPrice
}

// NewTickerStream 创建一个价格流。fallback 可以为 nil。
func NewTickerStream(url string, symbols []string, fallback PriceFeed, logger *zap.Logger) *TickerStream {
	if url == "" {
		url = DefaultBybitStreamURL
	}
	return &TickerStream{
		url:      url,
		symbols:  append([]string(nil), symbols...),
		fallback: fallback,
		logger:   logger,
		prices:   make(map[string]cachedPrice, len(symbols)),
	}
}

// GetPrice 实现 PriceFeed
func (s *TickerStream) GetPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	c, ok := s.prices[symbol]
	s.mu.RUnlock()
	if ok && time.Since(c.at) < streamMaxPriceAge {
		return c.price, nil
	}
	if s.fallback != nil {
		return s.fallback.GetPrice(ctx, symbol)
	}
	return 0, fmt.Errorf("%s: 暂无行情推送: %w", symbol, ErrInvalidPrice)
}

// Run 维持 WebSocket 连接，断开后自动重连，直到 ctx 被取消。
func (s *TickerStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("行情 WebSocket 循环已停止。")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("行情 WebSocket 连接失败，5秒后重试", zap.Error(err))
		} else {
			s.logger.Info("行情 WebSocket 连接成功。", zap.Int("symbols", len(s.symbols)))
			if err := s.handle(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("行情 WebSocket 处理时发生错误", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
		case <-time.After(streamRetryDelay):
		}
	}
}

// handle 订阅所有交易对并读取消息，直到连接断开。
func (s *TickerStream) handle(ctx context.Context, conn *websocket.Conn) error {
	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	for i := 0; i < len(s.symbols); i += streamSubscribeMax {
		end := i + streamSubscribeMax
		if end > len(s.symbols) {
			end = len(s.symbols)
		}
		args := make([]string, 0, end-i)
		for _, symbol := range s.symbols[i:end] {
			args = append(args, "tickers."+symbol)
		}
		if err := write(map[string]interface{}{"op": "subscribe", "args": args}); err != nil {
			return fmt.Errorf("订阅失败: %w", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(streamPongWait))

	// Bybit 使用应用层心跳 {"op":"ping"}
	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := write(map[string]string{"op": "ping"}); err != nil {
					s.logger.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-pingStop:
				return
			case <-ctx.Done():
				writeMu.Lock()
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				writeMu.Unlock()
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		s.handleMessage(message)
	}
}

func (s *TickerStream) handleMessage(message []byte) {
	var msg struct {
		Topic   string `json:"topic"`
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Data    struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("解析行情消息失败", zap.Error(err))
		return
	}
	if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
		s.logger.Warn("行情订阅被拒绝", zap.String("ret_msg", msg.RetMsg))
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
		return
	}
	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	price := parseNumber(msg.Data.LastPrice)
	if price <= 0 {
		return
	}

	s.mu.Lock()
	s.prices[symbol] = cachedPrice{price: price, at: time.Now()}
	s.mu.Unlock()
}
