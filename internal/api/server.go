// Package api exposes the administrative and status HTTP surface of the trading service.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/bot"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Controller is the part of the trading service the API drives.
type Controller interface {
	GetStatus() models.Status
	Start()
	Stop()
	UpdateGlobalConfig(u models.GlobalConfigUpdate) error
	UpdateAssetConfig(symbol string, u models.AssetConfigUpdate) error
	TradeJournal(n int) ([]models.TradeEvent, error)
}

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

// Response 所有写操作的统一返回格式
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type globalConfigRequest struct {
	Password string `json:"password"`
	models.GlobalConfigUpdate
}

type assetConfigRequest struct {
	Password string `json:"password"`
	Symbol   string `json:"symbol"`
	models.AssetConfigUpdate
}

// Server 管理接口: REST + /ws 状态推送 + /metrics
type Server struct {
	ctrl         Controller
	password     string
	pushInterval time.Duration
	metrics      http.Handler
	hub          *Hub
	upgrader     websocket.Upgrader
	logger       *zap.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates the API server. metricsHandler may be nil.
func NewServer(ctrl Controller, password string, pushInterval time.Duration, metricsHandler http.Handler, logger *zap.Logger) *Server {
	if pushInterval <= 0 {
		pushInterval = 5 * time.Second
	}
	return &Server{
		ctrl:         ctrl,
		password:     password,
		pushInterval: pushInterval,
		metrics:      metricsHandler,
		hub:          NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handler 返回路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.post(s.handleStart))
	mux.HandleFunc("/api/stop", s.post(s.handleStop))
	mux.HandleFunc("/api/config", s.post(s.handleConfig))
	mux.HandleFunc("/api/asset-config", s.post(s.handleAssetConfig))
	mux.HandleFunc("/api/check-password", s.post(s.handleCheckPassword))
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start 启动 HTTP 服务和状态推送，阻塞直到 ctx 被取消或服务出错。
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("管理接口已启动", zap.String("addr", addr))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-errChan:
			return err
		case <-ticker.C:
			if s.hub.Len() > 0 {
				s.hub.Broadcast(s.ctrl.GetStatus())
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.Stop(shutdownCtx)
		}
	}
}

// Stop 优雅关闭服务并断开所有 WebSocket 客户端
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.CloseAll()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	s.logger.Info("管理接口已关闭")
	return err
}

// post 只允许 POST 请求
func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Message: "仅支持 POST"})
			return
		}
		h(w, r)
	}
}

func (s *Server) checkPassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
}

// decode 解析请求体并校验密码，失败时已写入响应
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}, password func() string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "请求格式错误: " + err.Error()})
		return false
	}
	if !s.checkPassword(password()) {
		s.logger.Warn("管理接口密码错误", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Message: "密码错误"})
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Message: "仅支持 GET"})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.GetStatus())
}

// handleTrades 返回成交日志中最近的事件，n 默认 50，最大 1000
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, Response{Success: false, Message: "仅支持 GET"})
		return
	}
	n := defaultTradeLimit
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "n 必须是正整数"})
			return
		}
		n = v
	}
	if n > maxTradeLimit {
		n = maxTradeLimit
	}
	events, err := s.ctrl.TradeJournal(n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.decode(w, r, &req, func() string { return req.Password }) {
		return
	}
	s.ctrl.Start()
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "交易已启动"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.decode(w, r, &req, func() string { return req.Password }) {
		return
	}
	s.ctrl.Stop()
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "交易已停止"})
}

func (s *Server) handleCheckPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if !s.decode(w, r, &req, func() string { return req.Password }) {
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req globalConfigRequest
	if !s.decode(w, r, &req, func() string { return req.Password }) {
		return
	}
	if err := s.ctrl.UpdateGlobalConfig(req.GlobalConfigUpdate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "配置已更新"})
}

func (s *Server) handleAssetConfig(w http.ResponseWriter, r *http.Request) {
	var req assetConfigRequest
	if !s.decode(w, r, &req, func() string { return req.Password }) {
		return
	}
	if req.Symbol == "" {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "缺少 symbol"})
		return
	}
	if err := s.ctrl.UpdateAssetConfig(req.Symbol, req.AssetConfigUpdate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: req.Symbol + " 配置已更新"})
}

// handleWebSocket 连接建立后立即推送一次状态，之后由 Start 中的定时器广播
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.ctrl.GetStatus()); err != nil {
		conn.Close()
		return
	}
	s.hub.add(conn)

	// 读循环只用于感知客户端断开
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeError(w http.ResponseWriter, err error) {
	var verr *bot.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: verr.Error()})
	case errors.Is(err, bot.ErrUnknownSymbol):
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, Response{Success: false, Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
