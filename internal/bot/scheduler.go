package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/metrics"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"go.uber.org/zap"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Intervals 交易循环的等待时间
type Intervals struct {
	InterAsset time.Duration
	Cycle      time.Duration
	Idle       time.Duration
}

// IntervalsFromConfig 从配置文件构造循环间隔
func IntervalsFromConfig(cfg models.TradingConfig) Intervals {
	return Intervals{
		InterAsset: time.Duration(cfg.InterAssetDelayMs) * time.Millisecond,
		Cycle:      time.Duration(cfg.CycleIntervalSec) * time.Second,
		Idle:       time.Duration(cfg.IdleIntervalSec) * time.Second,
	}
}

// Scheduler 单协程交易循环: 运行时逐个处理已启用的交易对，停止时按空闲间隔轮询。
type Scheduler struct {
	svc       *Service
	intervals Intervals
	sleep     SleepFunc
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(svc *Service, intervals Intervals, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		svc:       svc,
		intervals: intervals,
		sleep:     sleepContext,
		metrics:   m,
		logger:    logger,
	}
}

// WithSleep 替换等待函数 (测试使用)
func (s *Scheduler) WithSleep(fn SleepFunc) *Scheduler {
	s.sleep = fn
	return s
}

// Run 循环执行直到 ctx 被取消。循环本身不会因任何交易错误退出。
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Sugar().Infof("交易循环已启动 (资产间隔 %s, 周期 %s, 空闲 %s)",
		s.intervals.InterAsset, s.intervals.Cycle, s.intervals.Idle)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Sugar().Info("交易循环已停止。")
			return err
		}

		if !s.svc.IsTradingActive() {
			if err := s.sleep(ctx, s.intervals.Idle); err != nil {
				s.logger.Sugar().Info("交易循环已停止。")
				return err
			}
			continue
		}

		if err := s.RunPass(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("交易循环出错，等待下一周期重试", zap.Error(err))
		}
		// 遍历中途被停止时按空闲间隔轮询
		if !s.svc.IsTradingActive() {
			continue
		}
		if err := s.sleep(ctx, s.intervals.Cycle); err != nil {
			s.logger.Sugar().Info("交易循环已停止。")
			return err
		}
	}
}

// RunPass 执行一次完整的遍历: 刷新账户，然后按配置顺序处理每个已启用的交易对。
// 单个交易对的失败不会影响其他交易对。
func (s *Scheduler) RunPass(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("交易循环发生 panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("scheduler panic: %v", r)
		}
		s.metrics.CycleDuration(time.Since(start))
	}()

	s.svc.ResizeLotsIfPending(ctx)
	// 账户刷新失败时继续使用上一次的快照
	_ = s.svc.RefreshAccount(ctx)

	for _, symbol := range s.svc.Symbols() {
		if !s.svc.IsTradingActive() {
			s.logger.Info("交易已停止，中断本轮遍历")
			return nil
		}
		cfg, cfgErr := s.svc.book.Config(symbol)
		if cfgErr != nil || !cfg.Enabled {
			continue
		}

		if tradeErr := s.svc.TradeAsset(ctx, symbol); tradeErr != nil {
			s.logger.Warn("交易对处理失败", zap.String("symbol", symbol), zap.Error(tradeErr))
		}
		if sleepErr := s.sleep(ctx, s.intervals.InterAsset); sleepErr != nil {
			return sleepErr
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
