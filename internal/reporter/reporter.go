package reporter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/logger"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	TotalFees        float64
	EndingCash       float64
	EndingAssetValue float64 // 期末持仓市值 (带方向)
	Symbols          []string
	StartTime        time.Time
	EndTime          time.Time
}

// GenerateReport 根据模拟交易所的最终状态计算性能指标，并以表格形式输出到日志
func GenerateReport(summary exchange.PaperSummary, dataPath string, startTime, endTime time.Time) *Metrics {
	m := calculateMetrics(summary)
	m.StartTime = startTime
	m.EndTime = endTime
	logger.S().Info("\n" + RenderReport(m, dataPath))
	return m
}

// RenderReport 将回测指标渲染为表格
func RenderReport(m *Metrics, dataPath string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", fmt.Sprint(m.Symbols)},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终资金", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总平仓次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"期末现金", fmt.Sprintf("%.2f USDT", m.EndingCash)},
		{"期末持仓市值", fmt.Sprintf("%.2f USDT", m.EndingAssetValue)},
	})
	return t.Render()
}

func calculateMetrics(s exchange.PaperSummary) *Metrics {
	m := &Metrics{
		InitialBalance: s.InitialBalance,
		TotalTrades:    len(s.TradeLog),
		TotalFees:      s.TotalFees,
		EndingCash:     s.Cash,
	}

	var totalProfit, totalLoss float64
	for _, trade := range s.TradeLog {
		if trade.Profit > 0 {
			m.WinningTrades++
			totalProfit += trade.Profit
		} else {
			m.LosingTrades++
			totalLoss += trade.Profit
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	// 期末资产按收盘价计算未实现盈亏
	for symbol, qty := range s.Positions {
		m.Symbols = append(m.Symbols, symbol)
		m.EndingAssetValue += qty * s.Prices[symbol]
	}
	sort.Strings(m.Symbols)
	m.FinalBalance = s.Equity

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(s.EquityCurve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderStatus 将服务状态渲染为表格，供定时状态日志使用
func RenderStatus(status models.Status) string {
	state := "已停止"
	if status.TradingActive {
		state = "运行中"
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("%s | %s | 权益 %.2f | 可用 %.2f | 买 %.1f%% 卖 %.1f%% 偏移 %.2f%% 最小 %.2f USD",
		status.Timestamp.Format("2006-01-02 15:04:05"), state, status.Account.Equity, status.Account.AvailableMargin,
		status.Globals.BuyPercent, status.Globals.SellPercent, status.Globals.PriceOffsetPercent, status.Globals.MinLotUSD)
	t.AppendHeader(table.Row{"交易对", "启用", "价格", "持仓", "均价", "买入线", "卖出线", "盈亏", "挂单", "错误"})
	for _, a := range status.Assets {
		enabled := "否"
		if a.Enabled {
			enabled = "是"
		}
		order := "-"
		if a.ActiveOrder != nil {
			order = fmt.Sprintf("%s %.4g@%.6g", a.ActiveOrder.Side, a.ActiveOrder.Qty, a.ActiveOrder.Price)
		}
		t.AppendRow(table.Row{
			a.Symbol, enabled, a.LastPrice, a.Position, a.AvgPrice,
			a.BuyPriceLevel, a.SellPriceLevel, a.UnrealizedPnl, order, text.Trim(a.ErrorMessage, 40),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	return t.Render()
}
