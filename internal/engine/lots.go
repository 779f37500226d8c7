package engine

import (
	"math"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
)

// Lots 是一次手数计算的结果
type Lots struct {
	MinLot   float64
	MaxLot   float64
	LotStep  float64
	TickSize float64
}

// FallbackLots 在无法获取交易规则时使用
var FallbackLots = Lots{MinLot: 0.1, MaxLot: 0.3, LotStep: 0.1}

// ComputeLots 计算最小/最大下单手数。
// 最小手数 = max(minLotUSD / price, 交易所最小下单量)，按步长取整；最大手数 = 最小手数 * multiplier。
func ComputeLots(price float64, meta models.LotMetadata, minLotUSD, multiplier, defaultStep float64) Lots {
	step := meta.QtyStep
	if step <= 0 {
		step = meta.MinOrderQty
	}
	if step <= 0 {
		step = defaultStep
	}
	floor := math.Max(meta.MinOrderQty, step)
	if price <= 0 {
		price = 1.0
	}

	minLot := RoundToStep(math.Max(minLotUSD/price, floor), step)
	if minLot < floor {
		minLot = CeilToStep(floor, step)
	}
	return Lots{
		MinLot:   minLot,
		MaxLot:   RoundToStep(minLot*multiplier, step),
		LotStep:  step,
		TickSize: meta.TickSize,
	}
}
