// Package engine holds the per-asset trading decision logic. Evaluate has no side
// effects: it returns the next asset state and at most one intent for the caller to enact.
package engine

import (
	"math"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
)

// Action is the kind of intent produced by one evaluation.
type Action int

const (
	NoAction Action = iota
	CancelExpired
	PlaceBuy
	PlaceSell
)

func (a Action) String() string {
	switch a {
	case CancelExpired:
		return "cancel"
	case PlaceBuy:
		return "buy"
	case PlaceSell:
		return "sell"
	default:
		return "none"
	}
}

// Decision is the single intent for one asset in one cycle.
type Decision struct {
	Action  Action
	Side    models.Side
	Qty     float64
	Price   float64
	OrderID string // set for CancelExpired
	Reason  string
}

// Snapshot is the fresh market data fetched for one evaluation.
type Snapshot struct {
	Price    float64
	Position models.PositionSnapshot
}

// Params are the process-wide settings that apply to every asset.
type Params struct {
	Globals        models.GlobalConfig
	OrderTTL       time.Duration
	ReferenceReset time.Duration
	PricePrecision int32
}

// Evaluate applies one cycle of the threshold strategy to a single asset.
func Evaluate(state models.AssetState, cfg models.AssetConfig, snap Snapshot, now time.Time, p Params) (models.AssetState, Decision) {
	next := state.Clone()
	next.LastPrice = snap.Price
	next.Position = snap.Position.Size
	next.AvgEntryPrice = snap.Position.AvgPrice
	next.UnrealizedPnl = snap.Position.UnrealizedPnl
	next.PositionSide = snap.Position.Side
	next.LastUpdate = now

	if next.ReferencePrice == 0 {
		next.ReferencePrice = next.LastPrice
	}
	if next.LastReferenceUpdate.IsZero() {
		next.LastReferenceUpdate = now
	}

	next.BuyLevel = BuyLevel(next.ReferencePrice, cfg.KPercent)
	next.SellLevel = SellLevel(next.AvgEntryPrice, cfg.NPercent)

	// Levels keep the pre-reset reference; a reset shows up in the next cycle's levels.
	if p.ReferenceReset > 0 && now.Sub(next.LastReferenceUpdate) > p.ReferenceReset {
		next.ReferencePrice = next.LastPrice
		next.LastReferenceUpdate = now
	}

	if order := next.ActiveOrder; order != nil {
		if p.OrderTTL > 0 && now.Sub(order.PlacedAt) > p.OrderTTL {
			return next, Decision{Action: CancelExpired, OrderID: order.ID, Side: order.Side, Qty: order.Qty, Price: order.Price, Reason: "order ttl expired"}
		}
		return next, Decision{Action: NoAction, Reason: "order working"}
	}

	price := next.LastPrice
	pos := next.Position
	absPos := math.Abs(pos)
	avg := next.AvgEntryPrice
	g := p.Globals

	buySignal := (pos <= 0 || (avg > 0 && price < avg*(1-cfg.KPercent/100))) && price < next.BuyLevel
	if buySignal && absPos <= cfg.MaxPosition-next.MinLot {
		qty := RoundQty(math.Max(absPos*g.BuyPercent/100, next.MinLot), next.LotStep)
		limit := RoundPrice(price*(1-g.PriceOffsetPercent/100), next.TickSize, p.PricePrecision)
		return next, Decision{Action: PlaceBuy, Side: models.Buy, Qty: qty, Price: limit, Reason: "price below buy level"}
	}

	sellSignal := pos > 0 && avg > 0 && price > next.SellLevel
	if sellSignal && absPos >= next.MinLot {
		qty := SellQty(absPos, g.SellPercent, next.MinLot, next.LotStep)
		limit := RoundPrice(price*(1+g.PriceOffsetPercent/100), next.TickSize, p.PricePrecision)
		return next, Decision{Action: PlaceSell, Side: models.Sell, Qty: qty, Price: limit, Reason: "price above sell level"}
	}

	if buySignal {
		return next, Decision{Action: NoAction, Reason: "max position reached"}
	}
	return next, Decision{Action: NoAction, Reason: "no signal"}
}

// BuyLevel is reference * (1 - k/100).
func BuyLevel(reference, kPercent float64) float64 {
	return reference * (1 - kPercent/100)
}

// SellLevel is avg * (1 + n/100), or 0 while flat.
func SellLevel(avgEntry, nPercent float64) float64 {
	if avgEntry <= 0 {
		return 0
	}
	return avgEntry * (1 + nPercent/100)
}

// SellQty sizes a reduction of a long position. The remainder left after the sell
// is either zero or at least minLot.
func SellQty(absPos, sellPercent, minLot, step float64) float64 {
	qty := RoundQty(math.Max(absPos*sellPercent/100, minLot), step)
	if absPos-qty < minLot {
		return absPos
	}
	return qty
}
