package engine

import (
	"testing"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testParams() Params {
	return Params{
		Globals: models.GlobalConfig{
			BuyPercent:         30,
			SellPercent:        35,
			PriceOffsetPercent: 0.3,
			MinLotUSD:          5,
		},
		OrderTTL:       2 * time.Hour,
		ReferenceReset: 24 * time.Hour,
		PricePrecision: 4,
	}
}

func baseState() models.AssetState {
	return models.AssetState{
		MinLot:              0.1,
		MaxLot:              0.3,
		LotStep:             0.1,
		LastReferenceUpdate: t0,
	}
}

func snapshot(price, size, avg float64) Snapshot {
	return Snapshot{Price: price, Position: models.PositionSnapshot{Size: size, AvgPrice: avg}}
}

// TestBuyLevelFormula checks buyLevel == R * (1 - K/100) across the valid range.
func TestBuyLevelFormula(t *testing.T) {
	for _, k := range []float64{0.5, 1, 9, 10, 33.3, 50, 99.9} {
		for _, ref := range []float64{0.0042, 1, 100, 64250.5} {
			assert.InDelta(t, ref*(1-k/100), BuyLevel(ref, k), 1e-12, "ref=%v k=%v", ref, k)
		}
	}
}

// TestSellLevelFormula checks sellLevel == A * (1 + N/100), and 0 while flat.
func TestSellLevelFormula(t *testing.T) {
	assert.InDelta(t, 60.0, SellLevel(50, 20), 1e-9)
	assert.InDelta(t, 1.1*1.03, SellLevel(1.1, 3), 1e-12)
	assert.Equal(t, 0.0, SellLevel(0, 20))
}

// TestEvaluateBuyFromFlat reproduces the flat-position buy scenario.
func TestEvaluateBuyFromFlat(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 100
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 10}

	next, d := Evaluate(state, cfg, snapshot(85, 0, 0), t0.Add(time.Minute), testParams())

	assert.InDelta(t, 90.0, next.BuyLevel, 1e-9)
	assert.Equal(t, 0.0, next.SellLevel)
	require.Equal(t, PlaceBuy, d.Action)
	assert.Equal(t, models.Buy, d.Side)
	assert.InDelta(t, 0.1, d.Qty, 1e-12, "30% of a flat position is below minLot")
	assert.InDelta(t, 84.745, d.Price, 1e-9)
}

// TestEvaluateSellScenario reproduces the long-position sell scenario.
func TestEvaluateSellScenario(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 50
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 20}

	next, d := Evaluate(state, cfg, snapshot(65, 10, 50), t0.Add(time.Minute), testParams())

	assert.InDelta(t, 60.0, next.SellLevel, 1e-9)
	require.Equal(t, PlaceSell, d.Action)
	assert.Equal(t, models.Sell, d.Side)
	assert.InDelta(t, 3.5, d.Qty, 1e-12)
	assert.InDelta(t, 65.195, d.Price, 1e-9)
}

// TestEvaluateBuyAddsToLongPosition checks the averaging-down buy size.
func TestEvaluateBuyAddsToLongPosition(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 100
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 100}

	_, d := Evaluate(state, cfg, snapshot(80, 10, 100), t0.Add(time.Minute), testParams())

	require.Equal(t, PlaceBuy, d.Action)
	assert.InDelta(t, 3.0, d.Qty, 1e-12)
}

// TestEvaluateRespectsMaxPosition checks no buy is produced without room for one more min lot.
func TestEvaluateRespectsMaxPosition(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 100
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 10}

	_, d := Evaluate(state, cfg, snapshot(80, 9.95, 100), t0.Add(time.Minute), testParams())

	assert.Equal(t, NoAction, d.Action)
	assert.Equal(t, "max position reached", d.Reason)
}

// TestEvaluateNeverSellsWhenFlat checks that a flat position never yields a sell.
func TestEvaluateNeverSellsWhenFlat(t *testing.T) {
	cfg := models.AssetConfig{Enabled: true, KPercent: 5, NPercent: 5, MaxPosition: 10}
	for _, price := range []float64{0.01, 50, 99, 100, 101, 150, 1e6} {
		state := baseState()
		state.ReferencePrice = 100
		_, d := Evaluate(state, cfg, snapshot(price, 0, 0), t0.Add(time.Minute), testParams())
		assert.NotEqual(t, PlaceSell, d.Action, "price=%v", price)
	}
}

// TestSellQtyNeverLeavesDust checks the remainder is zero or at least minLot.
func TestSellQtyNeverLeavesDust(t *testing.T) {
	for _, minLot := range []float64{0.1, 0.5, 1, 3} {
		for pos := minLot; pos <= 40; pos += 0.1 {
			absPos := RoundToStep(pos, 0.1)
			qty := SellQty(absPos, 35, minLot, 0.1)
			remainder := absPos - qty
			assert.True(t, remainder == 0 || remainder >= minLot-1e-9,
				"pos=%v minLot=%v qty=%v remainder=%v", absPos, minLot, qty, remainder)
			assert.LessOrEqual(t, qty, absPos+1e-9)
		}
	}
}

// TestEvaluateSellLiquidatesSmallRemainder checks the full position is sold instead of leaving dust.
func TestEvaluateSellLiquidatesSmallRemainder(t *testing.T) {
	state := baseState()
	state.MinLot = 1
	state.ReferencePrice = 10
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 10, MaxPosition: 10}

	_, d := Evaluate(state, cfg, snapshot(12, 1.2, 10), t0.Add(time.Minute), testParams())

	require.Equal(t, PlaceSell, d.Action)
	assert.InDelta(t, 1.2, d.Qty, 1e-12)
}

// TestEvaluateActiveOrderBlocksNewOrders checks a working order suppresses any new intent.
func TestEvaluateActiveOrderBlocksNewOrders(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 100
	state.ActiveOrder = &models.ActiveOrder{ID: "o-1", Side: models.Buy, Qty: 0.1, Price: 84, PlacedAt: t0}
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 10}

	next, d := Evaluate(state, cfg, snapshot(80, 0, 0), t0.Add(time.Hour), testParams())

	assert.Equal(t, NoAction, d.Action)
	assert.Equal(t, "order working", d.Reason)
	require.NotNil(t, next.ActiveOrder)
	assert.NotSame(t, state.ActiveOrder, next.ActiveOrder, "returned state must not alias the input")
}

// TestEvaluateExpiredOrderOnlyCancels checks TTL expiry yields a cancel and nothing else in that pass.
func TestEvaluateExpiredOrderOnlyCancels(t *testing.T) {
	state := baseState()
	state.ReferencePrice = 100
	state.ActiveOrder = &models.ActiveOrder{ID: "o-1", Side: models.Buy, Qty: 0.1, Price: 84, PlacedAt: t0}
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 10}

	_, d := Evaluate(state, cfg, snapshot(80, 0, 0), t0.Add(2*time.Hour+time.Second), testParams())

	assert.Equal(t, CancelExpired, d.Action)
	assert.Equal(t, "o-1", d.OrderID)
}

// TestEvaluateReferenceBootstrapAndReset covers the lazy reference and the periodic reset.
func TestEvaluateReferenceBootstrapAndReset(t *testing.T) {
	cfg := models.AssetConfig{Enabled: true, KPercent: 10, NPercent: 20, MaxPosition: 10}

	state := baseState()
	next, d := Evaluate(state, cfg, snapshot(42, 0, 0), t0.Add(time.Minute), testParams())
	assert.Equal(t, 42.0, next.ReferencePrice)
	assert.Equal(t, NoAction, d.Action)

	state = baseState()
	state.ReferencePrice = 100
	state.LastReferenceUpdate = t0
	now := t0.Add(25 * time.Hour)
	next, d = Evaluate(state, cfg, snapshot(80, 0, 0), now, testParams())

	assert.InDelta(t, 90.0, next.BuyLevel, 1e-9, "levels use the reference from before the reset")
	assert.Equal(t, 80.0, next.ReferencePrice)
	assert.Equal(t, now, next.LastReferenceUpdate)
	assert.Equal(t, PlaceBuy, d.Action)
}

// TestComputeLots covers min/max lot sizing from instrument metadata.
func TestComputeLots(t *testing.T) {
	lots := ComputeLots(2.5, models.LotMetadata{MinOrderQty: 0.1, QtyStep: 0.1}, 5, 3, 0.1)
	assert.InDelta(t, 2.0, lots.MinLot, 1e-12)
	assert.InDelta(t, 6.0, lots.MaxLot, 1e-12)
	assert.Equal(t, 0.1, lots.LotStep)

	// Expensive instrument: the exchange minimum dominates.
	lots = ComputeLots(60000, models.LotMetadata{MinOrderQty: 0.001}, 5, 3, 0.1)
	assert.InDelta(t, 0.001, lots.MinLot, 1e-12)
	assert.InDelta(t, 0.003, lots.MaxLot, 1e-12)

	// Unknown price falls back to 1.0.
	lots = ComputeLots(0, models.LotMetadata{MinOrderQty: 1}, 5, 3, 0.1)
	assert.InDelta(t, 5.0, lots.MinLot, 1e-12)
}

// TestRounding covers the decimal helpers.
func TestRounding(t *testing.T) {
	assert.InDelta(t, 0.3, RoundToStep(0.25, 0.1), 1e-12)
	assert.InDelta(t, 1.2, RoundToStep(1.23, 0.1), 1e-12)
	assert.InDelta(t, 0.1, RoundQty(0.01, 0.1), 1e-12)
	assert.InDelta(t, 12.35, RoundPrice(12.345678, 0.05, 4), 1e-12)
	assert.InDelta(t, 12.3457, RoundPrice(12.345678, 0, 4), 1e-12)
	assert.Equal(t, 1.24, Round2(1.235))
}
