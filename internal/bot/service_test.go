package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/config"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockGateway is a scripted, call-counting implementation of the Exchange interface.
type mockGateway struct {
	sync.Mutex
	prices     map[string]float64
	positions  map[string]models.PositionSnapshot
	posErr     map[string]error
	panicOn    string
	priceCalls map[string]int
	lotCalls   int
	placed     []exchange.OrderRequest
	cancelled  []string
	nextID     int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		prices:     make(map[string]float64),
		positions:  make(map[string]models.PositionSnapshot),
		posErr:     make(map[string]error),
		priceCalls: make(map[string]int),
	}
}

func (m *mockGateway) setPrice(symbol string, price float64) {
	m.Lock()
	defer m.Unlock()
	m.prices[symbol] = price
}

func (m *mockGateway) calls(symbol string) int {
	m.Lock()
	defer m.Unlock()
	return m.priceCalls[symbol]
}

func (m *mockGateway) placedCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.placed)
}

func (m *mockGateway) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if symbol == m.panicOn {
		panic("boom")
	}
	m.priceCalls[symbol]++
	return m.prices[symbol], nil
}

func (m *mockGateway) GetPosition(ctx context.Context, symbol string) (models.PositionSnapshot, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.posErr[symbol]; err != nil {
		return models.PositionSnapshot{}, err
	}
	return m.positions[symbol], nil
}

func (m *mockGateway) GetAccountBalance(ctx context.Context) (models.AccountSnapshot, error) {
	return models.AccountSnapshot{Balance: 1000.123, Equity: 1010.456, AvailableMargin: 900.789}, nil
}

func (m *mockGateway) GetLotMetadata(ctx context.Context, symbol string) (models.LotMetadata, error) {
	m.Lock()
	defer m.Unlock()
	m.lotCalls++
	return models.LotMetadata{MinOrderQty: 0.1, QtyStep: 0.1}, nil
}

func (m *mockGateway) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	m.Lock()
	defer m.Unlock()
	m.nextID++
	m.placed = append(m.placed, req)
	return fmt.Sprintf("ord-%d", m.nextID), nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.Lock()
	defer m.Unlock()
	m.cancelled = append(m.cancelled, orderID)
	return nil
}

// testClock is a manually advanced clock.
type testClock struct {
	sync.Mutex
	t time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.t = c.t.Add(d)
}

// stubHistory returns whatever was recorded, newest last.
type stubHistory struct {
	sync.Mutex
	events []models.TradeEvent
}

func (h *stubHistory) Record(ev models.TradeEvent) {
	h.Lock()
	defer h.Unlock()
	h.events = append(h.events, ev)
}

func (h *stubHistory) Recent(n int) []models.TradeEvent {
	h.Lock()
	defer h.Unlock()
	if n > len(h.events) {
		n = len(h.events)
	}
	return append([]models.TradeEvent(nil), h.events[len(h.events)-n:]...)
}

func (h *stubHistory) Journal(n int) ([]models.TradeEvent, error) {
	return h.Recent(n), nil
}

func testConfig(entries ...models.AssetEntry) *models.Config {
	cfg := config.Default()
	cfg.Assets = entries
	return cfg
}

func newTestService(t *testing.T, entries ...models.AssetEntry) (*Service, *mockGateway, *testClock) {
	t.Helper()
	gw := newMockGateway()
	clock := &testClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(testConfig(entries...), gw, zap.NewNop(), WithClock(clock.Now), WithHistory(&stubHistory{}))
	return svc, gw, clock
}

var solEntry = models.AssetEntry{Symbol: "SOLUSDT", Enabled: true, NPercent: 20, KPercent: 10, MaxPosition: 10}

// TestBuyFromFlat walks the reference bootstrap and a buy below the buy level.
func TestBuyFromFlat(t *testing.T) {
	svc, gw, _ := newTestService(t, solEntry)
	ctx := context.Background()

	gw.setPrice("SOLUSDT", 100)
	svc.InitializeLots(ctx)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	assert.Equal(t, 0, gw.placedCount(), "the first observation only sets the reference price")

	gw.setPrice("SOLUSDT", 85)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	require.Equal(t, 1, gw.placedCount())

	req := gw.placed[0]
	assert.Equal(t, models.Buy, req.Side)
	assert.InDelta(t, 0.1, req.Qty, 1e-9)
	assert.InDelta(t, 84.745, req.Price, 1e-9)
	assert.False(t, req.ReduceOnly)

	status := svc.GetStatus()
	require.Len(t, status.Assets, 1)
	asset := status.Assets[0]
	assert.Equal(t, 100.0, asset.ReferencePrice)
	assert.Equal(t, 90.0, asset.BuyPriceLevel)
	require.NotNil(t, asset.ActiveOrder)
	assert.Equal(t, "ord-1", asset.ActiveOrder.ID)
	require.Len(t, status.TradeHistory, 1)
	assert.Equal(t, models.TradePlaced, status.TradeHistory[0].Kind)
}

// TestSellReducesLong verifies the sell sizing and the reduce-only flag on a long position.
func TestSellReducesLong(t *testing.T) {
	svc, gw, _ := newTestService(t, solEntry)
	ctx := context.Background()

	gw.setPrice("SOLUSDT", 65)
	gw.positions["SOLUSDT"] = models.PositionSnapshot{Size: 10, AvgPrice: 50, Side: "Buy"}
	svc.InitializeLots(ctx)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))

	require.Equal(t, 1, gw.placedCount())
	req := gw.placed[0]
	assert.Equal(t, models.Sell, req.Side)
	assert.InDelta(t, 3.5, req.Qty, 1e-9)
	assert.True(t, req.ReduceOnly)
}

// TestTTLExpiryCancelsWithoutNewOrder verifies an expired order is only cancelled in that pass.
func TestTTLExpiryCancelsWithoutNewOrder(t *testing.T) {
	svc, gw, clock := newTestService(t, solEntry)
	ctx := context.Background()

	gw.setPrice("SOLUSDT", 100)
	svc.InitializeLots(ctx)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	gw.setPrice("SOLUSDT", 85)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	require.Equal(t, 1, gw.placedCount())

	clock.Advance(2*time.Hour + time.Second)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	assert.Equal(t, []string{"ord-1"}, gw.cancelled)
	assert.Equal(t, 1, gw.placedCount(), "no new order in the pass that cancelled")
	assert.Nil(t, svc.GetStatus().Assets[0].ActiveOrder)

	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	assert.Equal(t, 2, gw.placedCount(), "the next pass may buy again")
}

// TestOrderWorkingBlocksNewOrders verifies nothing is placed while an order is live.
func TestOrderWorkingBlocksNewOrders(t *testing.T) {
	svc, gw, clock := newTestService(t, solEntry)
	ctx := context.Background()

	gw.setPrice("SOLUSDT", 100)
	svc.InitializeLots(ctx)
	require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
	gw.setPrice("SOLUSDT", 85)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.TradeAsset(ctx, "SOLUSDT"))
		clock.Advance(time.Minute)
	}
	assert.Equal(t, 1, gw.placedCount())
}

// TestPositionFailureAbortsSymbol verifies no decision is taken on unknown exposure.
func TestPositionFailureAbortsSymbol(t *testing.T) {
	svc, gw, _ := newTestService(t, solEntry)
	gw.setPrice("SOLUSDT", 85)
	gw.posErr["SOLUSDT"] = errors.New("connection reset")

	err := svc.TradeAsset(context.Background(), "SOLUSDT")
	require.Error(t, err)
	assert.Equal(t, 0, gw.placedCount())

	asset := svc.GetStatus().Assets[0]
	assert.Contains(t, asset.ErrorMessage, "connection reset")
	assert.Zero(t, asset.LastPrice, "state is not updated from a partial snapshot")
}

// TestStopIsIdempotent verifies stopping twice equals stopping once.
func TestStopIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, solEntry)
	svc.Start()
	assert.True(t, svc.IsTradingActive())
	svc.Start()
	assert.True(t, svc.IsTradingActive())

	svc.Stop()
	once := svc.GetStatus()
	svc.Stop()
	twice := svc.GetStatus()
	assert.False(t, twice.TradingActive)
	assert.Equal(t, once, twice)
}

// TestUpdateAssetConfig covers partial updates, validation and unknown symbols.
func TestUpdateAssetConfig(t *testing.T) {
	svc, _, _ := newTestService(t, solEntry)

	disabled := false
	k := 7.5
	require.NoError(t, svc.UpdateAssetConfig("SOLUSDT", models.AssetConfigUpdate{Enabled: &disabled, KPercent: &k}))
	asset := svc.GetStatus().Assets[0]
	assert.False(t, asset.Enabled)
	assert.Equal(t, 7.5, asset.KPercent)
	assert.Equal(t, 20.0, asset.NPercent, "unspecified fields are unchanged")
	assert.Equal(t, 10.0, asset.MaxPosition)

	err := svc.UpdateAssetConfig("NOPEUSDT", models.AssetConfigUpdate{Enabled: &disabled})
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	bad := 150.0
	err = svc.UpdateAssetConfig("SOLUSDT", models.AssetConfigUpdate{NPercent: &bad, KPercent: &k})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "n_percent", verr.Field)
	assert.Equal(t, 20.0, svc.GetStatus().Assets[0].NPercent, "a rejected update changes nothing")

	// 100% is the inclusive upper bound, the same range the config file accepts
	full := 100.0
	require.NoError(t, svc.UpdateAssetConfig("SOLUSDT", models.AssetConfigUpdate{NPercent: &full, KPercent: &full}))
	asset = svc.GetStatus().Assets[0]
	assert.Equal(t, 100.0, asset.NPercent)
	assert.Equal(t, 100.0, asset.KPercent)

	zero := 0.0
	err = svc.UpdateAssetConfig("SOLUSDT", models.AssetConfigUpdate{KPercent: &zero})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "k_percent", verr.Field)
}

// TestUpdateGlobalConfig verifies partial updates and the lot resize after a min_lot_usd change.
func TestUpdateGlobalConfig(t *testing.T) {
	svc, gw, _ := newTestService(t, solEntry)
	gw.setPrice("SOLUSDT", 10)
	ctx := context.Background()
	svc.InitializeLots(ctx)
	assert.Equal(t, 1, gw.lotCalls)
	assert.InDelta(t, 0.5, svc.GetStatus().Assets[0].MinLot, 1e-9)

	buy := 40.0
	require.NoError(t, svc.UpdateGlobalConfig(models.GlobalConfigUpdate{BuyPercent: &buy}))
	g := svc.Globals()
	assert.Equal(t, 40.0, g.BuyPercent)
	assert.Equal(t, 35.0, g.SellPercent)

	svc.ResizeLotsIfPending(ctx)
	assert.Equal(t, 1, gw.lotCalls, "no resize without a min_lot_usd change")

	minLot := 20.0
	require.NoError(t, svc.UpdateGlobalConfig(models.GlobalConfigUpdate{MinLotUSD: &minLot}))
	svc.ResizeLotsIfPending(ctx)
	assert.Equal(t, 2, gw.lotCalls)
	assert.InDelta(t, 2.0, svc.GetStatus().Assets[0].MinLot, 1e-9)
	assert.InDelta(t, 6.0, svc.GetStatus().Assets[0].MaxLot, 1e-9)

	zero := 0.0
	err := svc.UpdateGlobalConfig(models.GlobalConfigUpdate{MinLotUSD: &zero})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "min_lot_usd", verr.Field)
}

// TestInitializeLotsFallback verifies the default lots are used when no price is available.
func TestInitializeLotsFallback(t *testing.T) {
	svc, _, _ := newTestService(t, solEntry)
	svc.InitializeLots(context.Background())

	asset := svc.GetStatus().Assets[0]
	assert.Equal(t, 0.1, asset.MinLot)
	assert.Equal(t, 0.3, asset.MaxLot)
	assert.Equal(t, 0.1, asset.LotSizeStep)
}

// TestStatusRoundsAccount verifies presentation rounding of account values.
func TestStatusRoundsAccount(t *testing.T) {
	svc, _, _ := newTestService(t, solEntry)
	require.NoError(t, svc.RefreshAccount(context.Background()))

	acc := svc.GetStatus().Account
	assert.Equal(t, 1000.12, acc.Balance)
	assert.Equal(t, 1010.46, acc.Equity)
	assert.Equal(t, 900.79, acc.AvailableMargin)
	assert.False(t, acc.UpdatedAt.IsZero())
}
