package orders

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/book"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/exchange"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGateway records order calls and returns scripted errors.
type fakeGateway struct {
	sync.Mutex
	placed    []exchange.OrderRequest
	cancelled []string
	placeErr  error
	cancelErr error
}

func (f *fakeGateway) GetPrice(ctx context.Context, symbol string) (float64, error) { return 0, nil }
func (f *fakeGateway) GetPosition(ctx context.Context, symbol string) (models.PositionSnapshot, error) {
	return models.PositionSnapshot{}, nil
}
func (f *fakeGateway) GetAccountBalance(ctx context.Context) (models.AccountSnapshot, error) {
	return models.AccountSnapshot{}, nil
}
func (f *fakeGateway) GetLotMetadata(ctx context.Context, symbol string) (models.LotMetadata, error) {
	return models.LotMetadata{}, nil
}

func (f *fakeGateway) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	f.Lock()
	defer f.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	f.placed = append(f.placed, req)
	return "ord-1", nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.Lock()
	defer f.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return f.cancelErr
}

type captureRecorder struct {
	events []models.TradeEvent
}

func (c *captureRecorder) Record(ev models.TradeEvent) { c.events = append(c.events, ev) }

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, position float64) (*Manager, *fakeGateway, *book.AssetBook, *captureRecorder) {
	t.Helper()
	b := book.New([]models.AssetEntry{{Symbol: "SOLUSDT", Enabled: true, NPercent: 2, KPercent: 5, MaxPosition: 10}}, fixedNow)
	require.NoError(t, b.Update("SOLUSDT", func(st *models.AssetState) { st.Position = position }))
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := NewManager(gw, b, rec, nil, zap.NewNop(), WithClock(func() time.Time { return fixedNow }))
	return m, gw, b, rec
}

// TestPlaceRecordsActiveOrder verifies a successful placement fills the slot and the history.
func TestPlaceRecordsActiveOrder(t *testing.T) {
	m, gw, b, rec := setup(t, 0)

	order, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.745)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", order.ID)
	assert.Equal(t, fixedNow, order.PlacedAt)

	active, err := b.ActiveOrder("SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, models.Buy, active.Side)

	require.Len(t, gw.placed, 1)
	assert.False(t, gw.placed[0].ReduceOnly)
	assert.True(t, strings.HasPrefix(gw.placed[0].ClientOrderID, "tac-"))
	assert.LessOrEqual(t, len(gw.placed[0].ClientOrderID), 36)

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.TradePlaced, rec.events[0].Kind)
}

// TestPlaceRejectsSecondOrder verifies at most one order per symbol.
func TestPlaceRejectsSecondOrder(t *testing.T) {
	m, gw, _, _ := setup(t, 0)

	_, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.NoError(t, err)

	_, err = m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderConflict))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ord-1", conflict.OrderID)
	assert.Len(t, gw.placed, 1, "gateway must not see the second order")
}

// TestReduceOnlyFlag verifies the flag follows the position sign.
func TestReduceOnlyFlag(t *testing.T) {
	cases := []struct {
		name     string
		position float64
		side     models.Side
		want     bool
	}{
		{"sell against long", 3.5, models.Sell, true},
		{"buy against short", -2, models.Buy, true},
		{"buy into long", 3.5, models.Buy, false},
		{"sell from flat", 0, models.Sell, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, gw, _, _ := setup(t, tc.position)
			_, err := m.Place(context.Background(), "SOLUSDT", tc.side, 1, 80)
			require.NoError(t, err)
			require.Len(t, gw.placed, 1)
			assert.Equal(t, tc.want, gw.placed[0].ReduceOnly)
		})
	}
}

// TestPlaceFailureSetsError verifies a rejected order leaves no slot and surfaces the error.
func TestPlaceFailureSetsError(t *testing.T) {
	m, gw, b, rec := setup(t, 0)
	gw.placeErr = exchange.ErrInsufficientMargin

	_, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.ErrorIs(t, err, exchange.ErrInsufficientMargin)

	st, err := b.State("SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, st.ActiveOrder)
	assert.Contains(t, st.ErrorMessage, "insufficient margin")
	require.Len(t, rec.events, 1)
	assert.Equal(t, models.TradeFailed, rec.events[0].Kind)
}

// TestCancelClearsSlot verifies a ttl cancel empties the slot and is journaled as expired.
func TestCancelClearsSlot(t *testing.T) {
	m, gw, b, rec := setup(t, 0)
	_, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), "SOLUSDT", "ord-1", "ttl"))
	assert.Equal(t, []string{"ord-1"}, gw.cancelled)

	active, err := b.ActiveOrder("SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)
	require.Len(t, rec.events, 2)
	assert.Equal(t, models.TradeExpired, rec.events[1].Kind)
	assert.Equal(t, models.Buy, rec.events[1].Side)
}

// TestCancelUnknownOrderIsCleared verifies an order the exchange lost is dropped locally.
func TestCancelUnknownOrderIsCleared(t *testing.T) {
	m, gw, b, _ := setup(t, 0)
	_, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.NoError(t, err)
	gw.cancelErr = &exchange.APIError{Venue: "bybit", Code: 110001, Msg: "order not exists", Kind: exchange.ErrOrderNotFound}

	require.NoError(t, m.Cancel(context.Background(), "SOLUSDT", "ord-1", "ttl"))
	active, err := b.ActiveOrder("SOLUSDT")
	require.NoError(t, err)
	assert.Nil(t, active)
}

// TestCancelFailureKeepsSlot verifies other cancel errors keep the order for a retry.
func TestCancelFailureKeepsSlot(t *testing.T) {
	m, gw, b, _ := setup(t, 0)
	_, err := m.Place(context.Background(), "SOLUSDT", models.Buy, 0.1, 84.7)
	require.NoError(t, err)
	gw.cancelErr = exchange.ErrRateLimited

	err = m.Cancel(context.Background(), "SOLUSDT", "ord-1", "ttl")
	require.ErrorIs(t, err, exchange.ErrRateLimited)

	st, err := b.State("SOLUSDT")
	require.NoError(t, err)
	require.NotNil(t, st.ActiveOrder)
	assert.NotEmpty(t, st.ErrorMessage)
}
