// Package book owns the per-asset configuration and state of the trading service.
// Readers always get copies; the trading loop is the only writer of AssetState.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
)

// ErrUnknownSymbol is returned for symbols that were not configured at startup.
var ErrUnknownSymbol = errors.New("unknown symbol")

// AssetBook holds configs and states for a fixed, ordered set of symbols.
type AssetBook struct {
	mu      sync.RWMutex
	symbols []string
	configs map[string]models.AssetConfig
	states  map[string]*models.AssetState
	account models.AccountSnapshot
}

// New builds a book in configuration order. Every state starts zeroed with the
// reference timer set to now.
func New(entries []models.AssetEntry, now time.Time) *AssetBook {
	b := &AssetBook{
		symbols: make([]string, 0, len(entries)),
		configs: make(map[string]models.AssetConfig, len(entries)),
		states:  make(map[string]*models.AssetState, len(entries)),
	}
	for _, e := range entries {
		if _, dup := b.configs[e.Symbol]; dup {
			continue
		}
		b.symbols = append(b.symbols, e.Symbol)
		b.configs[e.Symbol] = models.AssetConfig{
			Enabled:     e.Enabled,
			NPercent:    e.NPercent,
			KPercent:    e.KPercent,
			MaxPosition: e.MaxPosition,
		}
		b.states[e.Symbol] = &models.AssetState{LastReferenceUpdate: now}
	}
	return b
}

// Symbols returns all symbols in configuration order.
func (b *AssetBook) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.symbols...)
}

func (b *AssetBook) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.configs[symbol]
	return ok
}

func (b *AssetBook) Config(symbol string) (models.AssetConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg, ok := b.configs[symbol]
	if !ok {
		return models.AssetConfig{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return cfg, nil
}

func (b *AssetBook) SetConfig(symbol string, cfg models.AssetConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.configs[symbol]; !ok {
		return fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	b.configs[symbol] = cfg
	return nil
}

// State returns a copy of the symbol's state.
func (b *AssetBook) State(symbol string) (models.AssetState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.states[symbol]
	if !ok {
		return models.AssetState{}, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	return st.Clone(), nil
}

// SetState replaces the symbol's state. The active order slot is kept as is:
// only the order manager writes it.
func (b *AssetBook) SetState(symbol string, st models.AssetState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.states[symbol]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	next := st.Clone()
	next.ActiveOrder = cur.ActiveOrder
	*cur = next
	return nil
}

// Update applies fn to the symbol's state under the write lock.
func (b *AssetBook) Update(symbol string, fn func(st *models.AssetState)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[symbol]
	if !ok {
		return fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	fn(st)
	return nil
}

// --- hooks used by the order manager ---

func (b *AssetBook) ActiveOrder(symbol string) (*models.ActiveOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.states[symbol]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownSymbol)
	}
	if st.ActiveOrder == nil {
		return nil, nil
	}
	order := *st.ActiveOrder
	return &order, nil
}

func (b *AssetBook) SetActiveOrder(symbol string, order *models.ActiveOrder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[symbol]; ok {
		if order != nil {
			o := *order
			order = &o
		}
		st.ActiveOrder = order
	}
}

func (b *AssetBook) SetError(symbol, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[symbol]; ok {
		st.ErrorMessage = msg
	}
}

func (b *AssetBook) Position(symbol string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.states[symbol]; ok {
		return st.Position
	}
	return 0
}

// --- account ---

func (b *AssetBook) Account() models.AccountSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account
}

func (b *AssetBook) SetAccount(acc models.AccountSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account = acc
}

// Entry is a consistent copy of one symbol's config and state.
type Entry struct {
	Symbol string
	Config models.AssetConfig
	State  models.AssetState
}

// Snapshot copies every symbol in configuration order.
func (b *AssetBook) Snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.symbols))
	for _, s := range b.symbols {
		out = append(out, Entry{Symbol: s, Config: b.configs[s], State: b.states[s].Clone()})
	}
	return out
}
