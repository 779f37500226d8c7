package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var tradePrefix = []byte("trade/")

// badgerRepository is the BadgerDB implementation of the TradeRepository.
type badgerRepository struct {
	db        *badger.DB
	retention time.Duration
}

// NewBadgerRepository opens a journal at dbPath. An empty path keeps the journal in memory.
// Entries expire after retention; zero keeps them until the database is dropped.
func NewBadgerRepository(dbPath string, retention time.Duration) (TradeRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// For this use case, we can disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{db: db, retention: retention}, nil
}

// tradeKey orders entries by time; the id suffix keeps same-nanosecond events apart.
func tradeKey(event models.TradeEvent) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", tradePrefix, event.Time.UnixNano(), event.ID))
}

// Append marshals the event into JSON and stores it under a time-ordered key.
func (r *badgerRepository) Append(event models.TradeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(tradeKey(event), data)
		if r.retention > 0 {
			entry = entry.WithTTL(r.retention)
		}
		return txn.SetEntry(entry)
	})
}

// Recent walks the journal backwards and returns the newest n events, oldest first.
func (r *badgerRepository) Recent(n int) ([]models.TradeEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	events := make([]models.TradeEvent, 0, n)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = tradePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, tradePrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(tradePrefix) && len(events) < n; it.Next() {
			var event models.TradeEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return err
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
