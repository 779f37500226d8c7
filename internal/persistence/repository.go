package persistence

import "github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"

// TradeRepository defines the interface for the trade journal.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application. The journal is append-only and is never
// read back to rebuild trading state.
type TradeRepository interface {
	// Append stores one trade event.
	Append(event models.TradeEvent) error

	// Recent returns up to n most recent events in chronological order.
	Recent(n int) ([]models.TradeEvent, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
