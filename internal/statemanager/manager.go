package statemanager

import (
	"sync"
	"time"

	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/models"
	"github.com/Dmitryra27/Trading-array-bot-bybit-railway/internal/persistence"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TradeRecorder is the write side used by the order manager.
type TradeRecorder interface {
	Record(event models.TradeEvent)
}

// StateManager keeps the in-memory trade history shown in status and forwards
// every event to the journal. All history mutations are processed serially.
type StateManager struct {
	repo            persistence.TradeRepository
	historySize     int
	history         []models.TradeEvent
	mu              sync.RWMutex
	eventChannel    chan models.TradeEvent
	persistenceChan chan models.TradeEvent
	stopChan        chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil, in which case
// events are only kept in memory.
func NewStateManager(repo persistence.TradeRepository, historySize int, logger *zap.Logger) *StateManager {
	if historySize <= 0 {
		historySize = 1000
	}
	return &StateManager{
		repo:            repo,
		historySize:     historySize,
		history:         make([]models.TradeEvent, 0, historySize),
		eventChannel:    make(chan models.TradeEvent, 1024), // Buffered channel
		persistenceChan: make(chan models.TradeEvent, 1024),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop shuts down both loops. Events still queued are dropped.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// Record queues an event without blocking the trading loop.
func (sm *StateManager) Record(event models.TradeEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case sm.eventChannel <- event:
	default:
		sm.logger.Warn("Trade event channel full, dropping event",
			zap.String("symbol", event.Symbol), zap.String("kind", string(event.Kind)))
	}
}

// Recent returns a copy of the last n events held in memory, oldest first.
func (sm *StateManager) Recent(n int) []models.TradeEvent {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if n <= 0 || len(sm.history) == 0 {
		return []models.TradeEvent{}
	}
	if n > len(sm.history) {
		n = len(sm.history)
	}
	out := make([]models.TradeEvent, n)
	copy(out, sm.history[len(sm.history)-n:])
	return out
}

// Journal reads the newest n events from the repository.
func (sm *StateManager) Journal(n int) ([]models.TradeEvent, error) {
	if sm.repo == nil {
		return sm.Recent(n), nil
	}
	return sm.repo.Recent(n)
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of events.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.Append(event); err != nil {
					sm.logger.Sugar().Errorf("Failed to journal trade event %s: %v", event.ID, err)
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) processEvent(event models.TradeEvent) {
	sm.mu.Lock()
	sm.history = append(sm.history, event)
	if over := len(sm.history) - sm.historySize; over > 0 {
		sm.history = append(sm.history[:0], sm.history[over:]...)
	}
	sm.mu.Unlock()

	select {
	case sm.persistenceChan <- event:
	default:
		sm.logger.Sugar().Warnf("Persistence channel full, event %s not journaled", event.ID)
	}
}
