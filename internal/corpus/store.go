package corpus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/txnquery/internal/core"
)

// Snapshot is an immutable view of one user's corpus at a specific version.
// All downstream reads for a query operate against a single snapshot.
type Snapshot struct {
	UserID       string
	Version      uint64
	Transactions []Transaction
	TakenAt      time.Time
}

// UserStats summarizes one user's corpus for the registry endpoint.
type UserStats struct {
	UserID           string    `json:"user_id"`
	TransactionCount int       `json:"transaction_count"`
	Version          uint64    `json:"version"`
	LastUpdated      time.Time `json:"last_updated"`
}

// entry holds one user's corpus. Single writer (ingest), many readers (queries).
type entry struct {
	mu           sync.RWMutex
	version      uint64
	transactions []Transaction
	lastAccessed time.Time
}

// Store is an explicit registry of per-user corpora. Entries are created on
// first ingest and evicted after a configurable idle timeout.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	idleEviction time.Duration
}

// NewStore creates a corpus store. idleEviction <= 0 disables eviction.
func NewStore(idleEviction time.Duration) *Store {
	return &Store{
		entries:      make(map[string]*entry),
		idleEviction: idleEviction,
	}
}

// Ingest validates records and merges the valid ones into the user's corpus.
// Invalid records are skipped and counted. The corpus version is incremented
// exactly once per call regardless of record count.
func (s *Store) Ingest(ctx context.Context, userID string, records []Record) (accepted, rejected int, version uint64, err error) {
	if userID == "" {
		return 0, 0, 0, core.NewQueryError("corpus.Ingest", userID, fmt.Errorf("%w: user id is required", core.ErrValidation))
	}
	if len(records) == 0 {
		return 0, 0, 0, core.NewQueryError("corpus.Ingest", userID, fmt.Errorf("%w: no records supplied", core.ErrValidation))
	}

	valid := make([]Transaction, 0, len(records))
	for _, r := range records {
		tx, verr := r.Validate()
		if verr != nil {
			rejected++
			continue
		}
		valid = append(valid, tx)
	}

	e := s.entryFor(userID)

	e.mu.Lock()
	e.transactions = append(e.transactions, valid...)
	e.version++
	e.lastAccessed = time.Now()
	version = e.version
	e.mu.Unlock()

	return len(valid), rejected, version, nil
}

// Replace swaps the user's full corpus for the supplied records, still
// incrementing version exactly once. Used when upstream re-syncs an account.
func (s *Store) Replace(ctx context.Context, userID string, records []Record) (accepted, rejected int, version uint64, err error) {
	if userID == "" {
		return 0, 0, 0, core.NewQueryError("corpus.Replace", userID, fmt.Errorf("%w: user id is required", core.ErrValidation))
	}

	valid := make([]Transaction, 0, len(records))
	for _, r := range records {
		tx, verr := r.Validate()
		if verr != nil {
			rejected++
			continue
		}
		valid = append(valid, tx)
	}

	e := s.entryFor(userID)

	e.mu.Lock()
	e.transactions = valid
	e.version++
	e.lastAccessed = time.Now()
	version = e.version
	e.mu.Unlock()

	return len(valid), rejected, version, nil
}

// Snapshot returns an immutable copy of the user's corpus plus its version.
func (s *Store) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()

	if !ok {
		return Snapshot{}, core.NewQueryError("corpus.Snapshot", userID, core.ErrNotFound)
	}

	e.mu.Lock()
	e.lastAccessed = time.Now()
	txs := make([]Transaction, len(e.transactions))
	copy(txs, e.transactions)
	snap := Snapshot{
		UserID:       userID,
		Version:      e.version,
		Transactions: txs,
		TakenAt:      time.Now(),
	}
	e.mu.Unlock()

	return snap, nil
}

// Remove deletes a user's corpus from the registry.
func (s *Store) Remove(userID string) {
	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
}

// Stats reports per-user corpus statistics.
func (s *Store) Stats() []UserStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]UserStats, 0, len(s.entries))
	for userID, e := range s.entries {
		e.mu.RLock()
		stats = append(stats, UserStats{
			UserID:           userID,
			TransactionCount: len(e.transactions),
			Version:          e.version,
			LastUpdated:      e.lastAccessed,
		})
		e.mu.RUnlock()
	}
	return stats
}

// StartEvictionSweeper evicts idle corpora until ctx is cancelled.
func (s *Store) StartEvictionSweeper(ctx context.Context, interval time.Duration) {
	if s.idleEviction <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictIdle(time.Now())
			}
		}
	}()
}

func (s *Store) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, e := range s.entries {
		e.mu.RLock()
		idle := now.Sub(e.lastAccessed)
		e.mu.RUnlock()
		if idle > s.idleEviction {
			delete(s.entries, userID)
		}
	}
}

func (s *Store) entryFor(userID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{lastAccessed: time.Now()}
		s.entries[userID] = e
	}
	return e
}
