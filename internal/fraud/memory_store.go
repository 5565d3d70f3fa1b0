package fraud

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/idgen"
)

type flagKey struct {
	transactionID string
	fraudType     string
}

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byUser       map[string][]string // userID → transaction IDs
	flags        []*FlaggedTransaction
	flagKeys     map[flagKey]struct{}
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byUser:       make(map[string][]string),
		flagKeys:     make(map[flagKey]struct{}),
	}
}

func (s *MemoryStore) ResolveTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[tx.TransactionID]; ok {
		return existing.clone(), false, nil
	}
	stored := tx.clone()
	s.transactions[tx.TransactionID] = stored
	s.byUser[tx.UserID] = append(s.byUser[tx.UserID], tx.TransactionID)
	return stored.clone(), true, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (s *MemoryStore) ListUserTransactions(ctx context.Context, userID string, from, to time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Transaction
	for _, id := range s.byUser[userID] {
		tx := s.transactions[id]
		if tx.Timestamp.Before(from) || tx.Timestamp.After(to) {
			continue
		}
		result = append(result, tx.clone())
	}
	return result, nil
}

func (s *MemoryStore) ListTransactionsSince(ctx context.Context, since time.Time) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Transaction
	for _, tx := range s.transactions {
		if !tx.Timestamp.Before(since) {
			result = append(result, tx.clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, tx := range s.transactions {
		if tx.Timestamp.After(latest) {
			latest = tx.Timestamp
		}
	}
	return latest, nil
}

func (s *MemoryStore) RecordFlag(ctx context.Context, tx *Transaction, fraudType string) (*FlaggedTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := flagKey{transactionID: tx.TransactionID, fraudType: fraudType}
	if _, exists := s.flagKeys[key]; exists {
		return nil, false, nil
	}

	stored, ok := s.transactions[tx.TransactionID]
	if !ok {
		return nil, false, ErrTransactionNotFound
	}

	flag := newFlag(idgen.FlagID(), stored, fraudType)
	s.flagKeys[key] = struct{}{}
	s.flags = append(s.flags, flag)

	ft := fraudType
	stored.IsFlagged = true
	stored.FraudType = &ft

	f := *flag
	return &f, true, nil
}

func (s *MemoryStore) ListFlagged(ctx context.Context, userID string, limit int) ([]*FlaggedTransaction, error) {
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*FlaggedTransaction
	for _, f := range s.flags {
		if userID != "" && f.UserID != userID {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}

	// Most recent first; insertion order breaks ties.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	for _, f := range s.flags {
		stats.Count(f.FraudType)
	}
	return stats, nil
}
