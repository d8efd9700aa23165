package state

import (
	"context"
	"sort"
	"sync"
)

// Store loads and stores account and global records keyed by account
// index. The engine keeps its working set in an AccountBook; stores serve
// the read side and offline tooling.
type Store interface {
	LoadAccount(ctx context.Context, index uint64) (TradingAccount, bool, error)
	StoreAccount(ctx context.Context, acct TradingAccount) error
	DeleteAccount(ctx context.Context, index uint64) error
	ListAccounts(ctx context.Context) ([]TradingAccount, error)
	LoadGlobal(ctx context.Context) (GlobalState, error)
	StoreGlobal(ctx context.Context, g GlobalState) error
}

// MemoryStore is a Store backed by maps.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[uint64]TradingAccount
	global   GlobalState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[uint64]TradingAccount)}
}

func (s *MemoryStore) LoadAccount(_ context.Context, index uint64) (TradingAccount, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[index]
	return acct, ok, nil
}

func (s *MemoryStore) StoreAccount(_ context.Context, acct TradingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.Index] = acct
	return nil
}

func (s *MemoryStore) DeleteAccount(_ context.Context, index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, index)
	return nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]TradingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]TradingAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (s *MemoryStore) LoadGlobal(_ context.Context) (GlobalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global, nil
}

func (s *MemoryStore) StoreGlobal(_ context.Context, g GlobalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = g
	return nil
}
