package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// AccountBook holds every account slot of one market plus its GlobalState.
// Slots of closed accounts are reused. Reads return copies; all writes go
// through Commit so an account and the aggregates change together.
type AccountBook struct {
	slots   []*TradingAccount // nil = free slot
	free    []uint64
	byOwner map[uuid.UUID]uint64
	global  GlobalState
}

func NewAccountBook() *AccountBook {
	return &AccountBook{
		byOwner: make(map[uuid.UUID]uint64),
	}
}

func (b *AccountBook) Global() GlobalState { return b.global }

// Get returns a copy of the account in slot index. Free slots report false.
func (b *AccountBook) Get(index uint64) (TradingAccount, bool) {
	if index >= uint64(len(b.slots)) || b.slots[index] == nil {
		return TradingAccount{}, false
	}
	return *b.slots[index], true
}

func (b *AccountBook) Lookup(owner uuid.UUID) (TradingAccount, bool) {
	idx, ok := b.byOwner[owner]
	if !ok {
		return TradingAccount{}, false
	}
	return b.Get(idx)
}

// NewAccount builds an account for owner in the next free slot. The slot is
// taken only when the account is committed.
func (b *AccountBook) NewAccount(owner uuid.UUID) (TradingAccount, error) {
	if _, exists := b.byOwner[owner]; exists {
		return TradingAccount{}, fmt.Errorf("owner %s already has an account", owner)
	}
	index := uint64(len(b.slots))
	if n := len(b.free); n > 0 {
		index = b.free[n-1]
	}
	return NewTradingAccount(index, owner, b.global.CurrentSlot, b.global.FundingIndex), nil
}

// Commit writes the accounts and the global state together. Closed accounts
// release their slot.
func (b *AccountBook) Commit(g GlobalState, accounts ...TradingAccount) {
	for i := range accounts {
		acct := accounts[i]
		acct.Version++
		b.put(acct)
	}
	g.TotalAccounts = uint64(len(b.slots))
	b.global = g
}

func (b *AccountBook) put(acct TradingAccount) {
	idx := acct.Index
	for idx >= uint64(len(b.slots)) {
		b.slots = append(b.slots, nil)
	}
	if acct.Status == AccountStatusClosed {
		if b.slots[idx] != nil {
			delete(b.byOwner, b.slots[idx].Owner)
			b.slots[idx] = nil
			b.free = append(b.free, idx)
		}
		return
	}
	if b.slots[idx] == nil {
		b.removeFree(idx)
	}
	b.slots[idx] = &acct
	b.byOwner[acct.Owner] = idx
}

func (b *AccountBook) removeFree(idx uint64) {
	for i, f := range b.free {
		if f == idx {
			b.free = append(b.free[:i], b.free[i+1:]...)
			return
		}
	}
}

// SetGlobal replaces the global state without touching any account.
func (b *AccountBook) SetGlobal(g GlobalState) {
	g.TotalAccounts = uint64(len(b.slots))
	b.global = g
}

// SlotCount is the crank's modulus: allocated slots including free ones.
func (b *AccountBook) SlotCount() uint64 { return uint64(len(b.slots)) }

// ActiveCount returns the number of occupied slots.
func (b *AccountBook) ActiveCount() int { return len(b.byOwner) }

// GetAll returns copies of every active account ordered by index (for
// snapshot creation and audit).
func (b *AccountBook) GetAll() []TradingAccount {
	result := make([]TradingAccount, 0, len(b.byOwner))
	for _, acct := range b.slots {
		if acct != nil {
			result = append(result, *acct)
		}
	}
	return result
}

// Restore rebuilds the book from a snapshot. Slots up to slotCount that no
// account occupies become free.
func (b *AccountBook) Restore(accounts []TradingAccount, g GlobalState, slotCount uint64) {
	b.slots = make([]*TradingAccount, slotCount)
	b.free = b.free[:0]
	b.byOwner = make(map[uuid.UUID]uint64, len(accounts))
	for i := range accounts {
		acct := accounts[i]
		for acct.Index >= uint64(len(b.slots)) {
			b.slots = append(b.slots, nil)
		}
		b.slots[acct.Index] = &acct
		b.byOwner[acct.Owner] = acct.Index
	}
	for i, s := range b.slots {
		if s == nil {
			b.free = append(b.free, uint64(i))
		}
	}
	// NewAccount takes the last entry, so the lowest free slot is reused first
	sort.Slice(b.free, func(i, j int) bool { return b.free[i] > b.free[j] })
	g.TotalAccounts = uint64(len(b.slots))
	b.global = g
}
