package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/idgen"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/tracking"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex makes every Apply atomic.
type MemoryStore struct {
	wallets    map[string]*Wallet
	byOwner    map[string]string // ownerID -> walletID
	byTracking map[string]string // trackingID -> walletID
	entries    map[string][]*Entry
	byRef      map[string]*Entry
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:    make(map[string]*Wallet),
		byOwner:    make(map[string]string),
		byTracking: make(map[string]string),
		entries:    make(map[string][]*Entry),
		byRef:      make(map[string]*Entry),
	}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOwner[w.OwnerID]; ok {
		return ErrWalletExists
	}
	if _, ok := m.byTracking[w.TrackingID]; ok {
		return tracking.ErrTaken
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.byOwner[w.OwnerID] = w.ID
	m.byTracking[w.TrackingID] = w.ID
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyWallet(id)
}

func (m *MemoryStore) GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.copyWallet(id)
}

func (m *MemoryStore) GetWalletByTrackingID(ctx context.Context, trackingID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTracking[trackingID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return m.copyWallet(id)
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	return m.copyWallet(id)
}

func (m *MemoryStore) Apply(ctx context.Context, p Posting) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byRef[p.ReferenceID]; ok {
		cp := *e
		return &cp, true, nil
	}

	w, ok := m.wallets[p.WalletID]
	if !ok {
		return nil, false, ErrWalletNotFound
	}

	before := w.Balance
	after := before
	switch p.Kind {
	case Debit:
		if w.Status == StatusSuspended {
			return nil, false, ErrWalletSuspended
		}
		if before < p.Amount {
			return nil, false, ErrInsufficientFunds
		}
		after = before - p.Amount
		w.TotalDebits += p.Amount
	case Credit:
		if !creditFits(before, w.TotalCredits, p.Amount) {
			return nil, false, ErrBalanceOverflow
		}
		after = before + p.Amount
		w.TotalCredits += p.Amount
	default:
		return nil, false, ErrInvalidAmount
	}

	now := time.Now().UTC()
	w.Balance = after
	w.EntryCount++
	w.LastEntryAt = &now
	w.UpdatedAt = now

	e := &Entry{
		ID:            idgen.WithPrefix("ent_"),
		WalletID:      p.WalletID,
		ReferenceID:   p.ReferenceID,
		Kind:          p.Kind,
		Amount:        p.Amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Memo:          p.Memo,
		CreatedAt:     now,
	}
	m.entries[p.WalletID] = append(m.entries[p.WalletID], e)
	m.byRef[p.ReferenceID] = e

	cp := *e
	return &cp, false, nil
}

func (m *MemoryStore) GetEntryByReference(ctx context.Context, referenceID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byRef[referenceID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

// ListEntries returns entries newest first, starting strictly after cursor.
func (m *MemoryStore) ListEntries(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Entry, len(m.entries[walletID]))
	copy(all, m.entries[walletID])
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	result := make([]*Entry, 0, limit)
	for _, e := range all {
		if len(result) >= limit {
			break
		}
		if cursor != nil && !cursor.Precedes(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// WalletSnapshot reads the wallet and its entries under one read lock.
func (m *MemoryStore) WalletSnapshot(ctx context.Context, walletID string) (*Wallet, []*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, err := m.copyWallet(walletID)
	if err != nil {
		return nil, nil, err
	}
	all := m.entries[walletID]
	out := make([]*Entry, len(all))
	for i, e := range all {
		cp := *e
		out[i] = &cp
	}
	return w, out, nil
}

// SetBalance overwrites a stored balance without writing an entry.
// Only useful for simulating corruption in reconciliation tests.
func (m *MemoryStore) SetBalance(walletID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[walletID]; ok {
		w.Balance = balance
	}
}

func (m *MemoryStore) copyWallet(id string) (*Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	if w.LastEntryAt != nil {
		t := *w.LastEntryAt
		cp.LastEntryAt = &t
	}
	return &cp, nil
}
