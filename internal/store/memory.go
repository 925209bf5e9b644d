package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/payflow/internal/accounting"
	"github.com/punchamoorthee/payflow/internal/payments"
)

// Memory is a mutex-guarded implementation of both the ledger store and the
// payment store. It backs tests and single-process dev mode; the postgres
// store is the production twin with identical semantics.
type Memory struct {
	mu        sync.Mutex
	assets    map[uint32]*accounting.Asset
	accounts  map[string]*accounting.Account
	system    map[uint32]map[accounting.Role]string
	transfers map[string]*accounting.Transfer

	payments map[string]*payments.OutgoingPayment
	rowLocks map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		assets:    make(map[uint32]*accounting.Asset),
		accounts:  make(map[string]*accounting.Account),
		system:    make(map[uint32]map[accounting.Role]string),
		transfers: make(map[string]*accounting.Transfer),
		payments:  make(map[string]*payments.OutgoingPayment),
		rowLocks:  make(map[string]*sync.Mutex),
	}
}

// --- accounting.Store ---

func (m *Memory) CreateAsset(ctx context.Context, asset *accounting.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[asset.Unit]; ok {
		return &accounting.Error{Code: accounting.CodeDuplicateAsset, Index: -1}
	}
	cp := *asset
	m.assets[asset.Unit] = &cp
	return nil
}

func (m *Memory) GetAsset(ctx context.Context, unit uint32) (*accounting.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.assets[unit]
	if !ok {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAsset, Index: -1}
	}
	cp := *asset
	return &cp, nil
}

func (m *Memory) CreateAccount(ctx context.Context, account *accounting.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return &accounting.Error{Code: accounting.CodeDuplicateAccount, Index: -1}
	}
	cp := *account
	m.accounts[account.ID] = &cp

	if account.Role == accounting.RoleLiquidity || account.Role == accounting.RoleSettlement {
		if m.system[account.Unit] == nil {
			m.system[account.Unit] = make(map[accounting.Role]string)
		}
		m.system[account.Unit][account.Role] = account.ID
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id string) (*accounting.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id string) (*accounting.Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAccount, Index: -1}
	}
	cp := *account
	return &cp, nil
}

func (m *Memory) SystemAccount(ctx context.Context, unit uint32, role accounting.Role) (*accounting.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.system[unit][role]
	if !ok {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAsset, Index: -1}
	}
	return m.getAccountLocked(id)
}

func (m *Memory) GetTransfer(ctx context.Context, id string) (*accounting.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer, ok := m.transfers[id]
	if !ok {
		return nil, &accounting.Error{Code: accounting.CodeUnknownTransfer, Index: -1}
	}
	cp := *transfer
	return &cp, nil
}

func (m *Memory) ApplyTransfer(ctx context.Context, transfer *accounting.Transfer, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireDueLocked(now)

	if _, ok := m.transfers[transfer.ID]; ok {
		return &accounting.Error{Code: accounting.CodeDuplicateTransfer, Index: -1}
	}
	source, ok := m.accounts[transfer.SourceID]
	if !ok {
		return &accounting.Error{Code: accounting.CodeUnknownAccount, Index: -1}
	}
	destination, ok := m.accounts[transfer.DestinationID]
	if !ok {
		return &accounting.Error{Code: accounting.CodeUnknownAccount, Index: -1}
	}

	if available, unlimited := source.AvailableToDebit(); !unlimited && available < transfer.Amount {
		return &accounting.Error{Code: accounting.CodeInsufficientBalance, Index: -1}
	}

	if transfer.State == accounting.TransferPending {
		source.DebitsPending += transfer.Amount
		destination.CreditsPending += transfer.Amount
	} else {
		source.DebitsPosted += transfer.Amount
		destination.CreditsPosted += transfer.Amount
	}

	cp := *transfer
	m.transfers[transfer.ID] = &cp
	return nil
}

func (m *Memory) ResolveTransfer(ctx context.Context, id string, commit bool, now time.Time) (*accounting.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transfer, ok := m.transfers[id]
	if !ok {
		return nil, &accounting.Error{Code: accounting.CodeUnknownTransfer, Index: -1}
	}

	switch transfer.State {
	case accounting.TransferPosted:
		return nil, &accounting.Error{Code: accounting.CodeAlreadyCommitted, Index: -1}
	case accounting.TransferVoided:
		return nil, &accounting.Error{Code: accounting.CodeAlreadyRolledBack, Index: -1}
	case accounting.TransferExpired:
		return nil, &accounting.Error{Code: accounting.CodeTransferExpired, Index: -1}
	}

	if transfer.ExpiredAt(now) {
		m.expireLocked(transfer, now)
		return nil, &accounting.Error{Code: accounting.CodeTransferExpired, Index: -1}
	}

	source := m.accounts[transfer.SourceID]
	destination := m.accounts[transfer.DestinationID]
	source.DebitsPending -= transfer.Amount
	destination.CreditsPending -= transfer.Amount
	if commit {
		source.DebitsPosted += transfer.Amount
		destination.CreditsPosted += transfer.Amount
		transfer.State = accounting.TransferPosted
	} else {
		transfer.State = accounting.TransferVoided
	}
	transfer.ResolvedAt = now

	cp := *transfer
	return &cp, nil
}

func (m *Memory) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireDueLocked(now), nil
}

func (m *Memory) expireDueLocked(now time.Time) int {
	expired := 0
	for _, transfer := range m.transfers {
		if transfer.State == accounting.TransferPending && transfer.ExpiredAt(now) {
			m.expireLocked(transfer, now)
			expired++
		}
	}
	return expired
}

func (m *Memory) expireLocked(transfer *accounting.Transfer, now time.Time) {
	source := m.accounts[transfer.SourceID]
	destination := m.accounts[transfer.DestinationID]
	source.DebitsPending -= transfer.Amount
	destination.CreditsPending -= transfer.Amount
	transfer.State = accounting.TransferExpired
	transfer.ResolvedAt = now
}

// --- payments.Store ---

func (m *Memory) CreatePayment(ctx context.Context, payment *payments.OutgoingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[payment.ID]; ok {
		return errors.New("payment already exists")
	}
	m.payments[payment.ID] = clonePayment(payment)
	m.rowLocks[payment.ID] = &sync.Mutex{}
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*payments.OutgoingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payment, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	return clonePayment(payment), nil
}

func (m *Memory) AcquirePayment(ctx context.Context, id string) (payments.Locked, error) {
	m.mu.Lock()
	rowLock, ok := m.rowLocks[id]
	m.mu.Unlock()
	if !ok {
		return nil, payments.ErrNotFound
	}

	rowLock.Lock()

	m.mu.Lock()
	payment := clonePayment(m.payments[id])
	m.mu.Unlock()
	return &memoryLocked{store: m, rowLock: rowLock, payment: payment}, nil
}

func (m *Memory) AcquireNextPayment(ctx context.Context, now time.Time) (payments.Locked, error) {
	m.mu.Lock()
	candidates := make([]*payments.OutgoingPayment, 0)
	for _, payment := range m.payments {
		if payments.Eligible(payment, now) {
			candidates = append(candidates, payment)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].NextAttemptAt.Before(candidates[j].NextAttemptAt)
	})

	for _, candidate := range candidates {
		rowLock := m.rowLocks[candidate.ID]
		if !rowLock.TryLock() {
			continue
		}
		// Re-check: the previous holder may have advanced it.
		current := m.payments[candidate.ID]
		if !payments.Eligible(current, now) {
			rowLock.Unlock()
			continue
		}
		payment := clonePayment(current)
		m.mu.Unlock()
		return &memoryLocked{store: m, rowLock: rowLock, payment: payment}, nil
	}
	m.mu.Unlock()
	return nil, nil
}

type memoryLocked struct {
	store   *Memory
	rowLock *sync.Mutex
	payment *payments.OutgoingPayment
	done    bool
}

func (l *memoryLocked) Payment() *payments.OutgoingPayment {
	return l.payment
}

func (l *memoryLocked) Save(ctx context.Context) error {
	l.store.mu.Lock()
	l.store.payments[l.payment.ID] = clonePayment(l.payment)
	l.store.mu.Unlock()
	return nil
}

func (l *memoryLocked) Release(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	l.rowLock.Unlock()
}

func clonePayment(p *payments.OutgoingPayment) *payments.OutgoingPayment {
	cp := *p
	if p.Quote != nil {
		quote := *p.Quote
		cp.Quote = &quote
	}
	if p.Destination != nil {
		destination := *p.Destination
		cp.Destination = &destination
	}
	return &cp
}
