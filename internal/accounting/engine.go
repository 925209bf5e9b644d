package accounting

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store is the transactional persistence the Engine runs on. Every method is
// atomic; ApplyTransfer in particular must check availability and adjust the
// account totals under the same lock that serializes other transfers against
// those accounts.
type Store interface {
	CreateAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, unit uint32) (*Asset, error)

	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	SystemAccount(ctx context.Context, unit uint32, role Role) (*Account, error)

	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	// ApplyTransfer inserts the transfer and moves its amount onto the
	// account totals (pending totals for reservations). Expired reservations
	// are swept before the availability check so released funds are spendable.
	ApplyTransfer(ctx context.Context, transfer *Transfer, now time.Time) error
	// ResolveTransfer commits or voids a pending transfer, expiring it
	// instead if its deadline has passed.
	ResolveTransfer(ctx context.Context, id string, commit bool, now time.Time) (*Transfer, error)
	// ExpireDue releases every reservation whose deadline has passed,
	// returning how many were expired.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// Engine owns accounts and balances and executes the transfer protocol. It
// never retries and never calls out: each operation returns a typed *Error
// and leaves retry policy to the caller.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// TransferSpec is one leg of a composed multi-transfer operation.
type TransferSpec struct {
	ID            string
	SourceID      string
	DestinationID string
	Amount        uint64
	Timeout       time.Duration
}

// CreateAsset registers an asset unit and provisions its liquidity and
// settlement system accounts.
func (e *Engine) CreateAsset(ctx context.Context, unit uint32, code string, scale uint8) (*Asset, error) {
	asset := &Asset{Unit: unit, Code: code, Scale: scale, CreatedAt: time.Now()}
	if err := e.store.CreateAsset(ctx, asset); err != nil {
		return nil, err
	}

	for _, role := range []Role{RoleLiquidity, RoleSettlement} {
		account := &Account{
			ID:        uuid.NewString(),
			Unit:      unit,
			Role:      role,
			CreatedAt: time.Now(),
		}
		if err := e.store.CreateAccount(ctx, account); err != nil {
			return nil, err
		}
	}
	return asset, nil
}

func (e *Engine) GetAsset(ctx context.Context, unit uint32) (*Asset, error) {
	return e.store.GetAsset(ctx, unit)
}

// CreateAccount registers an account under the given asset unit. An empty
// role means an ordinary account.
func (e *Engine) CreateAccount(ctx context.Context, id string, unit uint32, role Role) (*Account, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, newError(CodeInvalidID)
	}
	if _, err := e.store.GetAsset(ctx, unit); err != nil {
		return nil, err
	}
	if role == "" {
		role = RoleOrdinary
	}

	account := &Account{ID: id, Unit: unit, Role: role, CreatedAt: time.Now()}
	if err := e.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (e *Engine) GetAccount(ctx context.Context, id string) (*Account, error) {
	return e.store.GetAccount(ctx, id)
}

// GetBalance returns the posted balance. Expired reservations are swept
// first so a released reservation is reflected immediately.
func (e *Engine) GetBalance(ctx context.Context, id string) (uint64, error) {
	if _, err := e.store.ExpireDue(ctx, time.Now()); err != nil {
		return 0, err
	}
	account, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.Balance(), nil
}

// GetTotalSent returns the cumulative posted debits against the account.
func (e *Engine) GetTotalSent(ctx context.Context, id string) (uint64, error) {
	account, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.DebitsPosted, nil
}

// GetTotalReceived returns the cumulative posted credits to the account.
func (e *Engine) GetTotalReceived(ctx context.Context, id string) (uint64, error) {
	account, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return account.CreditsPosted, nil
}

func (e *Engine) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	return e.store.GetTransfer(ctx, id)
}

// CreateTransfer executes one elementary transfer. A zero timeout posts the
// transfer immediately; a positive timeout creates a reservation that must
// be committed or rolled back before the deadline.
func (e *Engine) CreateTransfer(ctx context.Context, id, sourceID, destinationID string, amount uint64, timeout time.Duration) error {
	if _, err := uuid.Parse(id); err != nil {
		return newError(CodeInvalidID)
	}
	if amount == 0 {
		return newError(CodeZeroAmount)
	}
	if sourceID == destinationID {
		return newError(CodeSameAccount)
	}

	source, err := e.store.GetAccount(ctx, sourceID)
	if err != nil {
		return err
	}
	destination, err := e.store.GetAccount(ctx, destinationID)
	if err != nil {
		return err
	}
	if source.Unit != destination.Unit {
		return newError(CodeDifferentAssets)
	}

	now := time.Now()
	transfer := &Transfer{
		ID:            id,
		SourceID:      sourceID,
		DestinationID: destinationID,
		Unit:          source.Unit,
		Amount:        amount,
		State:         TransferPosted,
		CreatedAt:     now,
	}
	if timeout > 0 {
		transfer.State = TransferPending
		transfer.ExpiresAt = now.Add(timeout)
	}

	return e.store.ApplyTransfer(ctx, transfer, now)
}

func (e *Engine) CommitTransfer(ctx context.Context, id string) error {
	_, err := e.store.ResolveTransfer(ctx, id, true, time.Now())
	return err
}

func (e *Engine) RollbackTransfer(ctx context.Context, id string) error {
	_, err := e.store.ResolveTransfer(ctx, id, false, time.Now())
	return err
}

// CreateTransfers executes the legs in order, stopping at the first failure.
// Previously created reservations are rolled back best-effort and the
// returned *Error carries the failing leg's index. Callers composing
// cross-account flows should prefer two-phase legs so an abort is clean.
func (e *Engine) CreateTransfers(ctx context.Context, legs []TransferSpec) error {
	for i, leg := range legs {
		err := e.CreateTransfer(ctx, leg.ID, leg.SourceID, leg.DestinationID, leg.Amount, leg.Timeout)
		if err == nil {
			continue
		}

		for j := i - 1; j >= 0; j-- {
			if legs[j].Timeout > 0 {
				_ = e.RollbackTransfer(ctx, legs[j].ID)
			}
		}

		var lerr *Error
		if errors.As(err, &lerr) {
			return &Error{Code: lerr.Code, Index: i}
		}
		return err
	}
	return nil
}

// CreateDeposit moves funds into the ledger: a single-phase transfer from
// the asset's settlement account into the target account.
func (e *Engine) CreateDeposit(ctx context.Context, id, accountID string, amount uint64) error {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	settlement, err := e.store.SystemAccount(ctx, account.Unit, RoleSettlement)
	if err != nil {
		return err
	}
	return e.CreateTransfer(ctx, id, settlement.ID, accountID, amount, 0)
}

// CreateWithdrawal moves funds out of the ledger: a transfer from the
// account to the asset's settlement account. With a timeout it reserves the
// amount pending an external payout confirmation; the caller then commits
// (funds leave) or rolls back (funds are restored).
func (e *Engine) CreateWithdrawal(ctx context.Context, id, accountID string, amount uint64, timeout time.Duration) error {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	settlement, err := e.store.SystemAccount(ctx, account.Unit, RoleSettlement)
	if err != nil {
		return err
	}
	return e.CreateTransfer(ctx, id, accountID, settlement.ID, amount, timeout)
}

// LiquidityAccount resolves the asset's liquidity system account.
func (e *Engine) LiquidityAccount(ctx context.Context, unit uint32) (*Account, error) {
	return e.store.SystemAccount(ctx, unit, RoleLiquidity)
}
