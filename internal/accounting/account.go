package accounting

import "time"

// Role tags an account's function within its asset unit. Liquidity and
// settlement accounts are system accounts created alongside the asset; they
// act as counterparties for deposits, withdrawals and cross-asset bridging.
type Role string

const (
	RoleOrdinary   Role = "ordinary"
	RoleLiquidity  Role = "liquidity"
	RoleSettlement Role = "settlement"
)

// Asset maps an integer unit to a currency code and scale. Amounts are
// integers denominated in 10^-scale of the currency.
type Asset struct {
	Unit      uint32    `json:"unit"`
	Code      string    `json:"code"`
	Scale     uint8     `json:"scale"`
	CreatedAt time.Time `json:"created_at"`
}

// Account holds no balance column. Balances are derived from the four
// running totals, which only move together with a transfer row.
type Account struct {
	ID   string `json:"id"`
	Unit uint32 `json:"unit"`
	Role Role   `json:"role"`

	CreditsPosted  uint64 `json:"credits_posted"`
	CreditsPending uint64 `json:"credits_pending"`
	DebitsPosted   uint64 `json:"debits_posted"`
	DebitsPending  uint64 `json:"debits_pending"`

	CreatedAt time.Time `json:"created_at"`
}

// DebitNormal reports whether debits increase this account's balance.
// Settlement accounts sit on the boundary to the outside world: money enters
// the ledger by debiting them and leaves by crediting them.
func (a *Account) DebitNormal() bool {
	return a.Role == RoleSettlement
}

// Balance is the posted balance under the account's polarity.
func (a *Account) Balance() uint64 {
	if a.DebitNormal() {
		if a.DebitsPosted < a.CreditsPosted {
			return 0
		}
		return a.DebitsPosted - a.CreditsPosted
	}
	if a.CreditsPosted < a.DebitsPosted {
		return 0
	}
	return a.CreditsPosted - a.DebitsPosted
}

// AvailableToDebit returns how much the account may still be debited,
// counting outstanding reservations against the posted balance. The second
// return is true when the account is debit-normal and therefore has no
// spending limit.
func (a *Account) AvailableToDebit() (uint64, bool) {
	if a.DebitNormal() {
		return 0, true
	}
	balance := a.Balance()
	if balance < a.DebitsPending {
		return 0, false
	}
	return balance - a.DebitsPending, false
}
