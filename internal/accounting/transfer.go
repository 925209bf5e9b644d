package accounting

import "time"

type TransferState string

const (
	// TransferPending is a two-phase reservation awaiting commit or rollback.
	TransferPending TransferState = "pending"
	// TransferPosted is final: the debit and credit have been applied.
	TransferPosted TransferState = "posted"
	// TransferVoided is final: the reservation was rolled back.
	TransferVoided TransferState = "voided"
	// TransferExpired is final: the reservation outlived its timeout and the
	// reserved amount was released.
	TransferExpired TransferState = "expired"
)

// Transfer is one elementary double-entry movement: it debits the source and
// credits the destination within a single asset unit. The ID is a
// caller-supplied idempotency key; reusing one is a definitive rejection.
type Transfer struct {
	ID            string        `json:"id"`
	SourceID      string        `json:"source_id"`
	DestinationID string        `json:"destination_id"`
	Unit          uint32        `json:"unit"`
	Amount        uint64        `json:"amount"`
	State         TransferState `json:"state"`

	// ExpiresAt is zero for single-phase transfers.
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

func (t *Transfer) TwoPhase() bool {
	return !t.ExpiresAt.IsZero()
}

func (t *Transfer) ExpiredAt(now time.Time) bool {
	return t.TwoPhase() && now.After(t.ExpiresAt)
}
