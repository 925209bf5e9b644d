package payments

import (
	"context"
	"time"
)

// Locked is one payment row held under its row lock. Mutate Payment() then
// Save; Release without Save discards the changes. At most one holder exists
// per payment at any time.
type Locked interface {
	Payment() *OutgoingPayment
	Save(ctx context.Context) error
	Release(ctx context.Context)
}

// Store persists outgoing payments. AcquireNextPayment implements the work
// queue: it picks one eligible row (per Eligible), skipping rows other
// workers already hold, and returns nil when there is no candidate.
type Store interface {
	CreatePayment(ctx context.Context, payment *OutgoingPayment) error
	GetPayment(ctx context.Context, id string) (*OutgoingPayment, error)
	AcquirePayment(ctx context.Context, id string) (Locked, error)
	AcquireNextPayment(ctx context.Context, now time.Time) (Locked, error)
}
