package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/payflow/internal/logger"
	"github.com/punchamoorthee/payflow/internal/payments"
)

const paymentColumns = "id, account_id, unit, payment_pointer, amount_to_send, invoice_url, state, error, state_attempts, withdraw_liquidity, quote, destination, amount_sent, amount_delivered, next_attempt_at, created_at, updated_at"

// eligibleWhere mirrors payments.Eligible: quoting/sending rows past their
// backoff, funding rows past the quote deadline, and terminal rows with an
// outstanding liquidity withdrawal.
const eligibleWhere = `
	   (state IN ('QUOTING','SENDING') AND next_attempt_at <= $1)
	OR (state = 'FUNDING' AND quote_deadline IS NOT NULL AND quote_deadline < $1)
	OR (state IN ('COMPLETED','CANCELLED') AND withdraw_liquidity AND next_attempt_at <= $1)`

func (s *Postgres) CreatePayment(ctx context.Context, payment *payments.OutgoingPayment) error {
	quote, deadline, destination, err := marshalPaymentDocs(payment)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO outgoing_payments (`+paymentColumns+`, quote_deadline)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		payment.ID, payment.AccountID, int64(payment.Unit),
		payment.Intent.PaymentPointer, int64(payment.Intent.AmountToSend), payment.Intent.InvoiceURL,
		string(payment.State), payment.Error, payment.StateAttempts, payment.WithdrawLiquidity,
		quote, destination, int64(payment.AmountSent), int64(payment.AmountDelivered),
		payment.NextAttemptAt, payment.CreatedAt, payment.UpdatedAt, deadline)
	return err
}

func (s *Postgres) GetPayment(ctx context.Context, id string) (*payments.OutgoingPayment, error) {
	row := s.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM outgoing_payments WHERE id = $1", id)
	return scanPayment(row)
}

func (s *Postgres) AcquirePayment(ctx context.Context, id string) (payments.Locked, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, "SELECT "+paymentColumns+" FROM outgoing_payments WHERE id = $1 FOR UPDATE", id)
	payment, err := scanPayment(row)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgLocked{tx: tx, payment: payment}, nil
}

func (s *Postgres) AcquireNextPayment(ctx context.Context, now time.Time) (payments.Locked, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
SELECT `+paymentColumns+` FROM outgoing_payments
WHERE `+eligibleWhere+`
ORDER BY next_attempt_at
LIMIT 1
FOR UPDATE SKIP LOCKED`, now)
	payment, err := scanPayment(row)
	if errors.Is(err, payments.ErrNotFound) {
		_ = tx.Rollback(ctx)
		return nil, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &pgLocked{tx: tx, payment: payment}, nil
}

// pgLocked holds the row lock through its transaction. Save commits the
// mutated payment; Release without Save rolls the transaction back.
type pgLocked struct {
	tx      pgx.Tx
	payment *payments.OutgoingPayment
	done    bool
}

func (l *pgLocked) Payment() *payments.OutgoingPayment {
	return l.payment
}

func (l *pgLocked) Save(ctx context.Context) error {
	quote, deadline, destination, err := marshalPaymentDocs(l.payment)
	if err != nil {
		return err
	}

	_, err = l.tx.Exec(ctx, `
UPDATE outgoing_payments SET
	state = $2, error = $3, state_attempts = $4, withdraw_liquidity = $5,
	quote = $6, quote_deadline = $7, destination = $8,
	amount_sent = $9, amount_delivered = $10,
	next_attempt_at = $11, updated_at = $12
WHERE id = $1`,
		l.payment.ID, string(l.payment.State), l.payment.Error, l.payment.StateAttempts,
		l.payment.WithdrawLiquidity, quote, deadline, destination,
		int64(l.payment.AmountSent), int64(l.payment.AmountDelivered),
		l.payment.NextAttemptAt, l.payment.UpdatedAt)
	if err != nil {
		return err
	}

	if err := l.tx.Commit(ctx); err != nil {
		return err
	}
	l.done = true
	return nil
}

func (l *pgLocked) Release(ctx context.Context) {
	if l.done {
		return
	}
	l.done = true
	if err := l.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Warn("payment lock release failed", logger.Fields{"error": err.Error()})
	}
}

func marshalPaymentDocs(payment *payments.OutgoingPayment) (quote []byte, deadline any, destination []byte, err error) {
	if payment.Quote != nil {
		quote, err = json.Marshal(payment.Quote)
		if err != nil {
			return nil, nil, nil, err
		}
		deadline = payment.Quote.ActivationDeadline
	}
	if payment.Destination != nil {
		destination, err = json.Marshal(payment.Destination)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return quote, deadline, destination, nil
}

func scanPayment(row pgx.Row) (*payments.OutgoingPayment, error) {
	var payment payments.OutgoingPayment
	var unit, amountToSend, amountSent, amountDelivered int64
	var state string
	var quote, destination []byte
	err := row.Scan(&payment.ID, &payment.AccountID, &unit,
		&payment.Intent.PaymentPointer, &amountToSend, &payment.Intent.InvoiceURL,
		&state, &payment.Error, &payment.StateAttempts, &payment.WithdrawLiquidity,
		&quote, &destination, &amountSent, &amountDelivered,
		&payment.NextAttemptAt, &payment.CreatedAt, &payment.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	payment.Unit = uint32(unit)
	payment.Intent.AmountToSend = uint64(amountToSend)
	payment.State = payments.State(state)
	payment.AmountSent = uint64(amountSent)
	payment.AmountDelivered = uint64(amountDelivered)

	if len(quote) > 0 {
		payment.Quote = &payments.Quote{}
		if err := json.Unmarshal(quote, payment.Quote); err != nil {
			return nil, err
		}
	}
	if len(destination) > 0 {
		payment.Destination = &payments.Destination{}
		if err := json.Unmarshal(destination, payment.Destination); err != nil {
			return nil, err
		}
	}
	return &payment, nil
}
