package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/payflow/internal/accounting"
)

const pgUniqueViolation = "23505"

// Postgres implements the ledger store and the payment store on a pgx pool.
// Transfers against an account are serialized by ordered row locks; the
// payment work queue uses FOR UPDATE SKIP LOCKED so workers never contend on
// the same payment.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{db: pool}, nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

// Bootstrap creates the schema if it does not exist yet.
func (s *Postgres) Bootstrap(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS assets (
	unit        BIGINT PRIMARY KEY,
	code        TEXT NOT NULL,
	scale       SMALLINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	unit            BIGINT NOT NULL REFERENCES assets(unit),
	role            TEXT NOT NULL,
	credits_posted  BIGINT NOT NULL DEFAULT 0,
	credits_pending BIGINT NOT NULL DEFAULT 0,
	debits_posted   BIGINT NOT NULL DEFAULT 0,
	debits_pending  BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS accounts_unit_role_idx ON accounts (unit, role);

CREATE TABLE IF NOT EXISTS transfers (
	id              TEXT PRIMARY KEY,
	source_id       TEXT NOT NULL REFERENCES accounts(id),
	destination_id  TEXT NOT NULL REFERENCES accounts(id),
	unit            BIGINT NOT NULL,
	amount          BIGINT NOT NULL,
	state           TEXT NOT NULL,
	expires_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS transfers_pending_expiry_idx ON transfers (expires_at) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS outgoing_payments (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL REFERENCES accounts(id),
	unit               BIGINT NOT NULL,
	payment_pointer    TEXT NOT NULL DEFAULT '',
	amount_to_send     BIGINT NOT NULL DEFAULT 0,
	invoice_url        TEXT NOT NULL DEFAULT '',
	state              TEXT NOT NULL,
	error              TEXT NOT NULL DEFAULT '',
	state_attempts     INT NOT NULL DEFAULT 0,
	withdraw_liquidity BOOLEAN NOT NULL DEFAULT FALSE,
	quote              JSONB,
	quote_deadline     TIMESTAMPTZ,
	destination        JSONB,
	amount_sent        BIGINT NOT NULL DEFAULT 0,
	amount_delivered   BIGINT NOT NULL DEFAULT 0,
	next_attempt_at    TIMESTAMPTZ NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS outgoing_payments_queue_idx ON outgoing_payments (next_attempt_at) WHERE state IN ('QUOTING','SENDING') OR withdraw_liquidity;
`)
	return err
}

// --- accounting.Store ---

func (s *Postgres) CreateAsset(ctx context.Context, asset *accounting.Asset) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO assets (unit, code, scale, created_at) VALUES ($1, $2, $3, $4)",
		int64(asset.Unit), asset.Code, int16(asset.Scale), asset.CreatedAt)
	if isUniqueViolation(err) {
		return &accounting.Error{Code: accounting.CodeDuplicateAsset, Index: -1}
	}
	return err
}

func (s *Postgres) GetAsset(ctx context.Context, unit uint32) (*accounting.Asset, error) {
	var asset accounting.Asset
	var dbUnit int64
	var scale int16
	err := s.db.QueryRow(ctx,
		"SELECT unit, code, scale, created_at FROM assets WHERE unit = $1",
		int64(unit)).Scan(&dbUnit, &asset.Code, &scale, &asset.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAsset, Index: -1}
	}
	if err != nil {
		return nil, err
	}
	asset.Unit = uint32(dbUnit)
	asset.Scale = uint8(scale)
	return &asset, nil
}

func (s *Postgres) CreateAccount(ctx context.Context, account *accounting.Account) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO accounts (id, unit, role, created_at) VALUES ($1, $2, $3, $4)",
		account.ID, int64(account.Unit), string(account.Role), account.CreatedAt)
	if isUniqueViolation(err) {
		return &accounting.Error{Code: accounting.CodeDuplicateAccount, Index: -1}
	}
	return err
}

const accountColumns = "id, unit, role, credits_posted, credits_pending, debits_posted, debits_pending, created_at"

func (s *Postgres) GetAccount(ctx context.Context, id string) (*accounting.Account, error) {
	row := s.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	return scanAccount(row)
}

func (s *Postgres) SystemAccount(ctx context.Context, unit uint32, role accounting.Role) (*accounting.Account, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE unit = $1 AND role = $2 LIMIT 1",
		int64(unit), string(role))
	account, err := scanAccount(row)
	if accounting.IsCode(err, accounting.CodeUnknownAccount) {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAsset, Index: -1}
	}
	return account, err
}

func (s *Postgres) GetTransfer(ctx context.Context, id string) (*accounting.Transfer, error) {
	row := s.db.QueryRow(ctx,
		"SELECT id, source_id, destination_id, unit, amount, state, expires_at, created_at, resolved_at FROM transfers WHERE id = $1", id)
	return scanTransfer(row)
}

func (s *Postgres) ApplyTransfer(ctx context.Context, transfer *accounting.Transfer, now time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Only reservations touching these two accounts can affect the
	// availability check; an unscoped sweep would serialize unrelated
	// transfers behind it.
	if _, err := expireDueTx(ctx, tx, now, transfer.SourceID, transfer.DestinationID); err != nil {
		return err
	}

	// Deterministic lock order prevents deadlocks between concurrent
	// transfers touching the same account pair.
	first, second := transfer.SourceID, transfer.DestinationID
	if first > second {
		first, second = second, first
	}
	firstAcc, err := lockAccount(ctx, tx, first)
	if err != nil {
		return err
	}
	secondAcc, err := lockAccount(ctx, tx, second)
	if err != nil {
		return err
	}

	source := firstAcc
	if source.ID != transfer.SourceID {
		source = secondAcc
	}
	if available, unlimited := source.AvailableToDebit(); !unlimited && available < transfer.Amount {
		return &accounting.Error{Code: accounting.CodeInsufficientBalance, Index: -1}
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO transfers (id, source_id, destination_id, unit, amount, state, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		transfer.ID, transfer.SourceID, transfer.DestinationID, int64(transfer.Unit),
		int64(transfer.Amount), string(transfer.State), nullTime(transfer.ExpiresAt), transfer.CreatedAt)
	if isUniqueViolation(err) {
		return &accounting.Error{Code: accounting.CodeDuplicateTransfer, Index: -1}
	}
	if err != nil {
		return err
	}

	debitCol, creditCol := "debits_posted", "credits_posted"
	if transfer.State == accounting.TransferPending {
		debitCol, creditCol = "debits_pending", "credits_pending"
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET "+debitCol+" = "+debitCol+" + $1 WHERE id = $2",
		int64(transfer.Amount), transfer.SourceID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET "+creditCol+" = "+creditCol+" + $1 WHERE id = $2",
		int64(transfer.Amount), transfer.DestinationID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ResolveTransfer(ctx context.Context, id string, commit bool, now time.Time) (*accounting.Transfer, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		"SELECT id, source_id, destination_id, unit, amount, state, expires_at, created_at, resolved_at FROM transfers WHERE id = $1 FOR UPDATE", id)
	transfer, err := scanTransfer(row)
	if err != nil {
		return nil, err
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
		if err := releasePendingTx(ctx, tx, transfer, string(accounting.TransferExpired), false, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, &accounting.Error{Code: accounting.CodeTransferExpired, Index: -1}
	}

	state := accounting.TransferVoided
	if commit {
		state = accounting.TransferPosted
	}
	if err := releasePendingTx(ctx, tx, transfer, string(state), commit, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	transfer.State = state
	transfer.ResolvedAt = now
	return transfer, nil
}

func (s *Postgres) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	expired, err := expireDueTx(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	return expired, tx.Commit(ctx)
}

// expireDueTx releases lapsed reservations inside the caller's tx, limited to
// transfers touching accountIDs when any are given.
func expireDueTx(ctx context.Context, tx pgx.Tx, now time.Time, accountIDs ...string) (int, error) {
	query := "SELECT id, source_id, destination_id, unit, amount, state, expires_at, created_at, resolved_at FROM transfers WHERE state = 'pending' AND expires_at < $1"
	args := []any{now}
	if len(accountIDs) > 0 {
		query += " AND (source_id = ANY($2) OR destination_id = ANY($2))"
		args = append(args, accountIDs)
	}
	query += " FOR UPDATE"

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	var due []*accounting.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, transfer)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, transfer := range due {
		if err := releasePendingTx(ctx, tx, transfer, string(accounting.TransferExpired), false, now); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// releasePendingTx removes a reservation from the pending totals, optionally
// posting it, and finalizes the transfer row.
func releasePendingTx(ctx context.Context, tx pgx.Tx, transfer *accounting.Transfer, state string, post bool, now time.Time) error {
	debitDelta := "debits_pending = debits_pending - $1"
	creditDelta := "credits_pending = credits_pending - $1"
	if post {
		debitDelta += ", debits_posted = debits_posted + $1"
		creditDelta += ", credits_posted = credits_posted + $1"
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET "+debitDelta+" WHERE id = $2",
		int64(transfer.Amount), transfer.SourceID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET "+creditDelta+" WHERE id = $2",
		int64(transfer.Amount), transfer.DestinationID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		"UPDATE transfers SET state = $1, resolved_at = $2 WHERE id = $3",
		state, now, transfer.ID)
	return err
}

func lockAccount(ctx context.Context, tx pgx.Tx, id string) (*accounting.Account, error) {
	row := tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id)
	return scanAccount(row)
}

func scanAccount(row pgx.Row) (*accounting.Account, error) {
	var account accounting.Account
	var unit, creditsPosted, creditsPending, debitsPosted, debitsPending int64
	var role string
	err := row.Scan(&account.ID, &unit, &role, &creditsPosted, &creditsPending, &debitsPosted, &debitsPending, &account.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &accounting.Error{Code: accounting.CodeUnknownAccount, Index: -1}
	}
	if err != nil {
		return nil, err
	}
	account.Unit = uint32(unit)
	account.Role = accounting.Role(role)
	account.CreditsPosted = uint64(creditsPosted)
	account.CreditsPending = uint64(creditsPending)
	account.DebitsPosted = uint64(debitsPosted)
	account.DebitsPending = uint64(debitsPending)
	return &account, nil
}

func scanTransfer(row pgx.Row) (*accounting.Transfer, error) {
	var transfer accounting.Transfer
	var unit, amount int64
	var state string
	var expiresAt, resolvedAt *time.Time
	err := row.Scan(&transfer.ID, &transfer.SourceID, &transfer.DestinationID, &unit, &amount, &state, &expiresAt, &transfer.CreatedAt, &resolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &accounting.Error{Code: accounting.CodeUnknownTransfer, Index: -1}
	}
	if err != nil {
		return nil, err
	}
	transfer.Unit = uint32(unit)
	transfer.Amount = uint64(amount)
	transfer.State = accounting.TransferState(state)
	if expiresAt != nil {
		transfer.ExpiresAt = *expiresAt
	}
	if resolvedAt != nil {
		transfer.ResolvedAt = *resolvedAt
	}
	return &transfer, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
