package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/marketledger/internal/idgen"
	"github.com/mbd888/marketledger/internal/pagination"
	"github.com/mbd888/marketledger/internal/tracking"
)

// PostgresStore implements Store with PostgreSQL. Schema lives in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, tracking_id, owner_id, owner_type, balance, currency, status,
		       total_credits, total_debits, entry_count, last_entry_at, created_at, updated_at`

const entryColumns = `id, wallet_id, reference_id, kind, amount, balance_before, balance_after,
		       memo, created_at`

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (
			id, tracking_id, owner_id, owner_type, balance, currency, status,
			total_credits, total_debits, entry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8, $9)`,
		w.ID, w.TrackingID, w.OwnerID, string(w.OwnerType), w.Balance, w.Currency, string(w.Status),
		w.CreatedAt, w.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		if pqErr.Constraint == "wallets_tracking_id_key" {
			return tracking.ErrTaken
		}
		return ErrWalletExists
	}
	return err
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

func (p *PostgresStore) GetWalletByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID)
	return scanWallet(row)
}

func (p *PostgresStore) GetWalletByTrackingID(ctx context.Context, trackingID string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE tracking_id = $1`, trackingID)
	return scanWallet(row)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE wallets SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+walletColumns, id, string(status))
	return scanWallet(row)
}

// Apply runs the whole posting in one transaction. The wallet row is locked
// with SELECT ... FOR UPDATE so concurrent postings to the same wallet queue
// behind each other; the UNIQUE reference_id constraint settles races between
// two postings that share a reference.
func (p *PostgresStore) Apply(ctx context.Context, posting Posting) (*Entry, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	existing, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1`, posting.ReferenceID))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, false, err
	}

	var (
		balance      int64
		totalCredits int64
		status       string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT balance, total_credits, status FROM wallets WHERE id = $1 FOR UPDATE`, posting.WalletID,
	).Scan(&balance, &totalCredits, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrWalletNotFound
	}
	if err != nil {
		return nil, false, err
	}

	var credit, debit int64
	after := balance
	switch posting.Kind {
	case Debit:
		if Status(status) == StatusSuspended {
			return nil, false, ErrWalletSuspended
		}
		if balance < posting.Amount {
			return nil, false, ErrInsufficientFunds
		}
		after = balance - posting.Amount
		debit = posting.Amount
	case Credit:
		if !creditFits(balance, totalCredits, posting.Amount) {
			return nil, false, ErrBalanceOverflow
		}
		after = balance + posting.Amount
		credit = posting.Amount
	default:
		return nil, false, ErrInvalidAmount
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance       = $2,
			total_credits = total_credits + $3,
			total_debits  = total_debits + $4,
			entry_count   = entry_count + 1,
			last_entry_at = $5,
			updated_at    = $5
		WHERE id = $1`,
		posting.WalletID, after, credit, debit, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}

	e := &Entry{
		ID:            idgen.WithPrefix("ent_"),
		WalletID:      posting.WalletID,
		ReferenceID:   posting.ReferenceID,
		Kind:          posting.Kind,
		Amount:        posting.Amount,
		BalanceBefore: balance,
		BalanceAfter:  after,
		Memo:          posting.Memo,
		CreatedAt:     now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.WalletID, e.ReferenceID, string(e.Kind), e.Amount, e.BalanceBefore, e.BalanceAfter,
		nullString(e.Memo), e.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// A concurrent posting with the same reference committed first.
		_ = tx.Rollback()
		prior, gerr := p.GetEntryByReference(ctx, posting.ReferenceID)
		if gerr != nil {
			return nil, false, fmt.Errorf("load concurrent entry: %w", gerr)
		}
		return prior, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return e, false, nil
}

func (p *PostgresStore) GetEntryByReference(ctx context.Context, referenceID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference_id = $1`, referenceID)
	return scanEntry(row)
}

func (p *PostgresStore) ListEntries(ctx context.Context, walletID string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE wallet_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, walletID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE wallet_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, walletID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (p *PostgresStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WalletSnapshot reads the wallet row and its entries inside one
// REPEATABLE READ transaction, so a posting that commits mid-read is either
// fully visible or not at all.
func (p *PostgresStore) WalletSnapshot(ctx context.Context, walletID string) (*Wallet, []*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	w, err := scanWallet(tx.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, walletID))
	if err != nil {
		return nil, nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at ASC, id ASC`, walletID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return w, entries, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(s scanner) (*Wallet, error) {
	w := &Wallet{}
	var (
		ownerType   string
		status      string
		lastEntryAt sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.TrackingID, &w.OwnerID, &ownerType, &w.Balance, &w.Currency, &status,
		&w.TotalCredits, &w.TotalDebits, &w.EntryCount, &lastEntryAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.OwnerType = OwnerType(ownerType)
	w.Status = Status(status)
	if lastEntryAt.Valid {
		t := lastEntryAt.Time
		w.LastEntryAt = &t
	}
	return w, nil
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var (
		kind string
		memo sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.WalletID, &e.ReferenceID, &kind, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
		&memo, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Memo = memo.String
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
