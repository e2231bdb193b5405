package repository

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/ledger"
	"creditledger/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the durable ledger.Store. Postings lock the account row with
// SELECT ... FOR UPDATE, so writers on one account are serialized while other
// accounts proceed in parallel.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	accountColumns = `id, balance, last_entry_id, last_entry_at, created_at, updated_at`
	entryColumns   = `id, account_id, amount, balance_after, reason, reference, idempotency_key, details, created_at`
)

func (s *PostgresStore) CreateAccount(ctx context.Context, grant model.Posting) (model.PostingResult, error) {
	var res model.PostingResult
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO accounts (id) VALUES ($1)`, grant.AccountID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ledger.ErrAccountExists
			}
			return fmt.Errorf("insert account: %w", err)
		}
		if grant.Amount <= 0 {
			return nil
		}
		e, err := appendEntry(ctx, tx, grant)
		if err != nil {
			return err
		}
		res = model.PostingResult{Balance: e.BalanceAfter, Entry: e}
		return nil
	})
	if err != nil {
		return model.PostingResult{}, mapPgError(err)
	}
	return res, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	var (
		acc     model.Account
		balance int64
	)
	err := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID).
		Scan(&acc.ID, &balance, &acc.LastEntryID, &acc.LastEntryAt, &acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("query account: %w", mapPgError(err))
	}
	acc.Balance = model.Credits(balance)
	return acc, nil
}

func (s *PostgresStore) Post(ctx context.Context, p model.Posting) (model.PostingResult, error) {
	var res model.PostingResult
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if p.IdempotencyKey != "" {
			row := tx.QueryRow(ctx,
				`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 AND idempotency_key = $2`,
				p.AccountID, p.IdempotencyKey)
			original, err := scanEntry(row)
			switch {
			case err == nil:
				res, err = replay(original, p)
				return err
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("idempotency lookup: %w", err)
			}
		}

		if p.Amount < 0 && balance+int64(p.Amount) < 0 {
			return &ledger.InsufficientBalanceError{
				Required:  -p.Amount,
				Available: model.Credits(balance),
			}
		}

		e, err := appendEntry(ctx, tx, p)
		if err != nil {
			return err
		}
		res = model.PostingResult{Balance: e.BalanceAfter, Entry: e}
		return nil
	})
	if err != nil {
		return model.PostingResult{}, mapPgError(err)
	}
	return res, nil
}

// appendEntry updates the locked account row and inserts the entry in one statement.
// The entry id is drawn while the row lock is held, so ids follow commit order per account.
func appendEntry(ctx context.Context, tx pgx.Tx, p model.Posting) (model.LedgerEntry, error) {
	var id int64
	if err := tx.QueryRow(ctx, `SELECT nextval('ledger_entries_id_seq')`).Scan(&id); err != nil {
		return model.LedgerEntry{}, fmt.Errorf("allocate entry id: %w", err)
	}

	const q = `
		WITH acc AS (
			UPDATE accounts
			   SET balance       = balance + $2,
			       last_entry_id = $3,
			       last_entry_at = GREATEST(clock_timestamp(), last_entry_at),
			       updated_at    = clock_timestamp()
			 WHERE id = $1
			RETURNING balance, last_entry_at
		)
		INSERT INTO ledger_entries (id, account_id, amount, balance_after, reason, reference, idempotency_key, details, created_at)
		SELECT $3, $1, $2, acc.balance, $4, $5, $6, $7, acc.last_entry_at FROM acc
		RETURNING ` + entryColumns

	row := tx.QueryRow(ctx, q,
		p.AccountID,
		int64(p.Amount),
		id,
		p.Reason.String(),
		nullable(p.Reference),
		nullable(p.IdempotencyKey),
		p.Details,
	)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LedgerEntry{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("append entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, page model.Page) (model.EntryPage, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		  WHERE account_id = $1 AND ($2::bigint = 0 OR id < $2)
		  ORDER BY id DESC
		  LIMIT $3`,
		accountID, page.Before, page.Limit+1)
	if err != nil {
		return model.EntryPage{}, fmt.Errorf("query entries: %w", mapPgError(err))
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return model.EntryPage{}, err
	}

	out := model.EntryPage{Entries: entries}
	if len(entries) > page.Limit {
		out.Entries = entries[:page.Limit]
		out.NextBefore = out.Entries[page.Limit-1].ID
	}
	if len(out.Entries) == 0 {
		if _, err := s.GetAccount(ctx, accountID); err != nil {
			return model.EntryPage{}, err
		}
	}
	return out, nil
}

func (s *PostgresStore) FindByReference(ctx context.Context, reference string) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE reference = $1 ORDER BY id ASC`, reference)
	if err != nil {
		return nil, fmt.Errorf("query entries by reference: %w", mapPgError(err))
	}
	return collectEntries(rows)
}

func (s *PostgresStore) DeleteAccount(ctx context.Context, accountID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("delete account: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) AuditAccount(ctx context.Context, accountID string) (model.AccountAudit, error) {
	audit := model.AccountAudit{AccountID: accountID}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

	err := pgx.BeginTxFunc(ctx, s.db, opts, func(tx pgx.Tx) error {
		var balance, sum int64
		err := tx.QueryRow(ctx, `
			SELECT a.balance, COALESCE(SUM(e.amount), 0), COUNT(e.id)
			  FROM accounts a
			  LEFT JOIN ledger_entries e ON e.account_id = a.id
			 WHERE a.id = $1
			 GROUP BY a.balance`, accountID).Scan(&balance, &sum, &audit.EntryCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("sum entries: %w", err)
		}
		audit.Balance = model.Credits(balance)
		audit.EntrySum = model.Credits(sum)

		err = tx.QueryRow(ctx, `
			SELECT id FROM (
				SELECT id, balance_after, SUM(amount) OVER (ORDER BY id) AS running
				  FROM ledger_entries
				 WHERE account_id = $1
			) chain
			WHERE balance_after <> running
			ORDER BY id
			LIMIT 1`, accountID).Scan(&audit.ChainBreakID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check balance chain: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.AccountAudit{}, mapPgError(err)
	}
	return audit, nil
}

func (s *PostgresStore) AccountIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM accounts WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", mapPgError(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan account ids: %w", err)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.LedgerEntry, error) {
	var (
		e              model.LedgerEntry
		amount, after  int64
		reason         string
		reference, key *string
	)
	err := row.Scan(&e.ID, &e.AccountID, &amount, &after, &reason, &reference, &key, &e.Details, &e.CreatedAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Reason, err = model.ParseReason(reason)
	if err != nil {
		return model.LedgerEntry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	e.Amount = model.Credits(amount)
	e.BalanceAfter = model.Credits(after)
	if reference != nil {
		e.Reference = *reference
	}
	if key != nil {
		e.IdempotencyKey = *key
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	entries := []model.LedgerEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", mapPgError(err))
	}
	return entries, nil
}

// mapPgError turns retryable Postgres failures into ledger.ErrConflict. Everything
// else, including domain errors returned from inside a transaction, passes through.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
	case pgUniqueViolation:
		if pgErr.ConstraintName == "ledger_entries_idempotency_idx" {
			return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
		}
	case pgCheckViolation:
		if pgErr.TableName == "accounts" {
			return fmt.Errorf("%w: %s", ledger.ErrInsufficientBalance, pgErr.Message)
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
