package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudwatch/internal/idgen"
)

// PostgresStore persists transactions and flags in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `transaction_id, user_id, amount, event_time, merchant, location, is_flagged, fraud_type`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx        Transaction
		fraudType sql.NullString
	)
	if err := row.Scan(&tx.TransactionID, &tx.UserID, &tx.Amount, &tx.Timestamp,
		&tx.Merchant, &tx.Location, &tx.IsFlagged, &fraudType); err != nil {
		return nil, err
	}
	if fraudType.Valid {
		ft := fraudType.String
		tx.FraudType = &ft
	}
	return &tx, nil
}

func (p *PostgresStore) ResolveTransaction(ctx context.Context, tx *Transaction) (*Transaction, bool, error) {
	stored, err := scanTransaction(p.db.QueryRowContext(ctx, `
		INSERT INTO transactions (transaction_id, user_id, amount, event_time, merchant, location)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (transaction_id) DO NOTHING
		RETURNING `+transactionColumns,
		tx.TransactionID, tx.UserID, tx.Amount, tx.Timestamp, tx.Merchant, tx.Location,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	// Conflict: the transaction was already stored.
	existing, err := p.GetTransaction(ctx, tx.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE transaction_id = $1
	`, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) ListUserTransactions(ctx context.Context, userID string, from, to time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE user_id = $1 AND event_time >= $2 AND event_time <= $3
		ORDER BY event_time
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list user transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) ListTransactionsSince(ctx context.Context, since time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE event_time >= $1
		ORDER BY event_time, id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (p *PostgresStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	var latest sql.NullTime
	if err := p.db.QueryRowContext(ctx, `SELECT MAX(event_time) FROM transactions`).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest timestamp: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// RecordFlag inserts the flag and marks the transaction in one database
// transaction. The unique (transaction_id, fraud_type) constraint makes the
// dedup check and insert a single statement.
func (p *PostgresStore) RecordFlag(ctx context.Context, tx *Transaction, fraudType string) (*FlaggedTransaction, bool, error) {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	flag := newFlag(idgen.FlagID(), tx, fraudType)
	err = dbTx.QueryRowContext(ctx, `
		INSERT INTO flagged_transactions (id, transaction_id, user_id, fraud_type, amount, location, event_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (transaction_id, fraud_type) DO NOTHING
		RETURNING id
	`, flag.ID, flag.TransactionID, flag.UserID, flag.FraudType, flag.Amount, flag.Location, flag.Timestamp,
	).Scan(&flag.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert flag: %w", err)
	}

	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions SET is_flagged = TRUE, fraud_type = $2
		WHERE transaction_id = $1
	`, tx.TransactionID, fraudType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark transaction flagged: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, ErrTransactionNotFound
	}

	if err := dbTx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit flag: %w", err)
	}
	return flag, true, nil
}

func (p *PostgresStore) ListFlagged(ctx context.Context, userID string, limit int) ([]*FlaggedTransaction, error) {
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, fraud_type, amount, location, event_time
		FROM flagged_transactions
		WHERE ($1::text = '' OR user_id = $1)
		ORDER BY event_time DESC, created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*FlaggedTransaction
	for rows.Next() {
		var f FlaggedTransaction
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.UserID, &f.FraudType, &f.Amount, &f.Location, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan flagged transaction: %w", err)
		}
		result = append(result, &f)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE fraud_type LIKE '%' || $1::text || '%'),
			COUNT(*) FILTER (WHERE fraud_type LIKE '%' || $2::text || '%'),
			COUNT(*) FILTER (WHERE fraud_type LIKE '%' || $3::text || '%')
		FROM flagged_transactions
	`, matchHighFrequency, matchHighAmount, matchRapidLocation,
	).Scan(&s.TotalFlagged, &s.HighFrequency, &s.HighAmount, &s.RapidLocation)
	if err != nil {
		return nil, fmt.Errorf("failed to compute flag stats: %w", err)
	}
	return &s, nil
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
