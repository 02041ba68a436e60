// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, user_id, amount, type, payment_instrument, payer_id, beneficiary_id,
	initiation_mode, device_id, ip_address, latitude, longitude, country, city,
	day_of_week, hour, minute, is_night, created_at, is_fraud`

// SaveTransaction stores a new transaction.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, tx.Type, tx.PaymentInstrument,
		tx.PayerID, tx.BeneficiaryID, tx.InitiationMode, tx.DeviceID, tx.IPAddress,
		nullFloat(tx.Latitude), nullFloat(tx.Longitude), tx.Country, tx.City,
		tx.DayOfWeek, tx.Hour, tx.Minute, tx.IsNight, tx.CreatedAt.UTC(),
		nullBool(tx.IsFraud),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: txID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListUserTransactions returns userID's transactions created strictly before
// before, oldest first.
func (r *SQLRepository) ListUserTransactions(ctx context.Context, userID string, before time.Time) ([]*domain.Transaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = ? AND created_at < ?
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// CountUserTransactions returns how many transactions userID has stored.
func (r *SQLRepository) CountUserTransactions(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM transactions WHERE user_id = ?`), userID).Scan(&n)
	return n, err
}

// AmountStats returns the mean and population standard deviation of stored
// amounts, for userID or, when userID is empty, for every user.
func (r *SQLRepository) AmountStats(ctx context.Context, userID string) (domain.AmountStats, error) {
	query := `SELECT COUNT(*), COALESCE(AVG(amount), 0), COALESCE(AVG(amount * amount), 0) FROM transactions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}

	var (
		count       int64
		mean, mean2 sqlFloat
	)
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count, &mean, &mean2); err != nil {
		return domain.AmountStats{}, err
	}
	if count == 0 {
		return domain.AmountStats{}, nil
	}

	variance := float64(mean2) - float64(mean)*float64(mean)
	if variance < 0 {
		variance = 0
	}
	return domain.AmountStats{
		Mean:   float64(mean),
		StdDev: math.Sqrt(variance),
		Count:  count,
	}, nil
}

// SetFraudVerdict records the verdict on a transaction. It can only be
// written once.
func (r *SQLRepository) SetFraudVerdict(ctx context.Context, txID string, isFraud bool) error {
	res, err := r.db.ExecContext(ctx,
		r.rebind(`UPDATE transactions SET is_fraud = ? WHERE id = ? AND is_fraud IS NULL`),
		isFraud, txID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	if _, err := r.GetTransaction(ctx, txID); err != nil {
		return err
	}
	return fmt.Errorf("%w: verdict already recorded for %s", ErrInvalidInput, txID)
}

// SaveProfile inserts or replaces a profile.
func (r *SQLRepository) SaveProfile(ctx context.Context, p *domain.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if p.TransactionLimit != nil && p.TransactionLimit.IsNegative() {
		return fmt.Errorf("%w: transaction limit must not be negative", ErrInvalidInput)
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	var limit any
	if p.TransactionLimit != nil {
		limit = *p.TransactionLimit
	}

	query := `
		INSERT INTO profiles (user_id, payer_id, country, transaction_limit, email, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			payer_id = excluded.payer_id,
			country = excluded.country,
			transaction_limit = excluded.transaction_limit,
			email = excluded.email,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.UserID, p.PayerID, p.Country, limit, p.Email, p.UpdatedAt.UTC(),
	)
	return err
}

// GetProfile retrieves a profile by user ID.
func (r *SQLRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}

	query := `
		SELECT user_id, payer_id, country, transaction_limit, email, updated_at
		FROM profiles
		WHERE user_id = ?
	`

	var (
		p     domain.Profile
		limit decimal.NullDecimal
	)
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&p.UserID, &p.PayerID, &p.Country, &limit, &p.Email, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if limit.Valid {
		p.TransactionLimit = &limit.Decimal
	}
	return &p, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx       domain.Transaction
		lat, lon sql.NullFloat64
		isFraud  sql.NullBool
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Type, &tx.PaymentInstrument,
		&tx.PayerID, &tx.BeneficiaryID, &tx.InitiationMode, &tx.DeviceID, &tx.IPAddress,
		&lat, &lon, &tx.Country, &tx.City,
		&tx.DayOfWeek, &tx.Hour, &tx.Minute, &tx.IsNight, &tx.CreatedAt,
		&isFraud,
	)
	if err != nil {
		return nil, err
	}

	if lat.Valid && lon.Valid {
		tx.Latitude, tx.Longitude = &lat.Float64, &lon.Float64
	}
	if isFraud.Valid {
		v := isFraud.Bool
		tx.IsFraud = &v
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

// sqlFloat scans numeric aggregates, which PostgreSQL returns as text.
type sqlFloat float64

func (f *sqlFloat) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = 0
	case float64:
		*f = sqlFloat(v)
	case int64:
		*f = sqlFloat(v)
	case []byte:
		return f.parse(string(v))
	case string:
		return f.parse(v)
	default:
		return fmt.Errorf("unsupported aggregate type %T", src)
	}
	return nil
}

func (f *sqlFloat) parse(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = sqlFloat(v)
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

var _ domain.Repository = (*SQLRepository)(nil)
