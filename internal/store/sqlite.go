// Package store provides ledger persistence implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
)

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based ledger.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN so two concurrent
	// read-then-write transactions queue on busy_timeout instead of failing
	// on lock upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per bot run
	CREATE TABLE IF NOT EXISTS instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		expiration DATETIME,
		budget REAL NOT NULL,
		balance REAL NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- One row per filled order
	CREATE TABLE IF NOT EXISTS holdings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		shares REAL NOT NULL CHECK (shares > 0),
		buy_price REAL NOT NULL,
		side TEXT NOT NULL DEFAULT 'BUY',
		order_id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		owner INTEGER NOT NULL,
		FOREIGN KEY (owner) REFERENCES instances(id)
	);

	CREATE INDEX IF NOT EXISTS idx_holdings_owner ON holdings(owner);
	CREATE INDEX IF NOT EXISTS idx_holdings_ticker ON holdings(ticker);
	CREATE INDEX IF NOT EXISTS idx_holdings_created_at ON holdings(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Begin starts a transaction-backed unit of work.
func (s *SQLiteStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

// ============================================================================
// Instance Methods
// ============================================================================

// GetInstance loads an instance by id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx, selectInstance+" WHERE id = ?", id), id)
}

// ListInstances returns every instance, newest first.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, selectInstance+" ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []models.Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, *inst)
	}

	return instances, rows.Err()
}

const selectInstance = "SELECT id, created_at, expiration, budget, balance, version FROM instances"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstanceRow(row rowScanner) (*models.Instance, error) {
	var inst models.Instance
	var expiration sql.NullTime
	if err := row.Scan(&inst.ID, &inst.CreatedAt, &expiration, &inst.Budget, &inst.Balance, &inst.Version); err != nil {
		return nil, err
	}
	if expiration.Valid {
		exp := expiration.Time
		inst.Expiration = &exp
	}
	return &inst, nil
}

func scanInstance(row *sql.Row, id int64) (*models.Instance, error) {
	inst, err := scanInstanceRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ============================================================================
// Holding Methods
// ============================================================================

// QueryHoldings retrieves holdings matching the filter, oldest first.
func (s *SQLiteStore) QueryHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error) {
	where, args := holdingWhere(filter)
	query := "SELECT id, ticker, shares, buy_price, side, order_id, created_at, owner FROM holdings" + where + " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var h models.Holding
		if err := rows.Scan(&h.ID, &h.Ticker, &h.Shares, &h.Price, &h.Side, &h.OrderID, &h.CreatedAt, &h.Owner); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}

	return holdings, rows.Err()
}

// NetShares sums buy shares minus sell shares for the filter.
func (s *SQLiteStore) NetShares(ctx context.Context, filter HoldingFilter) (float64, error) {
	where, args := holdingWhere(filter)
	var total float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(CASE WHEN side = 'SELL' THEN -shares ELSE shares END), 0) FROM holdings"+where,
		args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum shares: %w", err)
	}
	return total, nil
}

func holdingWhere(filter HoldingFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	args := []interface{}{}

	if filter.Owner != nil {
		where += " AND owner = ?"
		args = append(args, *filter.Owner)
	}
	if filter.Ticker != "" {
		where += " AND ticker = ?"
		args = append(args, filter.Ticker)
	}
	if filter.Side != "" {
		where += " AND side = ?"
		args = append(args, string(filter.Side))
	}
	if !filter.Start.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		where += " AND created_at <= ?"
		args = append(args, filter.End.UTC())
	}
	return where, args
}

// ============================================================================
// Unit of Work
// ============================================================================

type sqliteTx struct {
	tx *sql.Tx
}

func (u *sqliteTx) InsertInstance(ctx context.Context, inst *models.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	inst.CreatedAt = inst.CreatedAt.UTC()

	var expiration interface{}
	if inst.Expiration != nil {
		exp := inst.Expiration.UTC()
		inst.Expiration = &exp
		expiration = exp
	}

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO instances (created_at, expiration, budget, balance, version)
		VALUES (?, ?, ?, ?, 1)
	`, inst.CreatedAt, expiration, inst.Budget, inst.Balance)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read instance id: %w", err)
	}
	inst.ID = id
	inst.Version = 1
	return nil
}

func (u *sqliteTx) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	return scanInstance(u.tx.QueryRowContext(ctx, selectInstance+" WHERE id = ?", id), id)
}

func (u *sqliteTx) UpdateInstance(ctx context.Context, inst *models.Instance) error {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE instances SET balance = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, inst.Balance, inst.ID, inst.Version)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: instance %d at version %d", apperrors.ErrConflict, inst.ID, inst.Version)
	}
	inst.Version++
	return nil
}

func (u *sqliteTx) InsertHolding(ctx context.Context, h *models.Holding) error {
	if h.Side == "" {
		h.Side = models.OrderSideBuy
	}
	h.CreatedAt = h.CreatedAt.UTC()

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO holdings (ticker, shares, buy_price, side, order_id, created_at, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.Ticker, h.Shares, h.Price, string(h.Side), h.OrderID, h.CreatedAt, h.Owner)
	if err != nil {
		return fmt.Errorf("failed to insert holding: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read holding id: %w", err)
	}
	h.ID = id
	return nil
}

func (u *sqliteTx) Commit() error {
	return u.tx.Commit()
}

func (u *sqliteTx) Rollback() error {
	return u.tx.Rollback()
}

// Ensure SQLiteStore implements Ledger interface
var _ Ledger = (*SQLiteStore)(nil)
