package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "instance-trader/internal/errors"
	"instance-trader/internal/models"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOptions defines connection options for the PostgreSQL ledger.
type PostgresOptions struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

func (opt PostgresOptions) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

type instanceRow struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	CreatedAt  time.Time `gorm:"not null"`
	Expiration *time.Time
	Budget     float64 `gorm:"not null"`
	Balance    float64 `gorm:"not null"`
	Version    int64   `gorm:"not null;default:1"`
}

func (instanceRow) TableName() string { return "instances" }

type holdingRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Ticker    string    `gorm:"not null;index"`
	Shares    float64   `gorm:"not null"`
	BuyPrice  float64   `gorm:"column:buy_price;not null"`
	Side      string    `gorm:"not null;default:BUY"`
	OrderID   string    `gorm:"column:order_id;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null;index"`
	Owner     int64     `gorm:"not null;index"`
}

func (holdingRow) TableName() string { return "holdings" }

func toInstance(r instanceRow) *models.Instance {
	inst := &models.Instance{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC(),
		Budget:    r.Budget,
		Balance:   r.Balance,
		Version:   r.Version,
	}
	if r.Expiration != nil {
		exp := r.Expiration.UTC()
		inst.Expiration = &exp
	}
	return inst
}

func toHolding(r holdingRow) models.Holding {
	return models.Holding{
		ID:        r.ID,
		Ticker:    r.Ticker,
		Shares:    r.Shares,
		Price:     r.BuyPrice,
		Side:      models.OrderSide(r.Side),
		OrderID:   r.OrderID,
		CreatedAt: r.CreatedAt.UTC(),
		Owner:     r.Owner,
	}
}

// PostgresStore implements Ledger on PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects and migrates the ledger tables.
func NewPostgresStore(opt PostgresOptions) (*PostgresStore, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	}

	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&instanceRow{}, &holdingRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Begin starts a transaction-backed unit of work.
func (s *PostgresStore) Begin(ctx context.Context) (UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormTx{tx: tx}, nil
}

// GetInstance loads an instance by id.
func (s *PostgresStore) GetInstance(ctx context.Context, id int64) (*models.Instance, error) {
	return firstInstance(s.db.WithContext(ctx), id)
}

// ListInstances returns every instance, newest first.
func (s *PostgresStore) ListInstances(ctx context.Context) ([]models.Instance, error) {
	var rows []instanceRow
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	instances := make([]models.Instance, 0, len(rows))
	for _, r := range rows {
		instances = append(instances, *toInstance(r))
	}
	return instances, nil
}

// QueryHoldings retrieves holdings matching the filter, oldest first.
func (s *PostgresStore) QueryHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error) {
	q := applyHoldingFilter(s.db.WithContext(ctx).Model(&holdingRow{}), filter).Order("created_at ASC, id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []holdingRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}

	holdings := make([]models.Holding, 0, len(rows))
	for _, r := range rows {
		holdings = append(holdings, toHolding(r))
	}
	return holdings, nil
}

// NetShares sums buy shares minus sell shares for the filter.
func (s *PostgresStore) NetShares(ctx context.Context, filter HoldingFilter) (float64, error) {
	var total float64
	err := applyHoldingFilter(s.db.WithContext(ctx).Model(&holdingRow{}), filter).
		Select("COALESCE(SUM(CASE WHEN side = 'SELL' THEN -shares ELSE shares END), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum shares: %w", err)
	}
	return total, nil
}

func applyHoldingFilter(q *gorm.DB, filter HoldingFilter) *gorm.DB {
	if filter.Owner != nil {
		q = q.Where("owner = ?", *filter.Owner)
	}
	if filter.Ticker != "" {
		q = q.Where("ticker = ?", filter.Ticker)
	}
	if filter.Side != "" {
		q = q.Where("side = ?", string(filter.Side))
	}
	if !filter.Start.IsZero() {
		q = q.Where("created_at >= ?", filter.Start.UTC())
	}
	if !filter.End.IsZero() {
		q = q.Where("created_at <= ?", filter.End.UTC())
	}
	return q
}

func firstInstance(db *gorm.DB, id int64) (*models.Instance, error) {
	var row instanceRow
	err := db.Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return toInstance(row), nil
}

type gormTx struct {
	tx *gorm.DB
}

func (u *gormTx) InsertInstance(_ context.Context, inst *models.Instance) error {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	inst.CreatedAt = inst.CreatedAt.UTC()

	row := instanceRow{
		CreatedAt: inst.CreatedAt,
		Budget:    inst.Budget,
		Balance:   inst.Balance,
		Version:   1,
	}
	if inst.Expiration != nil {
		exp := inst.Expiration.UTC()
		inst.Expiration = &exp
		row.Expiration = &exp
	}

	if err := u.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	inst.ID = row.ID
	inst.Version = 1
	return nil
}

func (u *gormTx) GetInstance(_ context.Context, id int64) (*models.Instance, error) {
	return firstInstance(u.tx, id)
}

func (u *gormTx) UpdateInstance(_ context.Context, inst *models.Instance) error {
	res := u.tx.Model(&instanceRow{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]interface{}{
			"balance": inst.Balance,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: instance %d at version %d", apperrors.ErrConflict, inst.ID, inst.Version)
	}
	inst.Version++
	return nil
}

func (u *gormTx) InsertHolding(_ context.Context, h *models.Holding) error {
	if h.Side == "" {
		h.Side = models.OrderSideBuy
	}
	h.CreatedAt = h.CreatedAt.UTC()

	row := holdingRow{
		Ticker:    h.Ticker,
		Shares:    h.Shares,
		BuyPrice:  h.Price,
		Side:      string(h.Side),
		OrderID:   h.OrderID,
		CreatedAt: h.CreatedAt,
		Owner:     h.Owner,
	}
	if err := u.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert holding: %w", err)
	}
	h.ID = row.ID
	return nil
}

func (u *gormTx) Commit() error {
	return u.tx.Commit().Error
}

func (u *gormTx) Rollback() error {
	return u.tx.Rollback().Error
}

var _ Ledger = (*PostgresStore)(nil)
