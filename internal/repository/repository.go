// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
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
	case "sqlite", "":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	repo := &SQLRepository{db: db, driver: driver}

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

// SaveTransaction stores a transaction. Saving the same ID twice keeps the
// first copy.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO transactions (
			id, account_id, timestamp, amount, currency, type,
			merchant, country, device_id, ip_address, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.AccountID, tx.Timestamp.UTC(), tx.Amount.String(), tx.Currency, tx.Type,
		tx.Merchant, tx.Country, tx.DeviceID, tx.IPAddress, time.Now().UTC(),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `
		SELECT id, account_id, timestamp, amount, currency, type,
			   merchant, country, device_id, ip_address
		FROM transactions
		WHERE id = ?
	`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransactionsByAccount returns an account's transactions at or after
// since, oldest first, so they can be replayed in arrival order.
func (r *SQLRepository) GetTransactionsByAccount(ctx context.Context, accountID string, since time.Time) ([]*domain.Transaction, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: accountID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, account_id, timestamp, amount, currency, type,
			   merchant, country, device_id, ip_address
		FROM transactions
		WHERE account_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), accountID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	if err := s.Scan(
		&tx.ID, &tx.AccountID, &tx.Timestamp, &tx.Amount, &tx.Currency, &tx.Type,
		&tx.Merchant, &tx.Country, &tx.DeviceID, &tx.IPAddress,
	); err != nil {
		return nil, err
	}
	tx.Timestamp = tx.Timestamp.UTC()
	return &tx, nil
}

// SaveVerdict stores a verdict keyed by its transaction ID. Re-evaluating a
// transaction replaces the previous verdict.
func (r *SQLRepository) SaveVerdict(ctx context.Context, v *domain.Verdict) error {
	if v == nil || v.TransactionID == "" {
		return fmt.Errorf("%w: verdict transaction ID is required", ErrInvalidInput)
	}

	anomalies, err := json.Marshal(v.Anomalies)
	if err != nil {
		return fmt.Errorf("failed to encode anomalies: %w", err)
	}
	triggered, err := json.Marshal(v.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}

	query := `
		INSERT INTO verdicts (
			tx_id, account_id, amount, timestamp, is_anomalous,
			anomaly_count, risk_score, anomalies, triggered_rules
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			account_id = excluded.account_id,
			amount = excluded.amount,
			timestamp = excluded.timestamp,
			is_anomalous = excluded.is_anomalous,
			anomaly_count = excluded.anomaly_count,
			risk_score = excluded.risk_score,
			anomalies = excluded.anomalies,
			triggered_rules = excluded.triggered_rules
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		v.TransactionID, v.AccountID, v.Amount.String(), v.Timestamp.UTC(), boolToInt(v.IsAnomalous),
		v.AnomalyCount, v.RiskScore, string(anomalies), string(triggered),
	)
	return err
}

const verdictColumns = `tx_id, account_id, amount, timestamp, is_anomalous,
			   anomaly_count, risk_score, anomalies, triggered_rules`

// GetVerdict retrieves the verdict for a transaction.
func (r *SQLRepository) GetVerdict(ctx context.Context, txID string) (*domain.Verdict, error) {
	query := `SELECT ` + verdictColumns + ` FROM verdicts WHERE tx_id = ?`

	v, err := scanVerdict(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListAnomalies returns up to limit anomalous verdicts, newest first.
// A non-positive limit defaults to 100.
func (r *SQLRepository) ListAnomalies(ctx context.Context, limit int) ([]*domain.Verdict, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + verdictColumns + `
		FROM verdicts
		WHERE is_anomalous = 1
		ORDER BY timestamp DESC, tx_id
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	verdicts := make([]*domain.Verdict, 0)
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, v)
	}

	return verdicts, rows.Err()
}

func scanVerdict(s scanner) (*domain.Verdict, error) {
	var v domain.Verdict
	var anomalous int
	var anomalies, triggered string

	if err := s.Scan(
		&v.TransactionID, &v.AccountID, &v.Amount, &v.Timestamp, &anomalous,
		&v.AnomalyCount, &v.RiskScore, &anomalies, &triggered,
	); err != nil {
		return nil, err
	}

	v.Timestamp = v.Timestamp.UTC()
	v.IsAnomalous = anomalous == 1
	if err := json.Unmarshal([]byte(anomalies), &v.Anomalies); err != nil {
		return nil, fmt.Errorf("failed to parse anomalies for %s: %w", v.TransactionID, err)
	}
	if err := json.Unmarshal([]byte(triggered), &v.TriggeredRules); err != nil {
		return nil, fmt.Errorf("failed to parse triggered rules for %s: %w", v.TransactionID, err)
	}
	if v.Anomalies == nil {
		v.Anomalies = []domain.AnomalyRecord{}
	}
	if v.TriggeredRules == nil {
		v.TriggeredRules = []string{}
	}
	return &v, nil
}

// SaveRuleConfig stores a rule configuration, replacing any previous one with
// the same ID.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	params, err := json.Marshal(rule.Params)
	if err != nil {
		return fmt.Errorf("failed to encode rule params: %w", err)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, description, enabled, params, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			enabled = excluded.enabled,
			params = excluded.params,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Description, boolToInt(rule.Enabled), string(params), now, now,
	)
	return err
}

// GetRuleConfig retrieves a stored rule configuration, enabled or not.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT id, description, enabled, params
		FROM rule_configs
		WHERE id = ?
	`

	cfg, err := scanRuleConfig(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListRuleConfigs returns every stored rule configuration ordered by creation,
// so appended expression rules keep their relative order on reload.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, description, enabled, params
		FROM rule_configs
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		cfg, err := scanRuleConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

func scanRuleConfig(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var enabled int
	var params string

	if err := s.Scan(&cfg.ID, &description, &enabled, &params); err != nil {
		return nil, err
	}

	cfg.Description = description.String
	cfg.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(params), &cfg.Params); err != nil {
		return nil, fmt.Errorf("failed to parse params for rule %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.Repository = (*SQLRepository)(nil)
