package repository

// Schema definitions for the Heron database.
// Compatible with both SQLite and PostgreSQL.

// Amounts are stored as TEXT so decimal values survive the round trip exactly.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    type TEXT NOT NULL,
    merchant TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    tx_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    is_anomalous INTEGER NOT NULL DEFAULT 0,
    anomaly_count INTEGER NOT NULL DEFAULT 0,
    risk_score REAL NOT NULL DEFAULT 0,
    anomalies TEXT NOT NULL,
    triggered_rules TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_anomalous ON verdicts(is_anomalous, timestamp);
CREATE INDEX IF NOT EXISTS idx_verdicts_account ON verdicts(account_id);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    description TEXT,
    enabled INTEGER NOT NULL DEFAULT 1,
    params TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaVerdicts,
		schemaRuleConfigs,
	}
}
