package api

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/remote"
	_ "modernc.org/sqlite"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id      TEXT PRIMARY KEY,
	email   TEXT NOT NULL,
	api_key TEXT UNIQUE NOT NULL
);
CREATE TABLE IF NOT EXISTS inventory (
	account_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE TABLE IF NOT EXISTS sales (
	account_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE TABLE IF NOT EXISTS expenses (
	account_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, id)
);
CREATE INDEX IF NOT EXISTS idx_inventory_updated ON inventory(account_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_sales_updated     ON sales(account_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_expenses_updated  ON expenses(account_id, updated_at);
`

// Store is the server-side record store: one table per collection, each row
// {id, account_id, data, updated_at}, scoped per account.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (creating if needed) the server database.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec(storeSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create server schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Account is a registered account.
type Account struct {
	ID     string
	Email  string
	APIKey string
}

// CreateAccount registers an account and returns its generated api key.
func (s *Store) CreateAccount(email string) (*Account, error) {
	acct := &Account{
		ID:     uuid.NewString(),
		Email:  email,
		APIKey: "fsk_" + uuid.NewString(),
	}
	_, err := s.conn.Exec(
		`INSERT INTO accounts (id, email, api_key) VALUES (?, ?, ?)`,
		acct.ID, acct.Email, acct.APIKey,
	)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acct, nil
}

// AccountByAPIKey resolves an api key, or nil when unknown.
func (s *Store) AccountByAPIKey(apiKey string) (*Account, error) {
	var acct Account
	err := s.conn.QueryRow(
		`SELECT id, email, api_key FROM accounts WHERE api_key = ?`, apiKey,
	).Scan(&acct.ID, &acct.Email, &acct.APIKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &acct, nil
}

// Upsert writes record batches for one account. updated_at is assigned here,
// at write time — it is the authoritative ordering key for conflict
// resolution and the pull watermark.
func (s *Store) Upsert(accountID, table string, records []models.Record, now int64) (int, error) {
	if !models.ValidTable(table) {
		return 0, fmt.Errorf("invalid table: %q", table)
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("upsert: begin: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for _, rec := range records {
		id := rec.ID()
		if id == "" {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return count, fmt.Errorf("upsert: encode %s: %w", id, err)
		}
		if _, err := tx.Exec(
			fmt.Sprintf(`INSERT OR REPLACE INTO %s (account_id, id, data, updated_at) VALUES (?, ?, ?, ?)`, table),
			accountID, id, string(data), now,
		); err != nil {
			return count, fmt.Errorf("upsert %s/%s: %w", table, id, err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("upsert: commit: %w", err)
	}
	return count, nil
}

// Delete removes records by id for one account. Missing ids are not errors.
func (s *Store) Delete(accountID, table string, ids []string) (int, error) {
	if !models.ValidTable(table) {
		return 0, fmt.Errorf("invalid table: %q", table)
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("delete: begin: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for _, id := range ids {
		res, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE account_id = ? AND id = ?`, table),
			accountID, id,
		)
		if err != nil {
			return count, fmt.Errorf("delete %s/%s: %w", table, id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			count++
		}
	}
	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("delete: commit: %w", err)
	}
	return count, nil
}

// FetchSince returns rows with updated_at strictly after since; since == 0
// returns the whole table for the account.
func (s *Store) FetchSince(accountID, table string, since int64) ([]remote.Row, error) {
	if !models.ValidTable(table) {
		return nil, fmt.Errorf("invalid table: %q", table)
	}
	rows, err := s.conn.Query(
		fmt.Sprintf(`SELECT id, data, updated_at FROM %s WHERE account_id = ? AND updated_at > ? ORDER BY updated_at ASC`, table),
		accountID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer rows.Close()

	var out []remote.Row
	for rows.Next() {
		row := remote.Row{AccountID: accountID}
		var data string
		if err := rows.Scan(&row.ID, &data, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("fetch %s: scan: %w", table, err)
		}
		if err := json.Unmarshal([]byte(data), &row.Data); err != nil {
			return nil, fmt.Errorf("fetch %s/%s: decode: %w", table, row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
