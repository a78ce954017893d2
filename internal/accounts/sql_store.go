package accounts

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ferro-labs/model-proxy/internal/logging"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists accounts and their usage counters in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed account store. dsn can be a file
// path or a SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "modelproxy-accounts.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite account store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed account store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres account store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s account store: %w", s.dialect, err)
	}

	timeType := "DATETIME"
	if s.dialect == dialectPostgres {
		timeType = "TIMESTAMPTZ"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	api_key TEXT UNIQUE NOT NULL,
	description TEXT NOT NULL,
	emails TEXT NOT NULL,
	member_groups TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL,
	created_at ` + timeType + ` NOT NULL,
	rotated_at ` + timeType + ` NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_api_key ON accounts(api_key)`,
		`CREATE TABLE IF NOT EXISTS account_usages (
	account_id TEXT NOT NULL,
	model_group TEXT NOT NULL,
	granularity TEXT NOT NULL,
	period TEXT NOT NULL,
	used BIGINT NOT NULL,
	quota BIGINT NULL,
	PRIMARY KEY (account_id, model_group, granularity)
)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s account store schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Create inserts a new account with its usage rows.
func (s *SQLStore) Create(acct *Account) error {
	emails, groups, err := encodeLists(acct)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.bind(`
INSERT INTO accounts(id, api_key, description, emails, member_groups, is_admin, created_at, rotated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.Exec(q, acct.ID, acct.APIKey, acct.Description, emails, groups, acct.IsAdmin, acct.CreatedAt.UTC(), nullTime(acct)); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create account: %w", err)
	}
	if err := s.insertUsages(tx, acct); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create account: %w", err)
	}
	return nil
}

// Get retrieves an account by ID.
func (s *SQLStore) Get(id string) (*Account, bool) {
	return s.getWhere("id", id)
}

// GetByKey retrieves an account by API key.
func (s *SQLStore) GetByKey(apiKey string) (*Account, bool) {
	return s.getWhere("api_key", apiKey)
}

func (s *SQLStore) getWhere(column, value string) (*Account, bool) {
	q := s.bind(`
SELECT id, api_key, description, emails, member_groups, is_admin, created_at, rotated_at
FROM accounts
WHERE ` + column + ` = ?`)
	acct, err := scanAccount(s.db.QueryRow(q, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		logging.Logger.Error("account lookup failed", "by", column, "error", err.Error())
		return nil, false
	}
	if err := s.loadUsages(acct); err != nil {
		logging.Logger.Error("account usage lookup failed", "account_id", acct.ID, "error", err.Error())
		return nil, false
	}
	return acct, true
}

// List returns every account.
func (s *SQLStore) List() []*Account {
	rows, err := s.db.Query(`
SELECT id, api_key, description, emails, member_groups, is_admin, created_at, rotated_at
FROM accounts
ORDER BY created_at`)
	if err != nil {
		logging.Logger.Error("account list failed", "error", err.Error())
		return []*Account{}
	}
	accounts := make([]*Account, 0)
	for rows.Next() {
		acct, scanErr := scanAccount(rows)
		if scanErr != nil {
			continue
		}
		accounts = append(accounts, acct)
	}
	_ = rows.Close()

	for _, acct := range accounts {
		_ = s.loadUsages(acct)
	}
	return accounts
}

// Save rewrites the account row and all of its usage rows in one
// transaction.
func (s *SQLStore) Save(acct *Account) error {
	emails, groups, err := encodeLists(acct)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := s.bind(`
UPDATE accounts
SET api_key = ?, description = ?, emails = ?, member_groups = ?, is_admin = ?, rotated_at = ?
WHERE id = ?`)
	res, err := tx.Exec(q, acct.APIKey, acct.Description, emails, groups, acct.IsAdmin, nullTime(acct), acct.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("save account: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, acct.ID)
	}
	if _, err := tx.Exec(s.bind(`DELETE FROM account_usages WHERE account_id = ?`), acct.ID); err != nil {
		return fmt.Errorf("clear account usages: %w", err)
	}
	if err := s.insertUsages(tx, acct); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save account: %w", err)
	}
	return nil
}

// Delete removes an account and its usage rows.
func (s *SQLStore) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete account: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(s.bind(`DELETE FROM account_usages WHERE account_id = ?`), id); err != nil {
		return fmt.Errorf("delete account usages: %w", err)
	}
	res, err := tx.Exec(s.bind(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return tx.Commit()
}

func (s *SQLStore) insertUsages(tx *sql.Tx, acct *Account) error {
	q := s.bind(`
INSERT INTO account_usages(account_id, model_group, granularity, period, used, quota)
VALUES(?, ?, ?, ?, ?, ?)`)
	for _, group := range acct.groupNames() {
		for g, u := range acct.Usages[group] {
			var quota sql.NullInt64
			if u.Quota != nil {
				quota = sql.NullInt64{Int64: *u.Quota, Valid: true}
			}
			if _, err := tx.Exec(q, acct.ID, group, string(g), u.Period, u.Used, quota); err != nil {
				return fmt.Errorf("insert usage %s/%s: %w", group, g, err)
			}
		}
	}
	return nil
}

func (s *SQLStore) loadUsages(acct *Account) error {
	rows, err := s.db.Query(s.bind(`
SELECT model_group, granularity, period, used, quota
FROM account_usages
WHERE account_id = ?`), acct.ID)
	if err != nil {
		return fmt.Errorf("load usages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	acct.Usages = make(map[string]map[Granularity]*Usage)
	for rows.Next() {
		var (
			group, gran, period string
			used                int64
			quota               sql.NullInt64
		)
		if err := rows.Scan(&group, &gran, &period, &used, &quota); err != nil {
			return fmt.Errorf("scan usage: %w", err)
		}
		u := acct.Usage(group, Granularity(gran))
		u.Period = period
		u.Used = used
		if quota.Valid {
			q := quota.Int64
			u.Quota = &q
		}
	}
	return rows.Err()
}

func scanAccount(scanner interface {
	Scan(dest ...interface{}) error
}) (*Account, error) {
	var (
		a         Account
		emailsRaw string
		groupsRaw string
		rotated   sql.NullTime
	)
	err := scanner.Scan(&a.ID, &a.APIKey, &a.Description, &emailsRaw, &groupsRaw, &a.IsAdmin, &a.CreatedAt, &rotated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(emailsRaw), &a.Emails); err != nil {
		return nil, fmt.Errorf("decode emails: %w", err)
	}
	if err := json.Unmarshal([]byte(groupsRaw), &a.Groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	if rotated.Valid {
		t := rotated.Time
		a.RotatedAt = &t
	}
	return &a, nil
}

func encodeLists(acct *Account) (string, string, error) {
	emails := acct.Emails
	if emails == nil {
		emails = []string{}
	}
	groups := acct.Groups
	if groups == nil {
		groups = []string{}
	}
	e, err := json.Marshal(emails)
	if err != nil {
		return "", "", fmt.Errorf("encode emails: %w", err)
	}
	g, err := json.Marshal(groups)
	if err != nil {
		return "", "", fmt.Errorf("encode groups: %w", err)
	}
	return string(e), string(g), nil
}

func nullTime(acct *Account) sql.NullTime {
	if acct.RotatedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: acct.RotatedAt.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
