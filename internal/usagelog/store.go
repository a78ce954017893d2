// Package usagelog keeps an audit trail of dispatched requests: what each
// account was charged, and which requests were served from the cache or
// could not be billed.
package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Entry is one dispatched request.
type Entry struct {
	ID           string `json:"id"`
	TraceID      string `json:"trace_id,omitempty"`
	AccountID    string `json:"account_id"`
	ModelGroup   string `json:"model_group"`
	Model        string `json:"model"`
	// Amount is the counted usage. The ledger may record less when the
	// charge is capped at a quota.
	Amount       int64     `json:"amount"`
	Cached       bool      `json:"cached"`
	Billed       bool      `json:"billed"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Query filters and pages List results. Zero fields do not filter.
type Query struct {
	AccountID  string
	ModelGroup string
	// Unbilled selects only entries whose charge was not recorded.
	Unbilled bool
	Since    *time.Time
	Limit    int
	Offset   int
}

// ListResult is one page of entries, newest first, plus the total match
// count.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// Writer persists usage log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists usage log entries.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open returns the writer for backend ("sqlite", "postgres"). An empty
// backend or "none" disables the log.
func Open(backend, dsn string) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none":
		return NoopWriter{}, nil
	case "sqlite":
		return NewSQLiteWriter(dsn)
	case "postgres":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported usage log backend %q", backend)
	}
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "modelproxy-usage.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	trace_id TEXT,
	account_id TEXT NOT NULL,
	model_group TEXT NOT NULL,
	model TEXT NOT NULL,
	amount INTEGER NOT NULL,
	cached BOOLEAN NOT NULL,
	billed BOOLEAN NOT NULL,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id TEXT PRIMARY KEY,
	trace_id TEXT,
	account_id TEXT NOT NULL,
	model_group TEXT NOT NULL,
	model TEXT NOT NULL,
	amount BIGINT NOT NULL,
	cached BOOLEAN NOT NULL,
	billed BOOLEAN NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize usage log schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO usage_logs(id, trace_id, account_id, model_group, model, amount, cached, billed, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == "postgres" {
		query = `INSERT INTO usage_logs(id, trace_id, account_id, model_group, model, amount, cached, billed, error_message, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.ID,
		entry.TraceID,
		entry.AccountID,
		entry.ModelGroup,
		entry.Model,
		entry.Amount,
		entry.Cached,
		entry.Billed,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write usage log: %w", err)
	}
	return nil
}

// List returns the entries matching q, newest first. Limit defaults to 50.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		conds []string
		args  []any
	)
	if q.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.ModelGroup != "" {
		conds = append(conds, "model_group = ?")
		args = append(args, q.ModelGroup)
	}
	if q.Unbilled {
		conds = append(conds, "billed = ?")
		args = append(args, false)
	}
	if q.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, q.Since.UTC())
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var result ListResult
	if err := w.db.QueryRowContext(ctx, w.bind("SELECT COUNT(*) FROM usage_logs"+where), args...).Scan(&result.Total); err != nil {
		return ListResult{}, fmt.Errorf("count usage logs: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT id, trace_id, account_id, model_group, model, amount, cached, billed, error_message, created_at
	FROM usage_logs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list usage logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result.Data = []Entry{}
	for rows.Next() {
		var (
			e       Entry
			traceID sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(&e.ID, &traceID, &e.AccountID, &e.ModelGroup, &e.Model, &e.Amount, &e.Cached, &e.Billed, &errMsg, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan usage log: %w", err)
		}
		e.TraceID = traceID.String
		e.ErrorMessage = errMsg.String
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("list usage logs: %w", err)
	}
	return result, nil
}

// DeleteBefore removes entries created before t and returns how many.
func (w *SQLWriter) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM usage_logs WHERE created_at < ?`), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete usage logs: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
