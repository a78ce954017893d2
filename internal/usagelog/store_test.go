package usagelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteWriter_WriteListDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	w, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() {
		_ = w.Close()
	})

	now := time.Now().UTC()
	entries := []Entry{
		{
			TraceID:    "trace-1",
			AccountID:  "acct-a",
			ModelGroup: "simple",
			Model:      "simple/model1",
			Amount:     10,
			Billed:     true,
			CreatedAt:  now.Add(-2 * time.Hour),
		},
		{
			TraceID:    "trace-2",
			AccountID:  "acct-a",
			ModelGroup: "simple",
			Model:      "simple/model1",
			Cached:     true,
			CreatedAt:  now.Add(-1 * time.Hour),
		},
		{
			TraceID:      "trace-3",
			AccountID:    "acct-b",
			ModelGroup:   "gpt4",
			Model:        "openai/gpt-4o",
			Amount:       5,
			ErrorMessage: "store unavailable",
			CreatedAt:    now,
		},
	}

	for _, entry := range entries {
		if err := w.Write(context.Background(), entry); err != nil {
			t.Fatalf("write usage log entry: %v", err)
		}
	}

	result, err := w.List(context.Background(), Query{Limit: 10})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if result.Total != 3 || len(result.Data) != 3 {
		t.Fatalf("expected 3 logs, total=%d len=%d", result.Total, len(result.Data))
	}
	if result.Data[0].TraceID != "trace-3" {
		t.Errorf("expected newest first, got %s", result.Data[0].TraceID)
	}
	if result.Data[0].ID == "" {
		t.Error("expected generated id")
	}

	byAccount, err := w.List(context.Background(), Query{AccountID: "acct-a", Limit: 1})
	if err != nil {
		t.Fatalf("list by account: %v", err)
	}
	if byAccount.Total != 2 || len(byAccount.Data) != 1 {
		t.Fatalf("expected total=2 page=1, total=%d len=%d", byAccount.Total, len(byAccount.Data))
	}

	unbilled, err := w.List(context.Background(), Query{Unbilled: true, ModelGroup: "gpt4"})
	if err != nil {
		t.Fatalf("list unbilled: %v", err)
	}
	if unbilled.Total != 1 || unbilled.Data[0].ErrorMessage != "store unavailable" {
		t.Fatalf("unexpected unbilled result: %+v", unbilled)
	}

	deleted, err := w.DeleteBefore(context.Background(), now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("delete logs: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected deleted=2, got %d", deleted)
	}

	since := now.Add(-time.Minute)
	remaining, err := w.List(context.Background(), Query{Since: &since})
	if err != nil {
		t.Fatalf("list remaining logs: %v", err)
	}
	if remaining.Total != 1 || remaining.Data[0].TraceID != "trace-3" {
		t.Fatalf("unexpected remaining: %+v", remaining)
	}
}

func TestOpen(t *testing.T) {
	w, err := Open("none", "")
	if err != nil {
		t.Fatalf("open none: %v", err)
	}
	if _, ok := w.(NoopWriter); !ok {
		t.Errorf("expected NoopWriter, got %T", w)
	}
	if err := w.Write(context.Background(), Entry{}); err != nil {
		t.Errorf("noop write: %v", err)
	}

	if _, err := Open("mongo", ""); err == nil {
		t.Error("expected error for unsupported backend")
	}

	w, err = Open("sqlite", filepath.Join(t.TempDir(), "u.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = w.(*SQLWriter).Close()
}

func TestPostgresWriterContract(t *testing.T) {
	dsn := os.Getenv("MODELPROXY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set MODELPROXY_TEST_POSTGRES_DSN to run Postgres usagelog integration tests")
	}

	w, err := NewPostgresWriter(dsn)
	if err != nil {
		t.Fatalf("new postgres writer: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.db.Exec("DELETE FROM usage_logs")
		_ = w.Close()
	})
	_, _ = w.db.Exec("DELETE FROM usage_logs")

	entry := Entry{AccountID: "pg", ModelGroup: "gpt4", Model: "openai/gpt-4o", Amount: 16, Billed: true}
	if err := w.Write(context.Background(), entry); err != nil {
		t.Fatalf("write postgres log: %v", err)
	}
	result, err := w.List(context.Background(), Query{AccountID: "pg"})
	if err != nil {
		t.Fatalf("list postgres logs: %v", err)
	}
	if result.Total != 1 || len(result.Data) != 1 {
		t.Fatalf("expected 1 postgres log, total=%d len=%d", result.Total, len(result.Data))
	}
}
