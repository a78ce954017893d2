package accounts

import (
	"errors"
	"testing"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestCreateAccount_SelfService(t *testing.T) {
	l, user, _ := newTestLedger(t, Quota{Daily: int64p(10)})

	created, err := l.CreateAccount(Credentials{APIKey: user.APIKey}, NewAccount{Description: "mine"})
	if err != nil {
		t.Fatalf("self-service create failed: %v", err)
	}
	if created.IsAdmin {
		t.Error("self-service account must not be admin")
	}
	if q := created.Usages["gpt4"][Daily].Quota; q == nil || *q != 10 {
		t.Errorf("expected default quota, got %v", q)
	}

	if _, err := l.CreateAccount(Credentials{APIKey: user.APIKey}, NewAccount{IsAdmin: true}); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission for admin creation, got %v", err)
	}
	if _, err := l.CreateAccount(Credentials{APIKey: "bad"}, NewAccount{}); !errors.Is(err, proxyerr.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestGetAccount(t *testing.T) {
	l, user, _ := newTestLedger(t, Quota{})
	got, err := l.GetAccount(Credentials{APIKey: user.APIKey}, "")
	if err != nil || got.ID != user.ID {
		t.Fatalf("self get: %v", err)
	}
	if _, err := l.GetAccount(Credentials{APIKey: user.APIKey}, "root-key"); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	got, err = l.GetAccount(Credentials{APIKey: "root-key"}, user.APIKey)
	if err != nil || got.ID != user.ID {
		t.Fatalf("admin get: %v", err)
	}
	if _, err := l.GetAccount(Credentials{APIKey: "root-key"}, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestUpdateAccount(t *testing.T) {
	l, user, _ := newTestLedger(t, Quota{})
	userCreds := Credentials{APIKey: user.APIKey}

	updated, err := l.UpdateAccount(userCreds, AccountUpdate{Description: strp("renamed"), Emails: []string{"u@example.com"}})
	if err != nil {
		t.Fatalf("self update: %v", err)
	}
	if updated.Description != "renamed" || len(updated.Emails) != 1 {
		t.Errorf("unexpected update result %+v", updated)
	}

	if _, err := l.UpdateAccount(userCreds, AccountUpdate{IsAdmin: boolp(true)}); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission for self promotion, got %v", err)
	}
	if _, err := l.UpdateAccount(userCreds, AccountUpdate{APIKey: "root-key", Description: strp("x")}); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission for other account, got %v", err)
	}

	updated, err = l.UpdateAccount(Credentials{APIKey: "root-key"}, AccountUpdate{
		APIKey: user.APIKey,
		Quotas: map[string]Quota{"gpt4": {Daily: int64p(3)}},
	})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if q := updated.Usages["gpt4"][Daily].Quota; q == nil || *q != 3 {
		t.Errorf("quota not applied: %v", q)
	}
	if updated.Description != "renamed" {
		t.Error("admin update must keep untouched fields")
	}
}

func TestDeleteAndListAccounts(t *testing.T) {
	l, user, _ := newTestLedger(t, Quota{})
	if _, err := l.ListAccounts(Credentials{APIKey: user.APIKey}); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	list, err := l.ListAccounts(Credentials{APIKey: "root-key"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(list))
	}

	if err := l.DeleteAccount(Credentials{APIKey: user.APIKey}, user.APIKey); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if err := l.DeleteAccount(Credentials{APIKey: "root-key"}, user.APIKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := l.Authenticate(Credentials{APIKey: user.APIKey}); !errors.Is(err, proxyerr.ErrAuth) {
		t.Fatalf("deleted account must not authenticate, got %v", err)
	}
}

func TestRotateAPIKey(t *testing.T) {
	l, user, _ := newTestLedger(t, Quota{})
	adm, _ := l.CheckCanUse(user.APIKey, "gpt4", 1)
	_ = l.Use(adm, 5)

	if _, err := l.RotateAPIKey(Credentials{APIKey: user.APIKey}, user.APIKey); !errors.Is(err, proxyerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	rotated, err := l.RotateAPIKey(Credentials{APIKey: "root-key"}, user.APIKey)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.APIKey == user.APIKey || rotated.RotatedAt == nil {
		t.Fatalf("key not rotated: %+v", rotated)
	}
	if _, err := l.Authenticate(Credentials{APIKey: user.APIKey}); !errors.Is(err, proxyerr.ErrAuth) {
		t.Fatal("old key must stop working")
	}
	if got := usedOf(t, l, rotated.APIKey, "gpt4", Total); got != 5 {
		t.Errorf("usage lost on rotation: %d", got)
	}
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	l := NewLedger(NewMemoryStore(), Options{})
	a, err := l.EnsureRoot("k")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.EnsureRoot("k")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID || !b.IsAdmin {
		t.Errorf("EnsureRoot not idempotent: %s vs %s", a.ID, b.ID)
	}
	if _, err := l.EnsureRoot(""); err == nil {
		t.Error("expected error for empty key")
	}
}
