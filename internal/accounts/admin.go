package accounts

import (
	"fmt"
	"sort"

	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// NewAccount holds the fields a caller may set when creating an account.
type NewAccount struct {
	Description string           `json:"description"`
	Emails      []string         `json:"emails"`
	Groups      []string         `json:"groups"`
	IsAdmin     bool             `json:"is_admin"`
	Quotas      map[string]Quota `json:"quotas"`
}

// AccountUpdate describes a change to an account. Nil fields are left
// untouched. An empty APIKey targets the caller's own account.
type AccountUpdate struct {
	APIKey      string           `json:"api_key"`
	Description *string          `json:"description,omitempty"`
	Emails      []string         `json:"emails,omitempty"`
	Groups      []string         `json:"groups,omitempty"`
	IsAdmin     *bool            `json:"is_admin,omitempty"`
	Quotas      map[string]Quota `json:"quotas,omitempty"`
}

func (u AccountUpdate) privileged() bool {
	return u.Groups != nil || u.IsAdmin != nil || u.Quotas != nil
}

// CreateAccount creates an account with a fresh API key. Any authenticated
// caller may create a plain account; admin accounts, groups and explicit
// quotas need an admin caller.
func (l *Ledger) CreateAccount(creds Credentials, in NewAccount) (*Account, error) {
	caller, err := l.Authenticate(creds)
	if err != nil {
		return nil, err
	}
	if (in.IsAdmin || in.Groups != nil || in.Quotas != nil) && !caller.IsAdmin {
		return nil, fmt.Errorf("%w: only admins may create admin accounts or set groups and quotas", proxyerr.ErrPermission)
	}

	key, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	acct := l.newAccount(key)
	acct.Description = in.Description
	if in.Emails != nil {
		acct.Emails = in.Emails
	}
	if in.Groups != nil {
		acct.Groups = in.Groups
	}
	acct.IsAdmin = in.IsAdmin
	for group, q := range in.Quotas {
		acct.SetQuota(group, q)
	}
	acct.rollPeriods(l.now())

	if err := l.store.Create(acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return acct.Clone(), nil
}

// GetAccount returns the caller's account, or the account owning apiKey
// when the caller is an admin.
func (l *Ledger) GetAccount(creds Credentials, apiKey string) (*Account, error) {
	caller, err := l.Authenticate(creds)
	if err != nil {
		return nil, err
	}
	if apiKey == "" || apiKey == caller.APIKey {
		return caller, nil
	}
	if !caller.IsAdmin {
		return nil, fmt.Errorf("%w: cannot read another account", proxyerr.ErrPermission)
	}
	acct, ok := l.store.GetByKey(apiKey)
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.rollPeriods(l.now())
	return acct, nil
}

// UpdateAccount applies upd. Callers may change the description and emails
// of their own account; everything else requires an admin.
func (l *Ledger) UpdateAccount(creds Credentials, upd AccountUpdate) (*Account, error) {
	caller, err := l.Authenticate(creds)
	if err != nil {
		return nil, err
	}
	self := upd.APIKey == "" || upd.APIKey == caller.APIKey
	if !caller.IsAdmin && (!self || upd.privileged()) {
		return nil, fmt.Errorf("%w: only admins may change other accounts, groups, admin flag or quotas", proxyerr.ErrPermission)
	}

	target := caller
	if !self {
		var ok bool
		if target, ok = l.store.GetByKey(upd.APIKey); !ok {
			return nil, ErrAccountNotFound
		}
	}

	st := l.state(target.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	acct, ok := l.store.Get(target.ID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.rollPeriods(l.now())
	if upd.Description != nil {
		acct.Description = *upd.Description
	}
	if upd.Emails != nil {
		acct.Emails = upd.Emails
	}
	if upd.Groups != nil {
		acct.Groups = upd.Groups
	}
	if upd.IsAdmin != nil {
		acct.IsAdmin = *upd.IsAdmin
	}
	for group, q := range upd.Quotas {
		acct.SetQuota(group, q)
	}
	acct.rollPeriods(l.now())

	if err := l.store.Save(acct); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	return acct, nil
}

// DeleteAccount removes the account owning apiKey. Admin only.
func (l *Ledger) DeleteAccount(creds Credentials, apiKey string) error {
	if _, err := l.CheckAdmin(creds); err != nil {
		return err
	}
	acct, ok := l.store.GetByKey(apiKey)
	if !ok {
		return ErrAccountNotFound
	}
	st := l.state(acct.ID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := l.store.Delete(acct.ID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// ListAccounts returns all accounts ordered by creation time. Admin only.
func (l *Ledger) ListAccounts(creds Credentials) ([]*Account, error) {
	if _, err := l.CheckAdmin(creds); err != nil {
		return nil, err
	}
	list := l.store.List()
	now := l.now()
	for _, a := range list {
		a.rollPeriods(now)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

// RotateAPIKey replaces the API key of the account owning apiKey. Admin only.
// Usage and outstanding admissions carry over.
func (l *Ledger) RotateAPIKey(creds Credentials, apiKey string) (*Account, error) {
	if _, err := l.CheckAdmin(creds); err != nil {
		return nil, err
	}
	target, ok := l.store.GetByKey(apiKey)
	if !ok {
		return nil, ErrAccountNotFound
	}

	st := l.state(target.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	acct, ok := l.store.Get(target.ID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	newKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	acct.APIKey = newKey
	acct.RotatedAt = &now
	if err := l.store.Save(acct); err != nil {
		return nil, fmt.Errorf("rotate api key: %w", err)
	}
	return acct, nil
}
