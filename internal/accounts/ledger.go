package accounts

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/model-proxy/internal/logging"
	"github.com/ferro-labs/model-proxy/internal/proxyerr"
)

// ErrAdmissionSettled is returned when an admission is used after it was
// already spent or released.
var ErrAdmissionSettled = errors.New("admission already settled")

// RootAccountID is the ID of the synthetic account used in root mode.
const RootAccountID = "root"

// Options configures a Ledger.
type Options struct {
	// DefaultQuotas are applied to every new account, by model group.
	DefaultQuotas map[string]Quota
	// RootMode authenticates every caller as an admin and disables quotas.
	// Meant for local single-user deployments.
	RootMode bool
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Admission is a granted quota check. It holds a reservation of Estimate
// units until it is spent with Use or dropped with Release.
type Admission struct {
	ID        uint64
	AccountID string
	Group     string
	Estimate  int64
	unmetered bool
}

type accountState struct {
	mu           sync.Mutex
	reservations map[uint64]reservation
}

type reservation struct {
	group  string
	amount int64
}

func (st *accountState) reserved(group string) int64 {
	var total int64
	for _, r := range st.reservations {
		if r.group == group {
			total += r.amount
		}
	}
	return total
}

// Ledger authenticates callers and meters their usage. All spending goes
// through a per-account lock; outstanding admissions count against the
// quota, so concurrent requests cannot jointly overshoot it.
type Ledger struct {
	store    Store
	defaults map[string]Quota
	rootMode bool
	now      func() time.Time

	mu     sync.RWMutex
	states map[string]*accountState

	nextID atomic.Uint64
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:    store,
		defaults: opts.DefaultQuotas,
		rootMode: opts.RootMode,
		now:      now,
		states:   make(map[string]*accountState),
	}
}

// state returns the lock state of an account, creating it on first use.
func (l *Ledger) state(accountID string) *accountState {
	l.mu.RLock()
	st, ok := l.states[accountID]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.states[accountID]; ok {
		return st
	}
	st = &accountState{reservations: make(map[uint64]reservation)}
	l.states[accountID] = st
	return st
}

func (l *Ledger) rootAccount() *Account {
	return &Account{
		ID:          RootAccountID,
		APIKey:      "root",
		Description: "root",
		IsAdmin:     true,
		CreatedAt:   l.now().UTC(),
	}
}

// Authenticate resolves credentials to an account.
func (l *Ledger) Authenticate(creds Credentials) (*Account, error) {
	if l.rootMode {
		return l.rootAccount(), nil
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("%w: missing api key", proxyerr.ErrAuth)
	}
	acct, ok := l.store.GetByKey(creds.APIKey)
	if !ok {
		return nil, fmt.Errorf("%w: invalid api key", proxyerr.ErrAuth)
	}
	acct.rollPeriods(l.now())
	return acct, nil
}

// CheckAdmin authenticates creds and requires the account to be an admin.
func (l *Ledger) CheckAdmin(creds Credentials) (*Account, error) {
	acct, err := l.Authenticate(creds)
	if err != nil {
		return nil, err
	}
	if !acct.IsAdmin {
		return nil, fmt.Errorf("%w: account %s is not an admin", proxyerr.ErrPermission, acct.ID)
	}
	return acct, nil
}

// CheckCanUse admits a request against the quotas of group. estimate is a
// lower bound on the request's cost. The request is refused when a quota is
// already used up, counting open reservations, or when estimate alone
// exceeds what remains. The admission reserves max(estimate, 1) units until
// it is settled with Use or Release.
func (l *Ledger) CheckCanUse(apiKey, group string, estimate int64) (Admission, error) {
	if l.rootMode {
		return Admission{AccountID: RootAccountID, Group: group, unmetered: true}, nil
	}
	acct, ok := l.store.GetByKey(apiKey)
	if !ok {
		return Admission{}, fmt.Errorf("%w: invalid api key", proxyerr.ErrAuth)
	}
	estimate = max(estimate, 1)

	st := l.state(acct.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Re-read under the lock; the copy above may predate a concurrent spend.
	acct, ok = l.store.Get(acct.ID)
	if !ok {
		return Admission{}, fmt.Errorf("%w: invalid api key", proxyerr.ErrAuth)
	}
	acct.rollPeriods(l.now())

	reserved := st.reserved(group)
	for _, g := range Granularities {
		u, ok := acct.Usages[group][g]
		if !ok || u.Quota == nil {
			continue
		}
		remaining := *u.Quota - u.Used - reserved
		if u.Exhausted() || remaining <= 0 || estimate > remaining {
			return Admission{}, fmt.Errorf("%w: %s %s quota for %s: used %d, reserved %d, requested %d, limit %d",
				proxyerr.ErrQuotaExceeded, acct.ID, g, group, u.Used, reserved, estimate, *u.Quota)
		}
	}

	adm := Admission{
		ID:        l.nextID.Add(1),
		AccountID: acct.ID,
		Group:     group,
		Estimate:  estimate,
	}
	st.reservations[adm.ID] = reservation{group: group, amount: estimate}
	return adm, nil
}

// Use settles adm by charging amount to every granularity of its group.
// Charges are capped at the quota; the overflow is logged, not recorded.
func (l *Ledger) Use(adm Admission, amount int64) error {
	if adm.unmetered {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("negative usage amount %d", amount)
	}

	st := l.state(adm.AccountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.reservations[adm.ID]; !ok {
		return ErrAdmissionSettled
	}
	delete(st.reservations, adm.ID)

	acct, ok := l.store.Get(adm.AccountID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, adm.AccountID)
	}
	acct.rollPeriods(l.now())

	for _, g := range Granularities {
		u := acct.Usage(adm.Group, g)
		if u.Period == "" {
			u.Period = PeriodFor(g, l.now())
		}
		charge := amount
		if u.Quota != nil && u.Used+charge > *u.Quota {
			charge = max(*u.Quota-u.Used, 0)
			logging.Logger.Warn("usage exceeds quota, charge capped",
				"account_id", acct.ID,
				"model_group", adm.Group,
				"granularity", string(g),
				"amount", amount,
				"charged", charge,
				"estimate", adm.Estimate,
			)
		}
		u.Used += charge
	}

	if err := l.store.Save(acct); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Release drops the reservation of adm without charging anything.
func (l *Ledger) Release(adm Admission) {
	if adm.unmetered {
		return
	}
	st := l.state(adm.AccountID)
	st.mu.Lock()
	delete(st.reservations, adm.ID)
	st.mu.Unlock()
}

// EnsureRoot returns the account owning apiKey, creating an admin account
// for it when none exists.
func (l *Ledger) EnsureRoot(apiKey string) (*Account, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("root api key is required")
	}
	if acct, ok := l.store.GetByKey(apiKey); ok {
		return acct, nil
	}
	acct := l.newAccount(apiKey)
	acct.Description = "root"
	acct.IsAdmin = true
	if err := l.store.Create(acct); err != nil {
		return nil, fmt.Errorf("create root account: %w", err)
	}
	logging.Logger.Info("root account created", "account_id", acct.ID, "api_key", logging.MaskKey(apiKey))
	return acct, nil
}

func (l *Ledger) newAccount(apiKey string) *Account {
	acct := &Account{
		ID:        uuid.NewString(),
		APIKey:    apiKey,
		Emails:    []string{},
		Groups:    []string{},
		Usages:    make(map[string]map[Granularity]*Usage),
		CreatedAt: l.now().UTC(),
	}
	for group, q := range l.defaults {
		acct.SetQuota(group, q)
	}
	acct.rollPeriods(l.now())
	return acct
}
