// Package accounts implements the account ledger: authentication, admin
// checks, per-model-group quota admission and usage accounting, on top of a
// pluggable Store.
package accounts

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Store-level errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrDuplicateKey    = errors.New("api key already exists")
)

// Granularity is the period over which a quota applies.
type Granularity string

// Supported quota granularities.
const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
	Total   Granularity = "total"
)

// Granularities lists every granularity in evaluation order.
var Granularities = []Granularity{Daily, Monthly, Total}

// PeriodFor returns the period key of g containing t. Usage resets when the
// key changes.
func PeriodFor(g Granularity, t time.Time) string {
	t = t.UTC()
	switch g {
	case Daily:
		return t.Format("2006-01-02")
	case Monthly:
		return t.Format("2006-01")
	default:
		return "all"
	}
}

// Usage is the usage counter of one (model group, granularity).
type Usage struct {
	Period string `json:"period"`
	Used   int64  `json:"used"`
	// Quota is nil for unlimited.
	Quota *int64 `json:"quota,omitempty"`
}

// Exhausted reports whether Used has reached the quota.
func (u *Usage) Exhausted() bool {
	return u.Quota != nil && u.Used >= *u.Quota
}

// Quota configures the limits of one model group. Nil fields are unlimited.
type Quota struct {
	Daily   *int64 `yaml:"daily,omitempty" json:"daily,omitempty"`
	Monthly *int64 `yaml:"monthly,omitempty" json:"monthly,omitempty"`
	Total   *int64 `yaml:"total,omitempty" json:"total,omitempty"`
}

// For returns the limit configured for g.
func (q Quota) For(g Granularity) *int64 {
	switch g {
	case Daily:
		return q.Daily
	case Monthly:
		return q.Monthly
	default:
		return q.Total
	}
}

// Credentials identify a caller.
type Credentials struct {
	APIKey string `json:"api_key"`
}

// Account is a caller of the proxy.
type Account struct {
	ID          string   `json:"id"`
	APIKey      string   `json:"api_key"`
	Description string   `json:"description"`
	Emails      []string `json:"emails"`
	Groups      []string `json:"groups"`
	IsAdmin     bool     `json:"is_admin"`
	// Usages maps model group -> granularity -> usage.
	Usages    map[string]map[Granularity]*Usage `json:"usages"`
	CreatedAt time.Time                         `json:"created_at"`
	RotatedAt *time.Time                        `json:"rotated_at,omitempty"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.Emails = slices.Clone(a.Emails)
	c.Groups = slices.Clone(a.Groups)
	if a.RotatedAt != nil {
		t := *a.RotatedAt
		c.RotatedAt = &t
	}
	c.Usages = make(map[string]map[Granularity]*Usage, len(a.Usages))
	for group, byGran := range a.Usages {
		inner := make(map[Granularity]*Usage, len(byGran))
		for g, u := range byGran {
			cu := *u
			if u.Quota != nil {
				q := *u.Quota
				cu.Quota = &q
			}
			inner[g] = &cu
		}
		c.Usages[group] = inner
	}
	return &c
}

// Usage returns the usage of (group, g), creating an unlimited entry when
// absent.
func (a *Account) Usage(group string, g Granularity) *Usage {
	if a.Usages == nil {
		a.Usages = make(map[string]map[Granularity]*Usage)
	}
	byGran, ok := a.Usages[group]
	if !ok {
		byGran = make(map[Granularity]*Usage)
		a.Usages[group] = byGran
	}
	u, ok := byGran[g]
	if !ok {
		u = &Usage{}
		byGran[g] = u
	}
	return u
}

// SetQuota sets the limits of group, keeping current usage.
func (a *Account) SetQuota(group string, q Quota) {
	for _, g := range Granularities {
		limit := q.For(g)
		if limit == nil {
			if byGran, ok := a.Usages[group]; ok {
				if u, ok := byGran[g]; ok {
					u.Quota = nil
				}
			}
			continue
		}
		v := *limit
		a.Usage(group, g).Quota = &v
	}
}

// Remaining returns the smallest remaining quota of group across
// granularities, and false when the group is unlimited.
func (a *Account) Remaining(group string) (int64, bool) {
	var (
		best    int64
		limited bool
	)
	for _, u := range a.Usages[group] {
		if u.Quota == nil {
			continue
		}
		left := max(*u.Quota-u.Used, 0)
		if !limited || left < best {
			best = left
			limited = true
		}
	}
	return best, limited
}

// rollPeriods resets usage counters whose period has ended.
func (a *Account) rollPeriods(now time.Time) {
	for _, byGran := range a.Usages {
		for g, u := range byGran {
			if p := PeriodFor(g, now); u.Period != p {
				u.Period = p
				u.Used = 0
			}
		}
	}
}

// groupNames returns the model groups with usage entries, sorted.
func (a *Account) groupNames() []string {
	return slices.Sorted(maps.Keys(a.Usages))
}

func generateAPIKey() (string, error) {
	keyBytes := make([]byte, 24)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return "mp-" + hex.EncodeToString(keyBytes), nil
}
