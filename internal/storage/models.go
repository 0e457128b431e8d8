package storage

import "time"

// Account is a customer identified by their tunnel public key
type Account struct {
	ID          int64 // 0 when the account has never been persisted
	PubKey      string
	PaidThrough time.Time // zero when never paid
	Active      bool
}

// Persisted reports whether the account has a database row
func (a *Account) Persisted() bool {
	return a.ID != 0
}

// PaidAt reports whether the account is paid up at the given moment
func (a *Account) PaidAt(now time.Time) bool {
	return !a.PaidThrough.IsZero() && a.PaidThrough.After(now)
}

// Invoice is a single-use payment request tied to one address/key pair
type Invoice struct {
	ID              int64
	AccountID       int64
	Address         string
	PrivateKey      string // serialized key able to sweep Address
	ExpectedPayment int64  // satoshis
	RequestedAt     time.Time
	Received        bool
	SweepStartedAt  time.Time // zero until sufficient balance was observed
	CreditedAt      time.Time // zero until the owning account was credited
}

// Sweeping reports whether a sweep was started but the invoice is not yet paid
func (i *Invoice) Sweeping() bool {
	return !i.Received && !i.SweepStartedAt.IsZero()
}

// Credited reports whether the invoice's payment has been applied to its account
func (i *Invoice) Credited() bool {
	return !i.CreditedAt.IsZero()
}

// AddressBlock is a /24 network from which tunnel addresses are allocated
type AddressBlock struct {
	ID      int64
	Network string // e.g. 10.27.75.0
}

// Address is one allocatable tunnel address
type Address struct {
	ID        int64
	IP        string
	Host      int   // last octet
	AccountID int64 // 0 when free
	BlockID   int64
}

// PoolStats summarizes address pool usage
type PoolStats struct {
	Total    int
	Assigned int
}
