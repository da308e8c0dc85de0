// Package directory holds the user accounts allowed to open tunnels.
//
// Accounts are keyed by their credential identifier (a canonical lowercase
// UUID string) and are usable only while they have not expired. The tunnel
// core only ever reads from the directory; the admin endpoints and the CLI
// add and remove accounts.
package directory

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrExists is returned when adding an account whose ID is already taken.
	ErrExists = errors.New("account already exists")

	// ErrInvalidAccount is returned when an account fails validation.
	ErrInvalidAccount = errors.New("invalid account")
)

// Account is a single directory entry.
type Account struct {
	ID        string
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the account is usable at t.
func (a *Account) ValidAt(t time.Time) bool {
	return a.ExpiresAt.After(t)
}

// Lookup resolves a credential to an account that is valid at asOf.
// A missing or expired account yields (nil, false).
type Lookup interface {
	Lookup(id string, asOf time.Time) (*Account, bool)
}

// record is the on-disk and over-the-wire shape of an Account.
// Timestamps are millisecond Unix epochs.
type record struct {
	UUID      string `json:"uuid"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt int64  `json:"expired_at"`
}

func toRecord(a *Account) record {
	return record{
		UUID:      a.ID,
		Email:     a.Email,
		CreatedAt: a.CreatedAt.UnixMilli(),
		ExpiredAt: a.ExpiresAt.UnixMilli(),
	}
}

func (r record) account() *Account {
	return &Account{
		ID:        r.UUID,
		Email:     r.Email,
		CreatedAt: fromMillis(r.CreatedAt),
		ExpiresAt: fromMillis(r.ExpiredAt),
	}
}

// fromMillis maps 0 to the zero time so that missing fields stay detectable.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// MarshalJSON encodes the account in its record shape.
func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(toRecord(&a))
}

// UnmarshalJSON decodes an account from its record shape.
func (a *Account) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*a = *r.account()
	return nil
}
