// Package domain holds the typed identifiers shared across modules.
//
// Typed IDs stop a beneficiary ID from being passed where an earning ID is
// expected; parsing is the only way in from untrusted input.
package domain

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"

	dErrors "payplan/pkg/domain-errors"
)

// UserID identifies a member of the network.
type UserID uuid.UUID

// EarningID identifies a payout row in the earnings ledger.
type EarningID uuid.UUID

func NewUserID() UserID       { return UserID(uuid.New()) }
func NewEarningID() EarningID { return EarningID(uuid.New()) }

func (id UserID) String() string    { return uuid.UUID(id).String() }
func (id UserID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id EarningID) String() string { return uuid.UUID(id).String() }
func (id EarningID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// Ptr returns a pointer to a copy of id, for optional fields.
func (id UserID) Ptr() *UserID { return &id }

func (id UserID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error {
	parsed, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id EarningID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *EarningID) UnmarshalText(b []byte) error {
	parsed, err := parseUUID(string(b), "earning")
	if err != nil {
		return err
	}
	*id = EarningID(parsed)
	return nil
}

// Value and Scan let typed IDs travel through database/sql unchanged.
func (id UserID) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }

func (id *UserID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return err
	}
	*id = UserID(u)
	return nil
}

func (id EarningID) Value() (driver.Value, error) { return uuid.UUID(id).String(), nil }

func (id *EarningID) Scan(src any) error {
	var u uuid.UUID
	if err := u.Scan(src); err != nil {
		return err
	}
	*id = EarningID(u)
	return nil
}

// ParseUserID parses a non-nil UUID string into a UserID.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user")
	if err != nil {
		return UserID{}, err
	}
	return UserID(u), nil
}

// ParseEarningID parses a non-nil UUID string into an EarningID.
func ParseEarningID(s string) (EarningID, error) {
	u, err := parseUUID(s, "earning")
	if err != nil {
		return EarningID{}, err
	}
	return EarningID(u), nil
}

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("%s ID required", kind))
	}
	// Hyphenated form only; uuid.Parse also accepts urn and braced variants.
	if len(s) != 36 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid %s ID format", kind))
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("invalid %s ID format", kind))
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("%s ID cannot be nil", kind))
	}
	return u, nil
}
