package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "payplan/pkg/domain"
)

// EarningType names the income stream that produced a payout.
type EarningType string

const (
	EarningDirect   EarningType = "direct"
	EarningBinary   EarningType = "binary"
	EarningLevel    EarningType = "level"
	EarningEMIBonus EarningType = "emi_bonus"
	EarningAutopool EarningType = "autopool"
)

func (t EarningType) IsValid() bool {
	switch t {
	case EarningDirect, EarningBinary, EarningLevel, EarningEMIBonus, EarningAutopool:
		return true
	}
	return false
}

// InvalidatedTag prefixes the description of a reversed payout.
const InvalidatedTag = "[INVALIDATED] "

// Earning is an append-only payout row. Reversal zeroes Amount, tags Description and
// stamps InvalidatedAt; rows are never deleted.
type Earning struct {
	ID            id.EarningID    `json:"id"`
	UserID        id.UserID       `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Type          EarningType     `json:"type"`
	RelatedUserID *id.UserID      `json:"related_user_id,omitempty"`
	Level         int             `json:"level,omitempty"`
	Description   string          `json:"description"`
	InvalidatedAt *time.Time      `json:"invalidated_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (e *Earning) IsInvalidated() bool {
	return e.InvalidatedAt != nil
}

// ApplyInvalidation reverses the payout in place. Already reversed rows are left alone.
func (e *Earning) ApplyInvalidation(now time.Time) bool {
	if e.IsInvalidated() {
		return false
	}
	e.Amount = decimal.Zero
	if !strings.HasPrefix(e.Description, InvalidatedTag) {
		e.Description = InvalidatedTag + e.Description
	}
	e.InvalidatedAt = &now
	return true
}

// Involves reports whether userID is the beneficiary or the related user.
func (e *Earning) Involves(userID id.UserID) bool {
	return e.UserID == userID || (e.RelatedUserID != nil && *e.RelatedUserID == userID)
}
