package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "payplan/pkg/domain"
)

// Accrual is one carry-forward credit a purchase gave an upline owner. Accruals are the
// record carry-forward is rebuilt from after the tree is repaired; package rows are not,
// since a package is replaced on rebuy or override.
type Accrual struct {
	OwnerID   id.UserID       `json:"owner_id"`
	BuyerID   id.UserID       `json:"buyer_id"`
	Side      Side            `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
