package models

import (
	"github.com/shopspring/decimal"

	id "payplan/pkg/domain"
)

// BusinessInfo is the per-side volume view of a user.
type BusinessInfo struct {
	UserID            id.UserID       `json:"user_id"`
	LeftVolume        decimal.Decimal `json:"left_volume"`
	RightVolume       decimal.Decimal `json:"right_volume"`
	LeftCarryForward  decimal.Decimal `json:"left_carry_forward"`
	RightCarryForward decimal.Decimal `json:"right_carry_forward"`
	LeftTeamCount     int             `json:"left_team_count"`
	RightTeamCount    int             `json:"right_team_count"`
}

// Distribution is everything one purchase paid out.
type Distribution struct {
	Earnings []Earning `json:"earnings"`
	// TouchedUsers lists every user whose balances or carry-forward changed.
	TouchedUsers []id.UserID `json:"touched_users"`
}

// Total sums the distributed amounts.
func (d *Distribution) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range d.Earnings {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// LevelStatus is whether a level can currently earn.
type LevelStatus string

const (
	LevelLocked   LevelStatus = "locked"
	LevelUnlocked LevelStatus = "unlocked"
)

// LevelStat summarizes one referral level below a user.
type LevelStat struct {
	Level       int             `json:"level"`
	Status      LevelStatus     `json:"status"`
	MemberCount int             `json:"member_count"`
	Earnings    decimal.Decimal `json:"earnings"`
}

// Reassignment records where a subtree root was moved.
type Reassignment struct {
	UserID      id.UserID `json:"user_id"`
	NewParentID id.UserID `json:"new_parent_id"`
	Side        Side      `json:"side"`
}

// RemovalReport is returned to the operator after a removal.
type RemovalReport struct {
	RemovedUserID id.UserID      `json:"removed_user_id"`
	InitiatorID   id.UserID      `json:"initiator_id"`
	Reassigned    []Reassignment `json:"reassigned"`
	Orphaned      []id.UserID    `json:"orphaned"`
	// Invalidated is how many earning rows were zeroed.
	Invalidated int `json:"invalidated"`
	// Recomputed lists users whose tree state or balances were rebuilt.
	Recomputed []id.UserID `json:"recomputed"`
}

// InstallmentResult is the package after an installment and the bonus it paid, if any.
type InstallmentResult struct {
	Package *Package `json:"package"`
	Bonus   *Earning `json:"bonus,omitempty"`
}
