package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

// Role decides whether a user may be removed from the tree.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (r Role) IsValid() bool {
	return r == RoleMember || r == RoleAdmin
}

// User is a node of the network.
//
// Invariants:
//   - LeftTeamCount/RightTeamCount equal the sizes of the left/right-colored descendant sets
//   - carry-forwards are never negative
//   - TotalEarnings equals the sum of the user's non-invalidated earnings
type User struct {
	ID                 id.UserID       `json:"id"`
	ReferrerID         *id.UserID      `json:"referrer_id,omitempty"`
	Role               Role            `json:"role"`
	TotalEarnings      decimal.Decimal `json:"total_earnings"`
	WithdrawableAmount decimal.Decimal `json:"withdrawable_amount"`
	LeftTeamCount      int             `json:"left_team_count"`
	RightTeamCount     int             `json:"right_team_count"`
	LeftCarryForward   decimal.Decimal `json:"left_carry_forward"`
	RightCarryForward  decimal.Decimal `json:"right_carry_forward"`
	// MatchedVolume is the volume consumed from each side by binary matches so far.
	MatchedVolume decimal.Decimal `json:"matched_volume"`
	// BinaryPayouts counts binary matches; zero means the next match is the first one.
	BinaryPayouts int       `json:"binary_payouts"`
	Orphaned      bool      `json:"orphaned"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewUser(userID id.UserID, referrerID *id.UserID, role Role, now time.Time) (*User, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user ID cannot be nil")
	}
	if role == "" {
		role = RoleMember
	}
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "role must be 'member' or 'admin'")
	}
	if referrerID != nil && *referrerID == userID {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "user cannot refer themselves")
	}
	return &User{
		ID:                 userID,
		ReferrerID:         referrerID,
		Role:               role,
		TotalEarnings:      decimal.Zero,
		WithdrawableAmount: decimal.Zero,
		LeftCarryForward:   decimal.Zero,
		RightCarryForward:  decimal.Zero,
		MatchedVolume:      decimal.Zero,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// CanRemove rejects removal of administrators.
func (u *User) CanRemove() error {
	if u.IsAdmin() {
		return dErrors.New(dErrors.CodeInvariantViolation, "administrators cannot be removed")
	}
	return nil
}

func (u *User) TeamCount(side Side) int {
	if side == SideRight {
		return u.RightTeamCount
	}
	return u.LeftTeamCount
}

func (u *User) CarryForward(side Side) decimal.Decimal {
	if side == SideRight {
		return u.RightCarryForward
	}
	return u.LeftCarryForward
}

// ApplyTeamJoin counts one new member on side.
func (u *User) ApplyTeamJoin(side Side, now time.Time) {
	if side == SideRight {
		u.RightTeamCount++
	} else {
		u.LeftTeamCount++
	}
	u.UpdatedAt = now
}

// ApplyVolume adds purchase volume to side's carry-forward.
func (u *User) ApplyVolume(side Side, volume decimal.Decimal, now time.Time) {
	if side == SideRight {
		u.RightCarryForward = u.RightCarryForward.Add(volume)
	} else {
		u.LeftCarryForward = u.LeftCarryForward.Add(volume)
	}
	u.UpdatedAt = now
}

// Match is the outcome of evaluating a user's carry-forward for a binary payout.
type Match struct {
	Matched decimal.Decimal
	First   bool
}

// EvaluateMatch applies the binary gate. The first match needs the larger side to be at
// least twice the smaller; later ones only need volume on both sides. ok is false when the
// gate fails.
func (u *User) EvaluateMatch() (Match, bool) {
	l, r := u.LeftCarryForward, u.RightCarryForward
	matched := decimal.Min(l, r)
	if !matched.IsPositive() {
		return Match{}, false
	}
	if u.BinaryPayouts == 0 {
		if decimal.Max(l, r).LessThan(matched.Mul(decimal.NewFromInt(2))) {
			return Match{}, false
		}
		return Match{Matched: matched, First: true}, true
	}
	return Match{Matched: matched}, true
}

// ApplyMatch consumes matched volume from both sides.
func (u *User) ApplyMatch(m Match, now time.Time) {
	u.LeftCarryForward = u.LeftCarryForward.Sub(m.Matched)
	u.RightCarryForward = u.RightCarryForward.Sub(m.Matched)
	u.MatchedVolume = u.MatchedVolume.Add(m.Matched)
	u.BinaryPayouts++
	u.UpdatedAt = now
}

// ApplyTreeRecompute overwrites the derived tree state with freshly computed values.
// Carry-forward is accrued side volume minus what matches already consumed, floored at zero.
func (u *User) ApplyTreeRecompute(left, right int, leftVolume, rightVolume decimal.Decimal, now time.Time) {
	u.LeftTeamCount = left
	u.RightTeamCount = right
	u.LeftCarryForward = decimal.Max(decimal.Zero, leftVolume.Sub(u.MatchedVolume))
	u.RightCarryForward = decimal.Max(decimal.Zero, rightVolume.Sub(u.MatchedVolume))
	u.UpdatedAt = now
}

// ApplyEarningsRecompute sets TotalEarnings to the ledger sum and moves
// WithdrawableAmount by the same delta, floored at zero.
func (u *User) ApplyEarningsRecompute(ledgerTotal decimal.Decimal, now time.Time) decimal.Decimal {
	delta := u.TotalEarnings.Sub(ledgerTotal)
	u.TotalEarnings = ledgerTotal
	u.WithdrawableAmount = decimal.Max(decimal.Zero, u.WithdrawableAmount.Sub(delta))
	u.UpdatedAt = now
	return delta
}
