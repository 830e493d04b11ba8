package models

import "github.com/shopspring/decimal"

// Compensation plan constants. Volume is always the package's monthly amount.
var (
	DirectRate   = decimal.RequireFromString("0.05")
	BinaryRate   = decimal.RequireFromString("0.10")
	EMIBonusRate = decimal.RequireFromString("0.05")
)

const (
	// MoneyScale is the number of decimal places money is kept to.
	MoneyScale = 4
	// BinaryDepth bounds the placement walk that accrues carry-forward.
	BinaryDepth = 10
	// MaxLevels is the deepest referral level that can earn level income.
	MaxLevels = 20
	// MaxTraversalNodes caps any single descendant walk.
	MaxTraversalNodes = 1_000_000
	// MaxTreeDepth caps any single ancestor or descendant walk.
	MaxTreeDepth = 10_000
)

// levelRates holds the level income percentage of the direct base, index 0 = level 1.
var levelRates = func() [MaxLevels]decimal.Decimal {
	var r [MaxLevels]decimal.Decimal
	for i := range r {
		l := i + 1
		switch {
		case l == 1:
			r[i] = decimal.RequireFromString("0.15")
		case l == 2:
			r[i] = decimal.RequireFromString("0.10")
		case l == 3:
			r[i] = decimal.RequireFromString("0.05")
		case l <= 8:
			r[i] = decimal.RequireFromString("0.03")
		case l <= 14:
			r[i] = decimal.RequireFromString("0.02")
		default:
			r[i] = decimal.RequireFromString("0.01")
		}
	}
	return r
}()

// LevelRate returns the level income share of the direct base, or zero outside 1..MaxLevels.
func LevelRate(level int) decimal.Decimal {
	if level < 1 || level > MaxLevels {
		return decimal.Zero
	}
	return levelRates[level-1]
}

// RequiredReferrals is the direct-referral count needed to earn at level.
func RequiredReferrals(level int) int {
	return (level + 1) / 2
}

// UnlockedLevels is two levels per direct referral, capped at MaxLevels.
func UnlockedLevels(directReferrals int) int {
	return min(2*directReferrals, MaxLevels)
}

// DirectIncome is the referrer's share of a purchase and the base for level income.
func DirectIncome(monthlyAmount decimal.Decimal) decimal.Decimal {
	return monthlyAmount.Mul(DirectRate)
}

// EMIBonus is paid once when every installment of a package was on time.
func EMIBonus(monthlyAmount decimal.Decimal, totalMonths int) decimal.Decimal {
	return monthlyAmount.Mul(decimal.NewFromInt(int64(totalMonths))).Mul(EMIBonusRate)
}
