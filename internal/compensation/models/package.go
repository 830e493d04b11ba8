package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

// Package is a user's installment contribution. A user holds at most one.
type Package struct {
	UserID           id.UserID       `json:"user_id"`
	PackageType      string          `json:"package_type"`
	MonthlyAmount    decimal.Decimal `json:"monthly_amount"`
	TotalMonths      int             `json:"total_months"`
	PaidMonths       int             `json:"paid_months"`
	LateInstallments int             `json:"late_installments"`
	IsCompleted      bool            `json:"is_completed"`
	BonusEarned      bool            `json:"bonus_earned"`
	CreatedAt        time.Time       `json:"created_at"`
}

// IsActive reports whether the package still has installments outstanding.
func (p *Package) IsActive() bool { return !p.IsCompleted }

// CanRecordInstallment rejects payments on a finished schedule.
func (p *Package) CanRecordInstallment() error {
	if p.IsCompleted || p.PaidMonths >= p.TotalMonths {
		return dErrors.New(dErrors.CodeInvariantViolation, "package is already completed")
	}
	return nil
}

// ApplyInstallment records one payment and completes the package on the last one.
func (p *Package) ApplyInstallment(onTime bool) {
	p.PaidMonths++
	if !onTime {
		p.LateInstallments++
	}
	if p.PaidMonths >= p.TotalMonths {
		p.IsCompleted = true
	}
}

// QualifiesForBonus is true once for a schedule completed with no late payments.
func (p *Package) QualifiesForBonus() bool {
	return p.IsCompleted && p.LateInstallments == 0 && !p.BonusEarned
}

// CreatePackageRequest buys a package. Override replaces an active package and is only
// honored for administrative callers.
type CreatePackageRequest struct {
	UserID        id.UserID       `json:"user_id"`
	PackageType   string          `json:"package_type"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	TotalMonths   int             `json:"total_months"`
	Override      bool            `json:"-"`
}

func (r *CreatePackageRequest) Normalize() {
	if r == nil {
		return
	}
	r.PackageType = strings.TrimSpace(r.PackageType)
}

// Follows validation order: Size -> Required -> Semantic.
func (r *CreatePackageRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if len(r.PackageType) > 64 {
		return dErrors.New(dErrors.CodeValidation, "package_type must be 64 characters or less")
	}
	if r.UserID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "user_id is required")
	}
	if r.PackageType == "" {
		return dErrors.New(dErrors.CodeValidation, "package_type is required")
	}
	if !r.MonthlyAmount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "monthly_amount must be greater than zero")
	}
	if !r.MonthlyAmount.Equal(r.MonthlyAmount.Truncate(MoneyScale)) {
		return dErrors.New(dErrors.CodeValidation, "monthly_amount must have at most 4 decimal places")
	}
	if r.TotalMonths < 1 {
		return dErrors.New(dErrors.CodeValidation, "total_months must be at least 1")
	}
	return nil
}

// PurchaseEvent triggers payout distribution.
type PurchaseEvent struct {
	BuyerID       id.UserID       `json:"buyer_id"`
	PackageType   string          `json:"package_type"`
	MonthlyAmount decimal.Decimal `json:"monthly_amount"`
	TotalMonths   int             `json:"total_months"`
}
