package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

func TestPackageInstallments(t *testing.T) {
	t.Run("on-time schedule qualifies once", func(t *testing.T) {
		p := &Package{TotalMonths: 2, MonthlyAmount: decimal.NewFromInt(100)}
		p.ApplyInstallment(true)
		assert.False(t, p.QualifiesForBonus())
		p.ApplyInstallment(true)
		assert.True(t, p.IsCompleted)
		assert.True(t, p.QualifiesForBonus())

		p.BonusEarned = true
		assert.False(t, p.QualifiesForBonus())
		assert.True(t, dErrors.HasCode(p.CanRecordInstallment(), dErrors.CodeInvariantViolation))
	})

	t.Run("late payment forfeits bonus", func(t *testing.T) {
		p := &Package{TotalMonths: 1}
		p.ApplyInstallment(false)
		assert.True(t, p.IsCompleted)
		assert.Equal(t, 1, p.LateInstallments)
		assert.False(t, p.QualifiesForBonus())
	})
}

func TestCreatePackageRequestValidate(t *testing.T) {
	valid := func() *CreatePackageRequest {
		return &CreatePackageRequest{
			UserID:        id.NewUserID(),
			PackageType:   "gold",
			MonthlyAmount: decimal.NewFromInt(1000),
			TotalMonths:   12,
		}
	}
	require.NoError(t, valid().Validate())

	fine := valid()
	fine.MonthlyAmount = decimal.RequireFromString("333.3333")
	require.NoError(t, fine.Validate())

	tests := []struct {
		name   string
		mutate func(r *CreatePackageRequest)
	}{
		{"missing user", func(r *CreatePackageRequest) { r.UserID = id.UserID{} }},
		{"missing type", func(r *CreatePackageRequest) { r.PackageType = "" }},
		{"zero amount", func(r *CreatePackageRequest) { r.MonthlyAmount = decimal.Zero }},
		{"negative amount", func(r *CreatePackageRequest) { r.MonthlyAmount = decimal.NewFromInt(-1) }},
		{"too many decimal places", func(r *CreatePackageRequest) { r.MonthlyAmount = decimal.RequireFromString("10.00001") }},
		{"no months", func(r *CreatePackageRequest) { r.TotalMonths = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			assert.True(t, dErrors.HasCode(r.Validate(), dErrors.CodeValidation))
		})
	}
}

func TestEarningInvalidation(t *testing.T) {
	buyer := id.NewUserID()
	e := &Earning{UserID: id.NewUserID(), RelatedUserID: &buyer, Amount: decimal.NewFromInt(500), Description: "direct income"}
	assert.True(t, e.Involves(buyer))

	assert.True(t, e.ApplyInvalidation(fixedNow))
	assert.True(t, e.Amount.IsZero())
	assert.Equal(t, "[INVALIDATED] direct income", e.Description)
	assert.False(t, e.ApplyInvalidation(fixedNow), "already reversed rows are not re-tagged")
	assert.Equal(t, "[INVALIDATED] direct income", e.Description)
}
