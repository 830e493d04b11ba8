package business_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"payplan/internal/compensation/business"
	"payplan/internal/compensation/earnings"
	"payplan/internal/compensation/models"
	"payplan/internal/compensation/testfixture"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

type BusinessSuite struct {
	suite.Suite
	net    *testfixture.Network
	ledger *business.Ledger
}

func TestBusinessSuite(t *testing.T) {
	suite.Run(t, new(BusinessSuite))
}

func (s *BusinessSuite) SetupTest() {
	s.net = testfixture.NewNetwork(s.T())
	s.ledger = business.New(s.net.Store, earnings.New(s.net.Store))
	s.net.Root("R")
}

func (s *BusinessSuite) buy(name string, monthly int64, months int, override bool) (*models.PurchaseEvent, error) {
	_, ev, err := s.ledger.CreatePackage(s.net.Ctx, models.CreatePackageRequest{
		UserID:        s.net.ID(name),
		PackageType:   "gold",
		MonthlyAmount: testfixture.Amount(monthly),
		TotalMonths:   months,
		Override:      override,
	})
	return ev, err
}

func (s *BusinessSuite) TestCreatePackage() {
	s.Run("emits a purchase event", func() {
		ev, err := s.buy("R", 10000, 12, false)
		s.Require().NoError(err)
		s.Equal(s.net.ID("R"), ev.BuyerID)
		s.True(ev.MonthlyAmount.Equal(testfixture.Amount(10000)))
		s.Equal(12, ev.TotalMonths)
	})

	s.Run("second active package is rejected without override", func() {
		_, err := s.buy("R", 5000, 6, false)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))

		pkg, err := s.ledger.ActivePackage(s.net.Ctx, s.net.ID("R"))
		s.Require().NoError(err)
		s.True(pkg.MonthlyAmount.Equal(testfixture.Amount(10000)), "existing package untouched")
	})

	s.Run("override replaces the active package", func() {
		ev, err := s.buy("R", 5000, 6, true)
		s.Require().NoError(err)
		s.True(ev.MonthlyAmount.Equal(testfixture.Amount(5000)))

		pkg, err := s.ledger.ActivePackage(s.net.Ctx, s.net.ID("R"))
		s.Require().NoError(err)
		s.Equal(6, pkg.TotalMonths)
		s.Zero(pkg.PaidMonths)
	})

	s.Run("unknown user", func() {
		_, _, err := s.ledger.CreatePackage(s.net.Ctx, models.CreatePackageRequest{
			UserID: id.NewUserID(), PackageType: "gold", MonthlyAmount: testfixture.Amount(1), TotalMonths: 1,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("invalid amount", func() {
		_, err := s.buy("R", 0, 1, true)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *BusinessSuite) TestCompletedPackageCanBeRebought() {
	_, err := s.buy("R", 1000, 1, false)
	s.Require().NoError(err)
	_, err = s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), true)
	s.Require().NoError(err)

	_, err = s.buy("R", 2000, 3, false)
	s.NoError(err)
}

func (s *BusinessSuite) TestEMIBonus() {
	_, err := s.buy("R", 1000, 3, false)
	s.Require().NoError(err)

	for i := 0; i < 2; i++ {
		res, err := s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), true)
		s.Require().NoError(err)
		s.Nil(res.Bonus)
	}

	res, err := s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), true)
	s.Require().NoError(err)
	s.True(res.Package.IsCompleted)
	s.True(res.Package.BonusEarned)
	s.Require().NotNil(res.Bonus)
	s.True(res.Bonus.Amount.Equal(testfixture.Amount(150)), "five percent of 1000 x 3")
	s.Equal(models.EarningEMIBonus, res.Bonus.Type)
	s.True(s.net.User("R").TotalEarnings.Equal(testfixture.Amount(150)))

	_, err = s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), true)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *BusinessSuite) TestLateInstallmentForfeitsBonus() {
	_, err := s.buy("R", 1000, 2, false)
	s.Require().NoError(err)

	_, err = s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), false)
	s.Require().NoError(err)
	res, err := s.ledger.RecordInstallment(s.net.Ctx, s.net.ID("R"), true)
	s.Require().NoError(err)
	s.True(res.Package.IsCompleted)
	s.Nil(res.Bonus)
	s.Empty(s.net.EarningsOfType("R", models.EarningEMIBonus))
}

func (s *BusinessSuite) TestBonusRollsBackWithTransaction() {
	_, err := s.buy("R", 1000, 1, false)
	s.Require().NoError(err)

	err = s.net.Store.RunInTx(s.net.Ctx, func(txCtx context.Context) error {
		if _, err := s.ledger.RecordInstallment(txCtx, s.net.ID("R"), true); err != nil {
			return err
		}
		return dErrors.New(dErrors.CodeInternal, "downstream failure")
	})
	s.Error(err)

	pkg, err := s.ledger.ActivePackage(s.net.Ctx, s.net.ID("R"))
	s.Require().NoError(err)
	s.Zero(pkg.PaidMonths)
	s.Empty(s.net.Earnings("R"))
}
