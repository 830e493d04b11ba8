package earnings_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"payplan/internal/compensation/earnings"
	"payplan/internal/compensation/models"
	"payplan/internal/compensation/testfixture"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

type LedgerSuite struct {
	suite.Suite
	net    *testfixture.Network
	ledger *earnings.Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.net = testfixture.NewNetwork(s.T())
	s.ledger = earnings.New(s.net.Store)
	s.net.Root("R")
	s.net.Join("A", "R", models.SideLeft)
	s.net.Join("B", "A", models.SideLeft)
}

func (s *LedgerSuite) pay(to, related string, typ models.EarningType, level int, amount int64) *models.Earning {
	e, err := s.ledger.Create(s.net.Ctx, models.Earning{
		UserID:        s.net.ID(to),
		RelatedUserID: s.net.ID(related).Ptr(),
		Amount:        testfixture.Amount(amount),
		Type:          typ,
		Level:         level,
		Description:   string(typ) + " income",
	})
	s.Require().NoError(err)
	return e
}

func (s *LedgerSuite) TestCreateCreditsBothBalances() {
	e := s.pay("A", "B", models.EarningDirect, 0, 500)
	s.False(e.ID.IsNil())
	s.Equal(testfixture.Now, e.CreatedAt)

	a := s.net.User("A")
	s.True(a.TotalEarnings.Equal(testfixture.Amount(500)))
	s.True(a.WithdrawableAmount.Equal(testfixture.Amount(500)))
}

func (s *LedgerSuite) TestCreateRoundsToMoneyScale() {
	e, err := s.ledger.Create(s.net.Ctx, models.Earning{
		UserID:        s.net.ID("A"),
		RelatedUserID: s.net.ID("B").Ptr(),
		Amount:        decimal.RequireFromString("16.666665"),
		Type:          models.EarningLevel,
		Level:         15,
		Description:   "level income",
	})
	s.Require().NoError(err)
	s.Equal("16.6667", e.Amount.String(), "half rounds away from zero")

	a := s.net.User("A")
	s.True(a.TotalEarnings.Equal(e.Amount))
	rows := s.net.Earnings("A")
	s.Require().Len(rows, 1)
	s.True(rows[0].Amount.Equal(decimal.RequireFromString("16.6667")))
}

func (s *LedgerSuite) TestCreateValidation() {
	s.Run("unknown beneficiary is not found and writes nothing", func() {
		_, err := s.ledger.Create(s.net.Ctx, models.Earning{
			UserID: id.NewUserID(), Amount: testfixture.Amount(1), Type: models.EarningDirect,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
	s.Run("negative amounts are rejected", func() {
		_, err := s.ledger.Create(s.net.Ctx, models.Earning{
			UserID: s.net.ID("A"), Amount: testfixture.Amount(-1), Type: models.EarningDirect,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
	s.Run("unknown type is rejected", func() {
		_, err := s.ledger.Create(s.net.Ctx, models.Earning{
			UserID: s.net.ID("A"), Amount: testfixture.Amount(1), Type: "bonus",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *LedgerSuite) TestInvalidateAndRecompute() {
	s.pay("A", "B", models.EarningDirect, 0, 500)
	s.pay("R", "B", models.EarningLevel, 1, 75)
	s.pay("R", "A", models.EarningDirect, 0, 200)

	// R withdrew part of the balance earlier.
	s.Require().NoError(s.net.Store.SetBalances(s.net.Ctx, s.net.ID("R"),
		testfixture.Amount(275), testfixture.Amount(100), testfixture.Now))

	n, affected, err := s.ledger.Invalidate(s.net.Ctx, s.net.ID("B"))
	s.Require().NoError(err)
	s.Equal(2, n)
	s.ElementsMatch([]id.UserID{s.net.ID("A"), s.net.ID("R")}, affected)

	delta, err := s.ledger.Recompute(s.net.Ctx, s.net.ID("R"))
	s.Require().NoError(err)
	s.True(delta.Equal(testfixture.Amount(75)))

	r := s.net.User("R")
	s.True(r.TotalEarnings.Equal(testfixture.Amount(200)))
	s.True(r.WithdrawableAmount.Equal(testfixture.Amount(25)))

	_, err = s.ledger.Recompute(s.net.Ctx, s.net.ID("A"))
	s.Require().NoError(err)
	a := s.net.User("A")
	s.True(a.TotalEarnings.IsZero())
	s.True(a.WithdrawableAmount.IsZero())

	list, err := s.ledger.List(s.net.Ctx, s.net.ID("A"))
	s.Require().NoError(err)
	s.Require().Len(list, 1, "invalidated rows are kept")
	s.True(list[0].IsInvalidated())
	s.Equal(models.InvalidatedTag+"direct income", list[0].Description)
}

func (s *LedgerSuite) TestRecomputeIsIdempotent() {
	s.pay("A", "B", models.EarningDirect, 0, 500)
	delta, err := s.ledger.Recompute(s.net.Ctx, s.net.ID("A"))
	s.Require().NoError(err)
	s.True(delta.IsZero())
}

func (s *LedgerSuite) TestListEmpty() {
	list, err := s.ledger.List(s.net.Ctx, s.net.ID("R"))
	s.Require().NoError(err)
	s.NotNil(list)
	s.Empty(list)
}

func (s *LedgerSuite) TestLevelStatistics() {
	s.net.Join("C", "R", models.SideRight)
	s.net.Join("D", "B", models.SideLeft)
	s.pay("R", "B", models.EarningLevel, 1, 75)
	s.pay("R", "D", models.EarningLevel, 2, 25)

	stats, err := s.ledger.LevelStatistics(s.net.Ctx, s.net.ID("R"))
	s.Require().NoError(err)
	s.Require().Len(stats, models.MaxLevels)

	// R has two direct referrals: levels 1..4 unlocked.
	s.Equal(models.LevelUnlocked, stats[3].Status)
	s.Equal(models.LevelLocked, stats[4].Status)

	s.Equal(2, stats[0].MemberCount, "A and C")
	s.Equal(1, stats[1].MemberCount, "B")
	s.Equal(1, stats[2].MemberCount, "D")
	s.Equal(0, stats[3].MemberCount)

	s.True(stats[0].Earnings.Equal(testfixture.Amount(75)))
	s.True(stats[1].Earnings.Equal(testfixture.Amount(25)))
	s.True(stats[19].Earnings.Equal(decimal.Zero))

	_, err = s.ledger.LevelStatistics(s.net.Ctx, id.NewUserID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
