package store_test

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"payplan/internal/compensation/models"
	"payplan/internal/compensation/ports"
	id "payplan/pkg/domain"
	"payplan/pkg/platform/sentinel"
)

// StoreSuite holds the behavior every backend must share.
type StoreSuite struct {
	suite.Suite
	newStore func() ports.Store
	store    ports.Store
	ctx      context.Context
	now      time.Time
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) user(referrer *id.UserID) *models.User {
	u, err := models.NewUser(id.NewUserID(), referrer, models.RoleMember, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateUser(s.ctx, u))
	return u
}

func (s *StoreSuite) place(child, parent *models.User, side models.Side) {
	s.Require().NoError(s.store.CreatePlacement(s.ctx, &models.Placement{
		UserID: child.ID, ParentID: parent.ID, Side: side, Level: 1, CreatedAt: s.now,
	}))
}

func (s *StoreSuite) TestUsers() {
	s.Run("unknown user is not found", func() {
		_, err := s.store.FindUser(s.ctx, id.NewUserID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("duplicate user is rejected", func() {
		u := s.user(nil)
		s.ErrorIs(s.store.CreateUser(s.ctx, u), sentinel.ErrAlreadyUsed)
	})

	s.Run("balances and tree state are written independently", func() {
		u := s.user(nil)
		s.Require().NoError(s.store.AddToBalances(s.ctx, u.ID, decimal.NewFromInt(500), s.now))

		u.LeftCarryForward = decimal.NewFromInt(10000)
		u.BinaryPayouts = 2
		u.LeftTeamCount = 3
		s.Require().NoError(s.store.UpdateTreeState(s.ctx, u))

		got, err := s.store.FindUser(s.ctx, u.ID)
		s.Require().NoError(err)
		s.True(got.TotalEarnings.Equal(decimal.NewFromInt(500)), "tree update must not clobber balances")
		s.True(got.WithdrawableAmount.Equal(decimal.NewFromInt(500)))
		s.True(got.LeftCarryForward.Equal(decimal.NewFromInt(10000)))
		s.Equal(2, got.BinaryPayouts)
		s.Equal(3, got.LeftTeamCount)
	})

	s.Run("recruits are listed in creation order and can be repointed", func() {
		root := s.user(nil)
		mid := s.user(&root.ID)
		a := s.user(&mid.ID)
		b := s.user(&mid.ID)

		recruits, err := s.store.ListRecruits(s.ctx, mid.ID)
		s.Require().NoError(err)
		s.Equal([]id.UserID{a.ID, b.ID}, recruits)

		moved, err := s.store.RepointRecruits(s.ctx, mid.ID, &root.ID, s.now)
		s.Require().NoError(err)
		s.Equal([]id.UserID{a.ID, b.ID}, moved)

		n, err := s.store.CountRecruits(s.ctx, root.ID)
		s.Require().NoError(err)
		s.Equal(3, n)

		got, err := s.store.FindUser(s.ctx, a.ID)
		s.Require().NoError(err)
		s.Require().NotNil(got.ReferrerID)
		s.Equal(root.ID, *got.ReferrerID)
	})
}

func (s *StoreSuite) TestPlacements() {
	root := s.user(nil)
	a := s.user(&root.ID)
	b := s.user(&root.ID)
	c := s.user(&root.ID)
	s.place(a, root, models.SideLeft)
	s.place(b, root, models.SideLeft)
	s.place(c, root, models.SideRight)

	s.Run("several children may share a side", func() {
		children, err := s.store.ListChildren(s.ctx, root.ID)
		s.Require().NoError(err)
		s.Require().Len(children, 3)
		s.Equal(a.ID, children[0].UserID)
		s.Equal(b.ID, children[1].UserID)
		s.Equal(models.SideRight, children[2].Side)
	})

	s.Run("roots have no placement", func() {
		_, err := s.store.FindPlacement(s.ctx, root.ID)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("moved placements keep their sibling order", func() {
		s.Require().NoError(s.store.UpdatePlacement(s.ctx, &models.Placement{
			UserID: a.ID, ParentID: c.ID, Side: models.SideRight, Level: 2,
		}))
		s.Require().NoError(s.store.UpdatePlacement(s.ctx, &models.Placement{
			UserID: a.ID, ParentID: root.ID, Side: models.SideLeft, Level: 1,
		}))
		children, err := s.store.ListChildren(s.ctx, root.ID)
		s.Require().NoError(err)
		s.Require().Len(children, 3)
		s.Equal(a.ID, children[0].UserID)
	})
}

func (s *StoreSuite) TestEarnings() {
	beneficiary := s.user(nil)
	removed := s.user(&beneficiary.ID)
	other := s.user(&beneficiary.ID)

	insert := func(owner id.UserID, related *id.UserID, typ models.EarningType, level int, amount int64, at time.Time) {
		s.Require().NoError(s.store.InsertEarning(s.ctx, &models.Earning{
			ID: id.NewEarningID(), UserID: owner, Amount: decimal.NewFromInt(amount), Type: typ,
			RelatedUserID: related, Level: level, Description: string(typ) + " income", CreatedAt: at,
		}))
	}
	insert(beneficiary.ID, &removed.ID, models.EarningDirect, 0, 500, s.now)
	insert(beneficiary.ID, &other.ID, models.EarningLevel, 1, 75, s.now.Add(time.Minute))
	insert(beneficiary.ID, &other.ID, models.EarningLevel, 1, 25, s.now.Add(2*time.Minute))
	insert(removed.ID, nil, models.EarningEMIBonus, 0, 40, s.now)

	s.Run("list is newest first", func() {
		list, err := s.store.ListEarnings(s.ctx, beneficiary.ID)
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		s.True(list[0].Amount.Equal(decimal.NewFromInt(25)))
		s.True(list[2].Amount.Equal(decimal.NewFromInt(500)))
	})

	s.Run("level earnings are grouped", func() {
		byLevel, err := s.store.LevelEarnings(s.ctx, beneficiary.ID)
		s.Require().NoError(err)
		s.True(byLevel[1].Equal(decimal.NewFromInt(100)))
	})

	s.Run("invalidation zeroes and tags without deleting", func() {
		n, affected, err := s.store.InvalidateEarnings(s.ctx, removed.ID, s.now)
		s.Require().NoError(err)
		s.Equal(2, n)
		s.ElementsMatch([]id.UserID{beneficiary.ID, removed.ID}, affected)

		list, err := s.store.ListEarnings(s.ctx, beneficiary.ID)
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		direct := list[2]
		s.True(direct.Amount.IsZero())
		s.Equal(models.InvalidatedTag+"direct income", direct.Description)
		s.NotNil(direct.InvalidatedAt)

		sum, err := s.store.SumEarnings(s.ctx, beneficiary.ID)
		s.Require().NoError(err)
		s.True(sum.Equal(decimal.NewFromInt(100)))

		n, _, err = s.store.InvalidateEarnings(s.ctx, removed.ID, s.now)
		s.Require().NoError(err)
		s.Zero(n, "already reversed rows are not touched again")
	})
}

func (s *StoreSuite) TestPackages() {
	u := s.user(nil)
	other := s.user(nil)
	pkg := &models.Package{
		UserID: u.ID, PackageType: "gold", MonthlyAmount: decimal.NewFromInt(1000), TotalMonths: 12, CreatedAt: s.now,
	}
	s.Require().NoError(s.store.SavePackage(s.ctx, pkg))

	pkg.PaidMonths = 3
	s.Require().NoError(s.store.SavePackage(s.ctx, pkg))

	got, err := s.store.FindPackage(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(3, got.PaidMonths)

	held, err := s.store.PackagesFor(s.ctx, []id.UserID{u.ID, other.ID})
	s.Require().NoError(err)
	s.Len(held, 1)
	s.True(held[u.ID].MonthlyAmount.Equal(decimal.NewFromInt(1000)))

	s.Require().NoError(s.store.DeletePackage(s.ctx, u.ID))
	_, err = s.store.FindPackage(s.ctx, u.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestAccruals() {
	owner := s.user(nil)
	first := s.user(&owner.ID)
	second := s.user(&owner.ID)
	accrue := func(ctx context.Context, buyer *models.User, side models.Side, amount int64) {
		s.Require().NoError(s.store.RecordAccrual(ctx, &models.Accrual{
			OwnerID: owner.ID, BuyerID: buyer.ID, Side: side, Amount: decimal.NewFromInt(amount), CreatedAt: s.now,
		}))
	}
	accrue(s.ctx, first, models.SideLeft, 100)
	accrue(s.ctx, second, models.SideRight, 200)
	accrue(s.ctx, first, models.SideLeft, 300)

	s.Run("listed in creation order", func() {
		list, err := s.store.ListAccruals(s.ctx, owner.ID)
		s.Require().NoError(err)
		s.Require().Len(list, 3)
		s.True(list[0].Amount.Equal(decimal.NewFromInt(100)))
		s.Equal(second.ID, list[1].BuyerID)
		s.Equal(models.SideRight, list[1].Side)
		s.True(list[2].Amount.Equal(decimal.NewFromInt(300)))
	})

	s.Run("rolled back with the transaction", func() {
		boom := errors.New("boom")
		err := s.store.RunInTx(s.ctx, func(txCtx context.Context) error {
			accrue(txCtx, second, models.SideRight, 50)
			s.Require().NoError(s.store.DeleteAccruals(txCtx, first.ID))
			return boom
		})
		s.ErrorIs(err, boom)

		list, err := s.store.ListAccruals(s.ctx, owner.ID)
		s.Require().NoError(err)
		s.Len(list, 3)
	})

	s.Run("deleting a buyer drops what it caused", func() {
		s.Require().NoError(s.store.DeleteAccruals(s.ctx, first.ID))
		list, err := s.store.ListAccruals(s.ctx, owner.ID)
		s.Require().NoError(err)
		s.Require().Len(list, 1)
		s.Equal(second.ID, list[0].BuyerID)
	})

	s.Run("deleting an owner drops what it holds", func() {
		s.Require().NoError(s.store.DeleteAccruals(s.ctx, owner.ID))
		list, err := s.store.ListAccruals(s.ctx, owner.ID)
		s.Require().NoError(err)
		s.Empty(list)
	})
}

func (s *StoreSuite) TestRunInTxRollsBackEverything() {
	owner := s.user(nil)
	boom := errors.New("boom")

	err := s.store.RunInTx(s.ctx, func(txCtx context.Context) error {
		s.Require().NoError(s.store.AddToBalances(txCtx, owner.ID, decimal.NewFromInt(100), s.now))
		s.Require().NoError(s.store.InsertEarning(txCtx, &models.Earning{
			ID: id.NewEarningID(), UserID: owner.ID, Amount: decimal.NewFromInt(100),
			Type: models.EarningDirect, Description: "direct", CreatedAt: s.now,
		}))
		child, err := models.NewUser(id.NewUserID(), &owner.ID, models.RoleMember, s.now)
		s.Require().NoError(err)
		s.Require().NoError(s.store.CreateUser(txCtx, child))

		// nested calls join the outer transaction
		return s.store.RunInTx(txCtx, func(context.Context) error { return boom })
	})
	s.ErrorIs(err, boom)

	got, err := s.store.FindUser(s.ctx, owner.ID)
	s.Require().NoError(err)
	s.True(got.TotalEarnings.IsZero())

	list, err := s.store.ListEarnings(s.ctx, owner.ID)
	s.Require().NoError(err)
	s.Empty(list)

	n, err := s.store.CountRecruits(s.ctx, owner.ID)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *StoreSuite) TestRunExclusiveCommits() {
	owner := s.user(nil)
	err := s.store.RunExclusive(s.ctx, func(txCtx context.Context) error {
		return s.store.SetBalances(txCtx, owner.ID, decimal.NewFromInt(7), decimal.NewFromInt(3), s.now)
	})
	s.Require().NoError(err)

	got, err := s.store.FindUser(s.ctx, owner.ID)
	s.Require().NoError(err)
	s.True(got.TotalEarnings.Equal(decimal.NewFromInt(7)))
	s.True(got.WithdrawableAmount.Equal(decimal.NewFromInt(3)))
}
