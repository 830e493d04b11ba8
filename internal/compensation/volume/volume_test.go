package volume_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"payplan/internal/compensation/models"
	"payplan/internal/compensation/testfixture"
	"payplan/internal/compensation/volume"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

type VolumeSuite struct {
	suite.Suite
	net *testfixture.Network
	acc *volume.Accumulator
}

func TestVolumeSuite(t *testing.T) {
	suite.Run(t, new(VolumeSuite))
}

func (s *VolumeSuite) SetupTest() {
	s.net = testfixture.NewNetwork(s.T())
	s.acc = volume.New(s.net.Directory, s.net.Store)

	s.net.Root("R")
	s.net.Join("A", "R", models.SideLeft)
	s.net.Join("B", "A", models.SideRight)
	s.net.Join("C", "R", models.SideRight)
	s.net.Join("D", "R", models.SideRight)
}

func (s *VolumeSuite) TestBusinessInfo() {
	s.net.GivePackage("A", 1000, 12)
	s.net.GivePackage("B", 2500, 12)
	s.net.GivePackage("C", 4000, 6)
	// D holds no package and adds nothing.

	info, err := s.acc.BusinessInfo(s.net.Ctx, s.net.ID("R"))
	s.Require().NoError(err)
	s.True(info.LeftVolume.Equal(testfixture.Amount(3500)), "left volume is color-preserving across generations")
	s.True(info.RightVolume.Equal(testfixture.Amount(4000)))
	s.Equal(2, info.LeftTeamCount)
	s.Equal(2, info.RightTeamCount)
	s.True(info.LeftCarryForward.IsZero())
}

func (s *VolumeSuite) TestSideVolumeDepthLimit() {
	s.net.GivePackage("A", 1000, 12)
	s.net.GivePackage("B", 2500, 12)

	v, err := s.acc.SideVolume(s.net.Ctx, s.net.ID("R"), models.SideLeft, 1)
	s.Require().NoError(err)
	s.True(v.Equal(testfixture.Amount(1000)))
}

func (s *VolumeSuite) TestUnknownUser() {
	_, err := s.acc.BusinessInfo(s.net.Ctx, id.NewUserID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *VolumeSuite) TestAccruedVolume() {
	accrue := func(buyer id.UserID, side models.Side, amount int64) {
		s.Require().NoError(s.net.Store.RecordAccrual(s.net.Ctx, &models.Accrual{
			OwnerID: s.net.ID("R"), BuyerID: buyer, Side: side, Amount: testfixture.Amount(amount), CreatedAt: testfixture.Now,
		}))
	}
	accrue(s.net.ID("B"), models.SideLeft, 100)
	accrue(s.net.ID("B"), models.SideLeft, 100)
	accrue(s.net.ID("C"), models.SideRight, 400)
	accrue(id.NewUserID(), models.SideRight, 900)

	left, right, err := s.acc.AccruedVolume(s.net.Ctx, s.net.ID("R"), models.BinaryDepth)
	s.Require().NoError(err)
	s.True(left.Equal(testfixture.Amount(200)), "repeat purchases both count")
	s.True(right.Equal(testfixture.Amount(400)), "buyers that are gone add nothing")

	left, _, err = s.acc.AccruedVolume(s.net.Ctx, s.net.ID("R"), 1)
	s.Require().NoError(err)
	s.True(left.IsZero(), "B sits below the depth limit")
}
