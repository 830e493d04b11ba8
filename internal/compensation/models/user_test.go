package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
)

type UserSuite struct {
	suite.Suite
	now time.Time
}

func TestUserSuite(t *testing.T) {
	suite.Run(t, new(UserSuite))
}

func (s *UserSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
}

func (s *UserSuite) newUser() *User {
	u, err := NewUser(id.NewUserID(), nil, RoleMember, s.now)
	s.Require().NoError(err)
	return u
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (s *UserSuite) TestNewUser() {
	s.Run("rejects self referral", func() {
		uid := id.NewUserID()
		_, err := NewUser(uid, &uid, RoleMember, s.now)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
	s.Run("defaults role to member", func() {
		u, err := NewUser(id.NewUserID(), nil, "", s.now)
		s.Require().NoError(err)
		s.Equal(RoleMember, u.Role)
	})
	s.Run("admins cannot be removed", func() {
		u, err := NewUser(id.NewUserID(), nil, RoleAdmin, s.now)
		s.Require().NoError(err)
		s.True(dErrors.HasCode(u.CanRemove(), dErrors.CodeInvariantViolation))
	})
}

func (s *UserSuite) TestEvaluateMatch() {
	s.Run("one populated side never matches", func() {
		u := s.newUser()
		u.ApplyVolume(SideLeft, d(10000), s.now)
		_, ok := u.EvaluateMatch()
		s.False(ok)
	})

	s.Run("first match needs 2:1", func() {
		u := s.newUser()
		u.ApplyVolume(SideLeft, d(10000), s.now)
		u.ApplyVolume(SideRight, d(15000), s.now)
		_, ok := u.EvaluateMatch()
		s.False(ok, "1.5:1 must not pass the first-match gate")

		u.ApplyVolume(SideRight, d(5000), s.now)
		m, ok := u.EvaluateMatch()
		s.Require().True(ok)
		s.True(m.First)
		s.True(m.Matched.Equal(d(10000)))
	})

	s.Run("first match accepts 1:2 as well", func() {
		u := s.newUser()
		u.ApplyVolume(SideLeft, d(30000), s.now)
		u.ApplyVolume(SideRight, d(10000), s.now)
		m, ok := u.EvaluateMatch()
		s.Require().True(ok)
		s.True(m.First)
	})

	s.Run("later matches use 1:1", func() {
		u := s.newUser()
		u.BinaryPayouts = 1
		u.ApplyVolume(SideLeft, d(100), s.now)
		u.ApplyVolume(SideRight, d(100), s.now)
		m, ok := u.EvaluateMatch()
		s.Require().True(ok)
		s.False(m.First)
	})
}

func (s *UserSuite) TestApplyMatchZeroesSmallerSide() {
	u := s.newUser()
	u.ApplyVolume(SideLeft, d(10000), s.now)
	u.ApplyVolume(SideRight, d(25000), s.now)
	m, ok := u.EvaluateMatch()
	s.Require().True(ok)
	u.ApplyMatch(m, s.now)

	s.True(decimal.Min(u.LeftCarryForward, u.RightCarryForward).IsZero())
	s.True(u.RightCarryForward.Equal(d(15000)))
	s.True(u.MatchedVolume.Equal(d(10000)))
	s.Equal(1, u.BinaryPayouts)
}

func (s *UserSuite) TestApplyTreeRecompute() {
	u := s.newUser()
	u.MatchedVolume = d(4000)
	u.ApplyTreeRecompute(2, 1, d(10000), d(3000), s.now)
	s.Equal(2, u.LeftTeamCount)
	s.Equal(1, u.RightTeamCount)
	s.True(u.LeftCarryForward.Equal(d(6000)))
	s.True(u.RightCarryForward.IsZero(), "carry-forward is floored at zero")
}

func (s *UserSuite) TestApplyEarningsRecompute() {
	u := s.newUser()
	u.TotalEarnings = d(1000)
	u.WithdrawableAmount = d(300)

	delta := u.ApplyEarningsRecompute(d(400), s.now)
	s.True(delta.Equal(d(600)))
	s.True(u.TotalEarnings.Equal(d(400)))
	s.True(u.WithdrawableAmount.IsZero(), "withdrawable is floored at zero")
}
