// Package testfixture builds small named networks on the in-memory store for tests.
package testfixture

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payplan/internal/compensation/directory"
	"payplan/internal/compensation/models"
	"payplan/internal/compensation/store"
	id "payplan/pkg/domain"
	"payplan/pkg/requestcontext"
)

// Now is the fixed clock every fixture context carries.
var Now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// Network is a named set of users placed through the real directory.
type Network struct {
	t         *testing.T
	Ctx       context.Context
	Store     *store.MemoryStore
	Directory *directory.Directory
	ids       map[string]id.UserID
}

func NewNetwork(t *testing.T) *Network {
	t.Helper()
	st := store.NewMemory()
	return &Network{
		t:         t,
		Ctx:       requestcontext.WithTime(context.Background(), Now),
		Store:     st,
		Directory: directory.New(st),
		ids:       make(map[string]id.UserID),
	}
}

// Root registers a forest root.
func (n *Network) Root(name string) id.UserID {
	return n.register(name, "", models.SideLeft, models.RoleMember)
}

// Admin registers an administrator root.
func (n *Network) Admin(name string) id.UserID {
	return n.register(name, "", models.SideLeft, models.RoleAdmin)
}

// Join registers name as referred by referrer and placed on side.
func (n *Network) Join(name, referrer string, side models.Side) id.UserID {
	return n.register(name, referrer, side, models.RoleMember)
}

func (n *Network) register(name, referrer string, side models.Side, role models.Role) id.UserID {
	n.t.Helper()
	req := models.RegisterRequest{Side: side, Role: role}
	if referrer != "" {
		req.ReferrerID = n.ID(referrer).Ptr()
	}
	var user *models.User
	err := n.Store.RunInTx(n.Ctx, func(txCtx context.Context) error {
		var err error
		user, err = n.Directory.PlaceUser(txCtx, req)
		return err
	})
	require.NoError(n.t, err, "register %s", name)
	n.ids[name] = user.ID
	return user.ID
}

// ID resolves a fixture name.
func (n *Network) ID(name string) id.UserID {
	n.t.Helper()
	uid, ok := n.ids[name]
	require.True(n.t, ok, "unknown fixture user %q", name)
	return uid
}

// User loads the current state of name.
func (n *Network) User(name string) *models.User {
	n.t.Helper()
	u, err := n.Store.FindUser(n.Ctx, n.ID(name))
	require.NoError(n.t, err)
	return u
}

// GivePackage stores a package for name without triggering distribution.
func (n *Network) GivePackage(name string, monthly int64, months int) {
	n.t.Helper()
	require.NoError(n.t, n.Store.SavePackage(n.Ctx, &models.Package{
		UserID:        n.ID(name),
		PackageType:   "standard",
		MonthlyAmount: decimal.NewFromInt(monthly),
		TotalMonths:   months,
		CreatedAt:     Now,
	}))
}

// Earnings returns name's ledger, newest first.
func (n *Network) Earnings(name string) []models.Earning {
	n.t.Helper()
	list, err := n.Store.ListEarnings(n.Ctx, n.ID(name))
	require.NoError(n.t, err)
	return list
}

// EarningsOfType filters name's ledger by type.
func (n *Network) EarningsOfType(name string, typ models.EarningType) []models.Earning {
	var out []models.Earning
	for _, e := range n.Earnings(name) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// AssertTeamCounts checks every fixture user's counts against a fresh descendant walk.
func (n *Network) AssertTeamCounts() {
	n.t.Helper()
	for name, uid := range n.ids {
		u, err := n.Store.FindUser(n.Ctx, uid)
		if err != nil {
			continue
		}
		left, err := n.Directory.TeamSize(n.Ctx, uid, models.SideLeft)
		require.NoError(n.t, err)
		right, err := n.Directory.TeamSize(n.Ctx, uid, models.SideRight)
		require.NoError(n.t, err)
		require.Equal(n.t, left, u.LeftTeamCount, "left team count of %s", name)
		require.Equal(n.t, right, u.RightTeamCount, "right team count of %s", name)
	}
}

// Amount is shorthand for decimal.NewFromInt.
func Amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
