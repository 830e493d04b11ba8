// Package volume aggregates business volume over a user's two teams.
package volume

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
)

// Tree lists a user's side-colored team and resolves uplines.
type Tree interface {
	Descendants(ctx context.Context, rootID id.UserID, side models.Side, maxDepth int) ([]models.Descendant, error)
	Ancestors(ctx context.Context, userID id.UserID, maxDepth int) ([]models.Ancestor, error)
}

type Store interface {
	FindUser(ctx context.Context, userID id.UserID) (*models.User, error)
	PackagesFor(ctx context.Context, userIDs []id.UserID) (map[id.UserID]models.Package, error)
	ListAccruals(ctx context.Context, ownerID id.UserID) ([]models.Accrual, error)
}

// Accumulator computes side volumes. Carry-forwards are maintained by the calculator
// and only read here.
type Accumulator struct {
	tree  Tree
	store Store
}

func New(tree Tree, store Store) *Accumulator {
	return &Accumulator{tree: tree, store: store}
}

// BusinessInfo reports both teams' total monthly volume next to the user's carry-forwards.
func (a *Accumulator) BusinessInfo(ctx context.Context, userID id.UserID) (*models.BusinessInfo, error) {
	user, err := a.store.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}

	left, err := a.SideVolume(ctx, userID, models.SideLeft, 0)
	if err != nil {
		return nil, err
	}
	right, err := a.SideVolume(ctx, userID, models.SideRight, 0)
	if err != nil {
		return nil, err
	}

	return &models.BusinessInfo{
		UserID:            userID,
		LeftVolume:        left,
		RightVolume:       right,
		LeftCarryForward:  user.LeftCarryForward,
		RightCarryForward: user.RightCarryForward,
		LeftTeamCount:     user.LeftTeamCount,
		RightTeamCount:    user.RightTeamCount,
	}, nil
}

// SideVolume sums MonthlyAmount over every package holder in userID's side team
// within maxDepth (0 means unbounded up to the traversal cap).
func (a *Accumulator) SideVolume(ctx context.Context, userID id.UserID, side models.Side, maxDepth int) (decimal.Decimal, error) {
	team, err := a.tree.Descendants(ctx, userID, side, maxDepth)
	if err != nil {
		return decimal.Zero, err
	}
	if len(team) == 0 {
		return decimal.Zero, nil
	}

	ids := make([]id.UserID, len(team))
	for i, d := range team {
		ids[i] = d.UserID
	}
	held, err := a.store.PackagesFor(ctx, ids)
	if err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load team packages")
	}

	sum := decimal.Zero
	for _, p := range held {
		sum = sum.Add(p.MonthlyAmount)
	}
	return sum, nil
}

// AccruedVolume sums the volume credited to ownerID's carry-forwards, grouped by the
// side each buyer sits on now. Buyers that are gone, no longer under ownerID or now
// deeper than maxDepth add nothing.
func (a *Accumulator) AccruedVolume(ctx context.Context, ownerID id.UserID, maxDepth int) (left, right decimal.Decimal, err error) {
	accruals, err := a.store.ListAccruals(ctx, ownerID)
	if err != nil {
		return decimal.Zero, decimal.Zero, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load accruals")
	}

	left, right = decimal.Zero, decimal.Zero
	sides := make(map[id.UserID]models.Side)
	for _, acc := range accruals {
		side, seen := sides[acc.BuyerID]
		if !seen {
			side, err = a.sideOf(ctx, ownerID, acc.BuyerID, maxDepth)
			if err != nil {
				return decimal.Zero, decimal.Zero, err
			}
			sides[acc.BuyerID] = side
		}
		switch side {
		case models.SideLeft:
			left = left.Add(acc.Amount)
		case models.SideRight:
			right = right.Add(acc.Amount)
		}
	}
	return left, right, nil
}

// sideOf is the side of ownerID that buyerID sits on within maxDepth, or "" when none.
func (a *Accumulator) sideOf(ctx context.Context, ownerID, buyerID id.UserID, maxDepth int) (models.Side, error) {
	upline, err := a.tree.Ancestors(ctx, buyerID, maxDepth)
	if err != nil {
		return "", err
	}
	for _, anc := range upline {
		if anc.UserID == ownerID {
			return anc.Side, nil
		}
	}
	return "", nil
}
