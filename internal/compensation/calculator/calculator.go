// Package calculator applies the three income rules to a purchase.
package calculator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
	"payplan/pkg/requestcontext"
)

type Store interface {
	FindUser(ctx context.Context, userID id.UserID) (*models.User, error)
	FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error)
	UpdateTreeState(ctx context.Context, user *models.User) error
	CountRecruits(ctx context.Context, referrerID id.UserID) (int, error)
	RecordAccrual(ctx context.Context, accrual *models.Accrual) error
}

// Tree resolves a buyer's placement upline.
type Tree interface {
	Ancestors(ctx context.Context, userID id.UserID, maxDepth int) ([]models.Ancestor, error)
}

// EarningRecorder appends payouts and credits balances.
type EarningRecorder interface {
	Create(ctx context.Context, e models.Earning) (*models.Earning, error)
}

type Calculator struct {
	store       Store
	tree        Tree
	earnings    EarningRecorder
	logger      *slog.Logger
	binaryDepth int
}

type Option func(*Calculator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Calculator) {
		c.logger = logger
	}
}

// WithBinaryDepth bounds the placement walk that accrues carry-forward.
func WithBinaryDepth(depth int) Option {
	return func(c *Calculator) {
		if depth > 0 {
			c.binaryDepth = depth
		}
	}
}

func New(store Store, tree Tree, earnings EarningRecorder, opts ...Option) *Calculator {
	c := &Calculator{
		store:       store,
		tree:        tree,
		earnings:    earnings,
		logger:      slog.Default(),
		binaryDepth: models.BinaryDepth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BinaryDepth is the depth the calculator accrues volume to.
func (c *Calculator) BinaryDepth() int { return c.binaryDepth }

// Distribute pays direct, binary and level income for one purchase. It must run inside
// the caller's transaction: any error leaves the caller to roll back every write made
// so far. Unknown referrers and ancestors are skipped, not errors.
func (c *Calculator) Distribute(ctx context.Context, ev models.PurchaseEvent) (*models.Distribution, error) {
	if !ev.MonthlyAmount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "monthly_amount must be greater than zero")
	}
	buyer, err := c.store.FindUser(ctx, ev.BuyerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "buyer not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load buyer")
	}

	run := &distribution{seen: make(map[id.UserID]struct{})}

	if err := c.payDirect(ctx, buyer, ev, run); err != nil {
		return nil, err
	}
	if err := c.payBinary(ctx, buyer, ev, run); err != nil {
		return nil, err
	}
	if err := c.payLevels(ctx, buyer, ev, run); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "purchase distributed",
		"buyer_id", buyer.ID.String(),
		"monthly_amount", ev.MonthlyAmount.String(),
		"earnings", len(run.out.Earnings),
		"total", run.out.Total().String(),
	)
	return &run.out, nil
}

type distribution struct {
	out  models.Distribution
	seen map[id.UserID]struct{}
}

func (d *distribution) touch(userID id.UserID) {
	if _, ok := d.seen[userID]; ok {
		return
	}
	d.seen[userID] = struct{}{}
	d.out.TouchedUsers = append(d.out.TouchedUsers, userID)
}

func (d *distribution) record(e *models.Earning) {
	d.out.Earnings = append(d.out.Earnings, *e)
	d.touch(e.UserID)
}

// pay records an earning; false means the beneficiary no longer exists.
func (c *Calculator) pay(ctx context.Context, e models.Earning, run *distribution) (bool, error) {
	created, err := c.earnings.Create(ctx, e)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		c.logger.WarnContext(ctx, "payout skipped, beneficiary missing",
			"user_id", e.UserID.String(),
			"type", string(e.Type),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	run.record(created)
	return true, nil
}

func (c *Calculator) payDirect(ctx context.Context, buyer *models.User, ev models.PurchaseEvent, run *distribution) error {
	if buyer.ReferrerID == nil {
		return nil
	}
	_, err := c.pay(ctx, models.Earning{
		UserID:        *buyer.ReferrerID,
		Amount:        models.DirectIncome(ev.MonthlyAmount),
		Type:          models.EarningDirect,
		RelatedUserID: buyer.ID.Ptr(),
		Description:   fmt.Sprintf("Direct income from %s package purchase", ev.PackageType),
	}, run)
	return err
}

// payBinary accrues the purchase on each placement ancestor's side and pays any match
// that passes the gate. Ancestor rows are locked in upline order.
func (c *Calculator) payBinary(ctx context.Context, buyer *models.User, ev models.PurchaseEvent, run *distribution) error {
	ancestors, err := c.tree.Ancestors(ctx, buyer.ID, c.binaryDepth)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)

	for _, a := range ancestors {
		au, err := c.store.FindUserForUpdate(ctx, a.UserID)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock ancestor")
		}

		au.ApplyVolume(a.Side, ev.MonthlyAmount, now)
		if err := c.store.RecordAccrual(ctx, &models.Accrual{
			OwnerID: au.ID, BuyerID: buyer.ID, Side: a.Side, Amount: ev.MonthlyAmount, CreatedAt: now,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record accrual")
		}
		match, ok := au.EvaluateMatch()
		if ok {
			au.ApplyMatch(match, now)
		}
		if err := c.store.UpdateTreeState(ctx, au); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update carry-forward")
		}
		run.touch(au.ID)
		if !ok {
			continue
		}

		desc := fmt.Sprintf("Binary income on %s matched volume", match.Matched.String())
		if match.First {
			desc += " (first match 2:1)"
		}
		if _, err := c.pay(ctx, models.Earning{
			UserID:        au.ID,
			Amount:        match.Matched.Mul(models.BinaryRate),
			Type:          models.EarningBinary,
			RelatedUserID: buyer.ID.Ptr(),
			Description:   desc,
		}, run); err != nil {
			return err
		}
	}
	return nil
}

// payLevels walks the referral chain above the direct referrer. An ancestor at level L
// earns only with at least ceil(L/2) direct referrals; skipped levels are not rolled up.
func (c *Calculator) payLevels(ctx context.Context, buyer *models.User, ev models.PurchaseEvent, run *distribution) error {
	if buyer.ReferrerID == nil {
		return nil
	}
	referrer, err := c.store.FindUser(ctx, *buyer.ReferrerID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load referrer")
	}

	base := models.DirectIncome(ev.MonthlyAmount)
	visited := map[id.UserID]struct{}{buyer.ID: {}, referrer.ID: {}}
	next := referrer.ReferrerID

	for level := 1; level <= models.MaxLevels && next != nil; level++ {
		if _, seen := visited[*next]; seen {
			c.logger.WarnContext(ctx, "referral cycle detected",
				"buyer_id", buyer.ID.String(),
				"user_id", next.String(),
			)
			return nil
		}
		visited[*next] = struct{}{}

		ancestor, err := c.store.FindUser(ctx, *next)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load level ancestor")
		}
		next = ancestor.ReferrerID

		recruits, err := c.store.CountRecruits(ctx, ancestor.ID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to count referrals")
		}
		if recruits < models.RequiredReferrals(level) {
			continue
		}
		if _, err := c.pay(ctx, models.Earning{
			UserID:        ancestor.ID,
			Amount:        base.Mul(models.LevelRate(level)),
			Type:          models.EarningLevel,
			RelatedUserID: buyer.ID.Ptr(),
			Level:         level,
			Description:   fmt.Sprintf("Level %d income", level),
		}, run); err != nil {
			return err
		}
	}
	return nil
}
