// Package earnings is the append-only payout ledger and the balances derived from it.
package earnings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
	"payplan/pkg/requestcontext"
)

type Store interface {
	FindUser(ctx context.Context, userID id.UserID) (*models.User, error)
	FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error)
	AddToBalances(ctx context.Context, userID id.UserID, amount decimal.Decimal, now time.Time) error
	SetBalances(ctx context.Context, userID id.UserID, total, withdrawable decimal.Decimal, now time.Time) error
	ListRecruits(ctx context.Context, referrerID id.UserID) ([]id.UserID, error)
	CountRecruits(ctx context.Context, referrerID id.UserID) (int, error)
	InsertEarning(ctx context.Context, earning *models.Earning) error
	ListEarnings(ctx context.Context, userID id.UserID) ([]models.Earning, error)
	InvalidateEarnings(ctx context.Context, userID id.UserID, now time.Time) (int, []id.UserID, error)
	SumEarnings(ctx context.Context, userID id.UserID) (decimal.Decimal, error)
	LevelEarnings(ctx context.Context, userID id.UserID) (map[int]decimal.Decimal, error)
}

type Ledger struct {
	store    Store
	logger   *slog.Logger
	maxNodes int
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMaxNodes caps the recruit walk behind LevelStatistics.
func WithMaxNodes(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxNodes = n
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		logger:   slog.Default(),
		maxNodes: models.MaxTraversalNodes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create appends a payout and credits the beneficiary's total and withdrawable
// balances by the same amount. Both writes share the caller's transaction.
func (l *Ledger) Create(ctx context.Context, e models.Earning) (*models.Earning, error) {
	if e.UserID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "beneficiary is required")
	}
	if !e.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown earning type")
	}
	if e.Amount.IsNegative() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "earning amount cannot be negative")
	}
	if e.ID.IsNil() {
		e.ID = id.NewEarningID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = requestcontext.Now(ctx)
	}
	e.InvalidatedAt = nil
	e.Amount = e.Amount.Round(models.MoneyScale)

	if err := l.store.AddToBalances(ctx, e.UserID, e.Amount, e.CreatedAt); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "beneficiary not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to credit beneficiary")
	}
	if err := l.store.InsertEarning(ctx, &e); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record earning")
	}
	return &e, nil
}

// Invalidate zeroes and tags every live row where userID is beneficiary or related
// user. It returns the number of rows reversed and the beneficiaries whose balances
// now need Recompute.
func (l *Ledger) Invalidate(ctx context.Context, userID id.UserID) (int, []id.UserID, error) {
	n, affected, err := l.store.InvalidateEarnings(ctx, userID, requestcontext.Now(ctx))
	if err != nil {
		return 0, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to invalidate earnings")
	}
	if n > 0 {
		l.logger.InfoContext(ctx, "earnings invalidated",
			"user_id", userID.String(),
			"rows", n,
			"beneficiaries", len(affected),
		)
	}
	return n, affected, nil
}

// Recompute rebuilds userID's total from the surviving ledger and reduces the
// withdrawable balance by the same delta, floored at zero. It returns the delta
// (previous total minus ledger total).
func (l *Ledger) Recompute(ctx context.Context, userID id.UserID) (decimal.Decimal, error) {
	user, err := l.store.FindUserForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return decimal.Zero, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	sum, err := l.store.SumEarnings(ctx, userID)
	if err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sum earnings")
	}

	now := requestcontext.Now(ctx)
	delta := user.ApplyEarningsRecompute(sum, now)
	if delta.IsZero() {
		return delta, nil
	}
	if err := l.store.SetBalances(ctx, userID, user.TotalEarnings, user.WithdrawableAmount, now); err != nil {
		return decimal.Zero, dErrors.Wrap(err, dErrors.CodeInternal, "failed to write balances")
	}
	return delta, nil
}

// List returns userID's payouts newest first, reversed rows included.
func (l *Ledger) List(ctx context.Context, userID id.UserID) ([]models.Earning, error) {
	list, err := l.store.ListEarnings(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list earnings")
	}
	if list == nil {
		list = []models.Earning{}
	}
	return list, nil
}

// LevelStatistics reports, for levels 1..MaxLevels, whether the level is unlocked,
// how many users sit at that referral depth below userID and what it has earned.
func (l *Ledger) LevelStatistics(ctx context.Context, userID id.UserID) ([]models.LevelStat, error) {
	if _, err := l.store.FindUser(ctx, userID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}

	direct, err := l.store.CountRecruits(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count referrals")
	}
	members, err := l.membersByDepth(ctx, userID)
	if err != nil {
		return nil, err
	}
	byLevel, err := l.store.LevelEarnings(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load level earnings")
	}

	unlocked := models.UnlockedLevels(direct)
	stats := make([]models.LevelStat, models.MaxLevels)
	for i := range stats {
		level := i + 1
		status := models.LevelLocked
		if level <= unlocked {
			status = models.LevelUnlocked
		}
		earned, ok := byLevel[level]
		if !ok {
			earned = decimal.Zero
		}
		stats[i] = models.LevelStat{
			Level:       level,
			Status:      status,
			MemberCount: members[level],
			Earnings:    earned,
		}
	}
	return stats, nil
}

// membersByDepth counts recruits per referral depth, breadth first, down to MaxLevels.
func (l *Ledger) membersByDepth(ctx context.Context, rootID id.UserID) (map[int]int, error) {
	counts := make(map[int]int, models.MaxLevels)
	visited := map[id.UserID]struct{}{rootID: {}}
	frontier := []id.UserID{rootID}
	total := 0

	for depth := 1; depth <= models.MaxLevels && len(frontier) > 0; depth++ {
		var next []id.UserID
		for _, uid := range frontier {
			recruits, err := l.store.ListRecruits(ctx, uid)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list recruits")
			}
			for _, r := range recruits {
				if _, seen := visited[r]; seen {
					continue
				}
				visited[r] = struct{}{}
				next = append(next, r)
			}
		}
		total += len(next)
		if total > l.maxNodes {
			return nil, dErrors.New(dErrors.CodeInternal, "referral walk exceeded node limit")
		}
		counts[depth] = len(next)
		frontier = next
	}
	return counts, nil
}
