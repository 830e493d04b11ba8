// Package business keeps the one package each user holds and turns purchases into events.
package business

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
	FindPackage(ctx context.Context, userID id.UserID) (*models.Package, error)
	FindPackageForUpdate(ctx context.Context, userID id.UserID) (*models.Package, error)
	SavePackage(ctx context.Context, pkg *models.Package) error
}

// EarningRecorder credits the EMI completion bonus.
type EarningRecorder interface {
	Create(ctx context.Context, e models.Earning) (*models.Earning, error)
}

type Ledger struct {
	store    Store
	earnings EarningRecorder
	logger   *slog.Logger
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

func New(store Store, earnings EarningRecorder, opts ...Option) *Ledger {
	l := &Ledger{store: store, earnings: earnings, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreatePackage stores a new package and returns the purchase event that must be
// distributed in the same transaction. An active package blocks the purchase unless
// req.Override is set, in which case it is replaced. Replacement pays nothing
// retroactively.
func (l *Ledger) CreatePackage(ctx context.Context, req models.CreatePackageRequest) (*models.Package, *models.PurchaseEvent, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	if _, err := l.store.FindUser(ctx, req.UserID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}

	existing, err := l.store.FindPackageForUpdate(ctx, req.UserID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load package")
	}
	if existing != nil && existing.IsActive() && !req.Override {
		return nil, nil, dErrors.New(dErrors.CodeInvariantViolation, "user already has an active package")
	}

	pkg := &models.Package{
		UserID:        req.UserID,
		PackageType:   req.PackageType,
		MonthlyAmount: req.MonthlyAmount,
		TotalMonths:   req.TotalMonths,
		CreatedAt:     requestcontext.Now(ctx),
	}
	if err := l.store.SavePackage(ctx, pkg); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save package")
	}

	if existing != nil {
		l.logger.InfoContext(ctx, "package replaced",
			"user_id", req.UserID.String(),
			"previous_type", existing.PackageType,
			"package_type", pkg.PackageType,
			"override", req.Override,
		)
	}

	return pkg, &models.PurchaseEvent{
		BuyerID:       pkg.UserID,
		PackageType:   pkg.PackageType,
		MonthlyAmount: pkg.MonthlyAmount,
		TotalMonths:   pkg.TotalMonths,
	}, nil
}

// RecordInstallment counts one payment. The payment that completes an all-on-time
// schedule pays the EMI bonus once.
func (l *Ledger) RecordInstallment(ctx context.Context, userID id.UserID, onTime bool) (*models.InstallmentResult, error) {
	pkg, err := l.store.FindPackageForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "package not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load package")
	}
	if err := pkg.CanRecordInstallment(); err != nil {
		return nil, err
	}
	pkg.ApplyInstallment(onTime)

	result := &models.InstallmentResult{Package: pkg}
	if pkg.QualifiesForBonus() {
		bonus, err := l.earnings.Create(ctx, models.Earning{
			UserID:      userID,
			Amount:      models.EMIBonus(pkg.MonthlyAmount, pkg.TotalMonths),
			Type:        models.EarningEMIBonus,
			Description: fmt.Sprintf("EMI completion bonus for %s package (%d months on time)", pkg.PackageType, pkg.TotalMonths),
		})
		if err != nil {
			return nil, err
		}
		pkg.BonusEarned = true
		result.Bonus = bonus
	}

	if err := l.store.SavePackage(ctx, pkg); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save package")
	}
	return result, nil
}

// ActivePackage returns the package userID holds.
func (l *Ledger) ActivePackage(ctx context.Context, userID id.UserID) (*models.Package, error) {
	pkg, err := l.store.FindPackage(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "package not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load package")
	}
	return pkg, nil
}
