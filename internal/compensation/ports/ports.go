// Package ports defines the storage port every compensation component runs against.
// Both the in-memory and the PostgreSQL backend satisfy Store and TxRunner; components
// declare the narrow subsets they consume.
package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
)

// TxRunner provides the transactional boundary for compensation mutations.
// Store calls made with the context passed to fn join the transaction; a nested
// RunInTx joins the outer one. Returning an error from fn rolls back every mutation.
type TxRunner interface {
	// RunInTx runs fn atomically alongside other RunInTx calls.
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
	// RunExclusive runs fn atomically and excludes every other transaction.
	RunExclusive(ctx context.Context, fn func(txCtx context.Context) error) error
}

// UserStore persists network nodes.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	// FindUser returns sentinel.ErrNotFound for unknown users.
	FindUser(ctx context.Context, userID id.UserID) (*models.User, error)
	// FindUserForUpdate also locks the row until the transaction ends.
	FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error)
	// UpdateTreeState writes team counts, carry-forwards, matched volume, payout count and orphan flag.
	UpdateTreeState(ctx context.Context, user *models.User) error
	// AddToBalances increments total and withdrawable earnings by amount.
	AddToBalances(ctx context.Context, userID id.UserID, amount decimal.Decimal, now time.Time) error
	// SetBalances overwrites total and withdrawable earnings.
	SetBalances(ctx context.Context, userID id.UserID, total, withdrawable decimal.Decimal, now time.Time) error
	DeleteUser(ctx context.Context, userID id.UserID) error
	ListUserIDs(ctx context.Context) ([]id.UserID, error)
	// ListRecruits returns the users referred by referrerID in creation order.
	ListRecruits(ctx context.Context, referrerID id.UserID) ([]id.UserID, error)
	CountRecruits(ctx context.Context, referrerID id.UserID) (int, error)
	// RepointRecruits moves every recruit of from to the new referrer and returns them.
	RepointRecruits(ctx context.Context, from id.UserID, to *id.UserID, now time.Time) ([]id.UserID, error)
}

// PlacementStore persists the binary placement forest.
type PlacementStore interface {
	CreatePlacement(ctx context.Context, placement *models.Placement) error
	// FindPlacement returns sentinel.ErrNotFound for forest roots.
	FindPlacement(ctx context.Context, userID id.UserID) (*models.Placement, error)
	// ListChildren returns every placement under parentID in creation order.
	ListChildren(ctx context.Context, parentID id.UserID) ([]models.Placement, error)
	UpdatePlacement(ctx context.Context, placement *models.Placement) error
	DeletePlacement(ctx context.Context, userID id.UserID) error
}

// PackageStore persists one package per user.
type PackageStore interface {
	FindPackage(ctx context.Context, userID id.UserID) (*models.Package, error)
	FindPackageForUpdate(ctx context.Context, userID id.UserID) (*models.Package, error)
	// SavePackage inserts or replaces the user's package.
	SavePackage(ctx context.Context, pkg *models.Package) error
	DeletePackage(ctx context.Context, userID id.UserID) error
	// PackagesFor returns the packages held by any of userIDs, keyed by owner.
	PackagesFor(ctx context.Context, userIDs []id.UserID) (map[id.UserID]models.Package, error)
}

// EarningStore persists the append-only payout ledger.
type EarningStore interface {
	InsertEarning(ctx context.Context, earning *models.Earning) error
	// ListEarnings returns a user's payouts newest first.
	ListEarnings(ctx context.Context, userID id.UserID) ([]models.Earning, error)
	// InvalidateEarnings reverses every live row where userID is beneficiary or related user.
	// It returns the number of rows reversed and the distinct beneficiaries affected.
	InvalidateEarnings(ctx context.Context, userID id.UserID, now time.Time) (int, []id.UserID, error)
	// SumEarnings totals a user's surviving payouts.
	SumEarnings(ctx context.Context, userID id.UserID) (decimal.Decimal, error)
	// LevelEarnings totals a user's live level income by level.
	LevelEarnings(ctx context.Context, userID id.UserID) (map[int]decimal.Decimal, error)
}

// AccrualStore persists the volume each purchase credited to each upline owner.
type AccrualStore interface {
	RecordAccrual(ctx context.Context, accrual *models.Accrual) error
	// ListAccruals returns ownerID's accruals in creation order.
	ListAccruals(ctx context.Context, ownerID id.UserID) ([]models.Accrual, error)
	// DeleteAccruals drops every accrual userID owns or caused.
	DeleteAccruals(ctx context.Context, userID id.UserID) error
}

// Store is the full storage port.
type Store interface {
	UserStore
	PlacementStore
	PackageStore
	EarningStore
	AccrualStore
	TxRunner
	Ping(ctx context.Context) error
}
