// Package maintenance removes users from the network and repairs what depended on them.
package maintenance

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
	FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error)
	UpdateTreeState(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, userID id.UserID) error
	RepointRecruits(ctx context.Context, from id.UserID, to *id.UserID, now time.Time) ([]id.UserID, error)
	FindPlacement(ctx context.Context, userID id.UserID) (*models.Placement, error)
	ListChildren(ctx context.Context, parentID id.UserID) ([]models.Placement, error)
	UpdatePlacement(ctx context.Context, placement *models.Placement) error
	DeletePlacement(ctx context.Context, userID id.UserID) error
	DeletePackage(ctx context.Context, userID id.UserID) error
	DeleteAccruals(ctx context.Context, userID id.UserID) error
}

// Tree is the read side of the placement forest.
type Tree interface {
	Children(ctx context.Context, parentID id.UserID, side models.Side) ([]models.Placement, error)
	Ancestors(ctx context.Context, userID id.UserID, maxDepth int) ([]models.Ancestor, error)
	TeamSize(ctx context.Context, rootID id.UserID, side models.Side) (int, error)
}

// Volumes supplies the accrued volume a from-scratch carry-forward is rebuilt from.
type Volumes interface {
	AccruedVolume(ctx context.Context, ownerID id.UserID, maxDepth int) (left, right decimal.Decimal, err error)
}

// Ledger reverses a removed user's payouts and rebuilds balances.
type Ledger interface {
	Invalidate(ctx context.Context, userID id.UserID) (int, []id.UserID, error)
	Recompute(ctx context.Context, userID id.UserID) (decimal.Decimal, error)
}

type Service struct {
	store       Store
	tree        Tree
	volumes     Volumes
	ledger      Ledger
	logger      *slog.Logger
	binaryDepth int
	maxNodes    int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithBinaryDepth must match the depth distribution accrues carry-forward to. Buyers
// pushed below it by a removal stop counting toward the rebuilt carry-forward.
func WithBinaryDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.binaryDepth = depth
		}
	}
}

// WithMaxNodes caps the subtree walk that re-derives placement levels.
func WithMaxNodes(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxNodes = n
		}
	}
}

func New(store Store, tree Tree, volumes Volumes, ledger Ledger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		tree:        tree,
		volumes:     volumes,
		ledger:      ledger,
		logger:      slog.Default(),
		binaryDepth: models.BinaryDepth,
		maxNodes:    models.MaxTraversalNodes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RemoveUser deletes userID from the network. Its two subtrees are reattached to its
// former parent (the right one nested under the first left child when both exist) or
// orphaned when it was a root. Its recruits move to its own referrer, its payouts are
// invalidated, and every affected counter and balance is rebuilt from scratch.
// Must run inside an exclusive transaction.
func (s *Service) RemoveUser(ctx context.Context, userID, initiatorID id.UserID) (*models.RemovalReport, error) {
	user, err := s.store.FindUserForUpdate(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "user not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load user")
	}
	if err := user.CanRemove(); err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx)

	formerChain, err := s.tree.Ancestors(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	placement, err := s.store.FindPlacement(ctx, userID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		placement = nil
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load placement")
	}
	leftRoots, err := s.tree.Children(ctx, userID, models.SideLeft)
	if err != nil {
		return nil, err
	}
	rightRoots, err := s.tree.Children(ctx, userID, models.SideRight)
	if err != nil {
		return nil, err
	}

	report := &models.RemovalReport{
		RemovedUserID: userID,
		InitiatorID:   initiatorID,
		Reassigned:    []models.Reassignment{},
		Orphaned:      []id.UserID{},
		Recomputed:    []id.UserID{},
	}

	if placement != nil {
		if err := s.reattach(ctx, placement, leftRoots, rightRoots, report); err != nil {
			return nil, err
		}
	} else {
		if err := s.orphan(ctx, append(leftRoots, rightRoots...), now, report); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.RepointRecruits(ctx, userID, user.ReferrerID, now); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to repoint recruits")
	}

	invalidated, beneficiaries, err := s.ledger.Invalidate(ctx, userID)
	if err != nil {
		return nil, err
	}
	report.Invalidated = invalidated

	if err := s.deleteRows(ctx, userID); err != nil {
		return nil, err
	}

	recomputed := newOrderedSet(userID)
	for _, a := range formerChain {
		recomputed.add(a.UserID)
	}
	for _, r := range report.Reassigned {
		path, err := s.tree.Ancestors(ctx, r.UserID, 0)
		if err != nil {
			return nil, err
		}
		for _, a := range path {
			recomputed.add(a.UserID)
		}
	}
	for _, uid := range recomputed.items {
		if err := s.recomputeTree(ctx, uid, now); err != nil {
			return nil, err
		}
	}

	for _, uid := range beneficiaries {
		if uid == userID {
			continue
		}
		if _, err := s.ledger.Recompute(ctx, uid); err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				continue
			}
			return nil, err
		}
		recomputed.add(uid)
	}
	report.Recomputed = recomputed.items

	s.logger.InfoContext(ctx, "user removed",
		"user_id", userID.String(),
		"initiator_id", initiatorID.String(),
		"reassigned", len(report.Reassigned),
		"orphaned", len(report.Orphaned),
		"invalidated", report.Invalidated,
		"recomputed", len(report.Recomputed),
	)
	return report, nil
}

func (s *Service) reattach(ctx context.Context, removed *models.Placement, leftRoots, rightRoots []models.Placement, report *models.RemovalReport) error {
	for _, r := range leftRoots {
		if err := s.move(ctx, r.UserID, removed.ParentID, removed.Side, removed.Level, report); err != nil {
			return err
		}
	}
	if len(leftRoots) > 0 {
		nest := leftRoots[0].UserID
		for _, r := range rightRoots {
			if err := s.move(ctx, r.UserID, nest, models.SideRight, removed.Level+1, report); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range rightRoots {
		if err := s.move(ctx, r.UserID, removed.ParentID, removed.Side.Opposite(), removed.Level, report); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) move(ctx context.Context, userID, parentID id.UserID, side models.Side, level int, report *models.RemovalReport) error {
	if err := s.store.UpdatePlacement(ctx, &models.Placement{
		UserID:   userID,
		ParentID: parentID,
		Side:     side,
		Level:    level,
	}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to move placement")
	}
	report.Reassigned = append(report.Reassigned, models.Reassignment{
		UserID:      userID,
		NewParentID: parentID,
		Side:        side,
	})
	return s.relevel(ctx, userID, level)
}

// orphan detaches each root into its own tree. Subtrees stay intact.
func (s *Service) orphan(ctx context.Context, roots []models.Placement, now time.Time, report *models.RemovalReport) error {
	for _, r := range roots {
		if err := s.store.DeletePlacement(ctx, r.UserID); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to detach subtree")
		}
		u, err := s.store.FindUserForUpdate(ctx, r.UserID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock orphan")
		}
		u.Orphaned = true
		u.UpdatedAt = now
		if err := s.store.UpdateTreeState(ctx, u); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to flag orphan")
		}
		report.Orphaned = append(report.Orphaned, r.UserID)
		if err := s.relevel(ctx, r.UserID, 0); err != nil {
			return err
		}
	}
	return nil
}

// relevel rewrites the placement level of every node below rootID after rootID moved
// to rootLevel.
func (s *Service) relevel(ctx context.Context, rootID id.UserID, rootLevel int) error {
	type node struct {
		id    id.UserID
		level int
	}
	visited := map[id.UserID]struct{}{rootID: {}}
	queue := []node{{id: rootID, level: rootLevel}}
	for head := 0; head < len(queue); head++ {
		if head >= s.maxNodes {
			return dErrors.New(dErrors.CodeInternal, "subtree walk exceeded node limit")
		}
		n := queue[head]
		children, err := s.store.ListChildren(ctx, n.id)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list children")
		}
		for _, c := range children {
			if _, seen := visited[c.UserID]; seen {
				continue
			}
			visited[c.UserID] = struct{}{}
			if c.Level != n.level+1 {
				c.Level = n.level + 1
				if err := s.store.UpdatePlacement(ctx, &c); err != nil {
					return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update placement level")
				}
			}
			queue = append(queue, node{id: c.UserID, level: c.Level})
		}
	}
	return nil
}

func (s *Service) deleteRows(ctx context.Context, userID id.UserID) error {
	if err := s.store.DeleteAccruals(ctx, userID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete accruals")
	}
	if err := s.store.DeletePackage(ctx, userID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete package")
	}
	if err := s.store.DeletePlacement(ctx, userID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete placement")
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete user")
	}
	return nil
}

// recomputeTree rebuilds team counts of userID from its current subtree and its
// carry-forwards from the volume it accrued.
func (s *Service) recomputeTree(ctx context.Context, userID id.UserID, now time.Time) error {
	u, err := s.store.FindUserForUpdate(ctx, userID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock user")
	}

	left, err := s.tree.TeamSize(ctx, userID, models.SideLeft)
	if err != nil {
		return err
	}
	right, err := s.tree.TeamSize(ctx, userID, models.SideRight)
	if err != nil {
		return err
	}
	leftVolume, rightVolume, err := s.volumes.AccruedVolume(ctx, userID, s.binaryDepth)
	if err != nil {
		return err
	}

	u.ApplyTreeRecompute(left, right, leftVolume, rightVolume, now)
	if err := s.store.UpdateTreeState(ctx, u); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update tree state")
	}
	return nil
}

type orderedSet struct {
	items []id.UserID
	seen  map[id.UserID]struct{}
}

// newOrderedSet never admits the excluded ids.
func newOrderedSet(exclude ...id.UserID) *orderedSet {
	set := &orderedSet{items: []id.UserID{}, seen: make(map[id.UserID]struct{})}
	for _, uid := range exclude {
		set.seen[uid] = struct{}{}
	}
	return set
}

func (o *orderedSet) add(uid id.UserID) {
	if _, ok := o.seen[uid]; ok {
		return
	}
	o.seen[uid] = struct{}{}
	o.items = append(o.items, uid)
}
