// Package directory maintains the referral edges and the two-colored placement forest.
//
// A parent may hold any number of placements per side. Every node below a parent's
// first edge inherits that edge's color relative to the parent, so "left team of u"
// is the set of all nodes reached through u's left placements, at any depth.
package directory

import (
	"context"
	"errors"
	"log/slog"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
	"payplan/pkg/requestcontext"
)

// Store is the subset of the storage port the directory needs.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	FindUser(ctx context.Context, userID id.UserID) (*models.User, error)
	FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error)
	UpdateTreeState(ctx context.Context, user *models.User) error
	CountRecruits(ctx context.Context, referrerID id.UserID) (int, error)
	CreatePlacement(ctx context.Context, placement *models.Placement) error
	FindPlacement(ctx context.Context, userID id.UserID) (*models.Placement, error)
	ListChildren(ctx context.Context, parentID id.UserID) ([]models.Placement, error)
}

// Directory answers placement queries and registers new users.
type Directory struct {
	store    Store
	logger   *slog.Logger
	maxNodes int
	maxDepth int
}

type Option func(*Directory)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithTraversalLimits caps every descendant walk at maxNodes and every walk at maxDepth.
func WithTraversalLimits(maxNodes, maxDepth int) Option {
	return func(d *Directory) {
		if maxNodes > 0 {
			d.maxNodes = maxNodes
		}
		if maxDepth > 0 {
			d.maxDepth = maxDepth
		}
	}
}

func New(store Store, opts ...Option) *Directory {
	d := &Directory{
		store:    store,
		logger:   slog.Default(),
		maxNodes: models.MaxTraversalNodes,
		maxDepth: models.MaxTreeDepth,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PlaceUser registers a user. Without a referrer the user becomes a forest root;
// otherwise it is placed under the referrer on the requested side (left by default)
// and every placement ancestor counts one more member on the matching side.
// Must run inside a transaction.
func (d *Directory) PlaceUser(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.UserID.IsNil() {
		req.UserID = id.NewUserID()
	}
	now := requestcontext.Now(ctx)

	parentLevel := 0
	if req.ReferrerID != nil {
		if _, err := d.store.FindUser(ctx, *req.ReferrerID); err != nil {
			return nil, wrapStoreErr(err, "referrer not found", "failed to load referrer")
		}
		pp, err := d.store.FindPlacement(ctx, *req.ReferrerID)
		switch {
		case err == nil:
			parentLevel = pp.Level
		case !errors.Is(err, sentinel.ErrNotFound):
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load referrer placement")
		}
	}

	user, err := models.NewUser(req.UserID, req.ReferrerID, req.Role, now)
	if err != nil {
		return nil, err
	}
	if err := d.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return nil, dErrors.New(dErrors.CodeConflict, "user already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create user")
	}

	if req.ReferrerID == nil {
		return user, nil
	}

	placement := &models.Placement{
		UserID:    user.ID,
		ParentID:  *req.ReferrerID,
		Side:      req.Side,
		Level:     parentLevel + 1,
		CreatedAt: now,
	}
	if err := d.store.CreatePlacement(ctx, placement); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create placement")
	}

	ancestors, err := d.Ancestors(ctx, user.ID, d.maxDepth)
	if err != nil {
		return nil, err
	}
	for _, a := range ancestors {
		au, err := d.store.FindUserForUpdate(ctx, a.UserID)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock ancestor")
		}
		au.ApplyTeamJoin(a.Side, now)
		if err := d.store.UpdateTreeState(ctx, au); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update team count")
		}
	}

	d.logger.InfoContext(ctx, "user placed",
		"user_id", user.ID.String(),
		"parent_id", placement.ParentID.String(),
		"side", string(placement.Side),
		"level", placement.Level,
		"ancestors", len(ancestors),
	)
	return user, nil
}

// Children returns the direct placements under parentID on side, in creation order.
func (d *Directory) Children(ctx context.Context, parentID id.UserID, side models.Side) ([]models.Placement, error) {
	all, err := d.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list children")
	}
	out := make([]models.Placement, 0, len(all))
	for _, p := range all {
		if p.Side == side {
			out = append(out, p)
		}
	}
	return out, nil
}

// Descendants returns every node of rootID's side-colored team, breadth first,
// down to maxDepth (0 means the directory's cap). It fails rather than truncate
// when the team exceeds the node cap.
func (d *Directory) Descendants(ctx context.Context, rootID id.UserID, side models.Side, maxDepth int) ([]models.Descendant, error) {
	if maxDepth <= 0 || maxDepth > d.maxDepth {
		maxDepth = d.maxDepth
	}

	first, err := d.Children(ctx, rootID, side)
	if err != nil {
		return nil, err
	}

	visited := map[id.UserID]struct{}{rootID: {}}
	queue := make([]models.Descendant, 0, len(first))
	for _, p := range first {
		if _, seen := visited[p.UserID]; seen {
			continue
		}
		visited[p.UserID] = struct{}{}
		queue = append(queue, models.Descendant{UserID: p.UserID, Depth: 1})
	}

	for head := 0; head < len(queue); head++ {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "descendant walk cancelled")
		}
		if len(queue) > d.maxNodes {
			return nil, dErrors.New(dErrors.CodeInternal, "descendant walk exceeded node limit")
		}
		n := queue[head]
		if n.Depth >= maxDepth {
			continue
		}
		children, err := d.store.ListChildren(ctx, n.UserID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list children")
		}
		for _, c := range children {
			if _, seen := visited[c.UserID]; seen {
				d.logger.WarnContext(ctx, "placement cycle detected",
					"root_id", rootID.String(),
					"user_id", c.UserID.String(),
				)
				continue
			}
			visited[c.UserID] = struct{}{}
			queue = append(queue, models.Descendant{UserID: c.UserID, Depth: n.Depth + 1})
		}
	}
	if len(queue) > d.maxNodes {
		return nil, dErrors.New(dErrors.CodeInternal, "descendant walk exceeded node limit")
	}
	return queue, nil
}

// TeamSize is the number of nodes in rootID's side-colored team.
func (d *Directory) TeamSize(ctx context.Context, rootID id.UserID, side models.Side) (int, error) {
	team, err := d.Descendants(ctx, rootID, side, 0)
	if err != nil {
		return 0, err
	}
	return len(team), nil
}

// Ancestors walks the placement path upward from userID, nearest first, reporting
// which side of each ancestor userID falls under. maxDepth 0 means the directory's cap.
func (d *Directory) Ancestors(ctx context.Context, userID id.UserID, maxDepth int) ([]models.Ancestor, error) {
	if maxDepth <= 0 || maxDepth > d.maxDepth {
		maxDepth = d.maxDepth
	}

	visited := map[id.UserID]struct{}{userID: {}}
	var out []models.Ancestor
	cur := userID
	for depth := 1; depth <= maxDepth; depth++ {
		p, err := d.store.FindPlacement(ctx, cur)
		if errors.Is(err, sentinel.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load placement")
		}
		if _, seen := visited[p.ParentID]; seen {
			d.logger.WarnContext(ctx, "placement cycle detected",
				"user_id", userID.String(),
				"ancestor_id", p.ParentID.String(),
			)
			break
		}
		visited[p.ParentID] = struct{}{}
		out = append(out, models.Ancestor{UserID: p.ParentID, Side: p.Side, Depth: depth})
		cur = p.ParentID
	}
	return out, nil
}

// DirectReferralCount is the number of users userID recruited.
func (d *Directory) DirectReferralCount(ctx context.Context, userID id.UserID) (int, error) {
	n, err := d.store.CountRecruits(ctx, userID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count referrals")
	}
	return n, nil
}

// UnlockedLevels is the number of level tiers userID currently earns on.
func (d *Directory) UnlockedLevels(ctx context.Context, userID id.UserID) (int, error) {
	n, err := d.DirectReferralCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return models.UnlockedLevels(n), nil
}

func wrapStoreErr(err error, notFoundMsg, internalMsg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, notFoundMsg)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, internalMsg)
}
