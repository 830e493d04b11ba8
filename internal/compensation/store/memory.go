package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
)

// MemoryStore is the in-memory backend. One coarse lock serializes every
// transaction; a journal of undo steps gives RunInTx its all-or-nothing semantics.
type MemoryStore struct {
	mu  sync.Mutex
	seq int64

	users      map[id.UserID]userRec
	recruits   map[id.UserID]map[id.UserID]struct{}
	placements map[id.UserID]placementRec
	children   map[id.UserID]map[id.UserID]struct{}
	packages   map[id.UserID]models.Package
	earnings   []earningRec
	accruals   []models.Accrual
}

type userRec struct {
	user models.User
	seq  int64
}

type placementRec struct {
	placement models.Placement
	seq       int64
}

type earningRec struct {
	earning models.Earning
	seq     int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:      make(map[id.UserID]userRec),
		recruits:   make(map[id.UserID]map[id.UserID]struct{}),
		placements: make(map[id.UserID]placementRec),
		children:   make(map[id.UserID]map[id.UserID]struct{}),
		packages:   make(map[id.UserID]models.Package),
	}
}

type memTxKey struct{}

type journal struct {
	owner *MemoryStore
	undo  []func()
}

func (j *journal) record(fn func()) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// acquire takes the store lock unless ctx already belongs to one of this store's transactions.
func (s *MemoryStore) acquire(ctx context.Context) (*journal, func()) {
	if j, ok := ctx.Value(memTxKey{}).(*journal); ok && j.owner == s {
		return j, func() {}
	}
	s.mu.Lock()
	return nil, s.mu.Unlock
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.run(ctx, fn)
}

// RunExclusive is RunInTx: the coarse lock already excludes every other transaction.
func (s *MemoryStore) RunExclusive(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.run(ctx, fn)
}

func (s *MemoryStore) run(ctx context.Context, fn func(txCtx context.Context) error) (err error) {
	if j, ok := ctx.Value(memTxKey{}).(*journal); ok && j.owner == s {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j := &journal{owner: s}
	defer func() {
		if r := recover(); r != nil {
			j.rollback()
			panic(r)
		}
		if err != nil {
			j.rollback()
		}
	}()

	return fn(context.WithValue(ctx, memTxKey{}, j))
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	if _, ok := s.users[user.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.putUser(j, userRec{user: cloneUser(*user), seq: s.nextSeq()})
	return nil
}

func (s *MemoryStore) FindUser(ctx context.Context, userID id.UserID) (*models.User, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.users[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	u := cloneUser(rec.user)
	return &u, nil
}

// FindUserForUpdate is FindUser: rows are already serialized by the store lock.
func (s *MemoryStore) FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.FindUser(ctx, userID)
}

func (s *MemoryStore) UpdateTreeState(ctx context.Context, user *models.User) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.users[user.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.user.LeftTeamCount = user.LeftTeamCount
	rec.user.RightTeamCount = user.RightTeamCount
	rec.user.LeftCarryForward = user.LeftCarryForward
	rec.user.RightCarryForward = user.RightCarryForward
	rec.user.MatchedVolume = user.MatchedVolume
	rec.user.BinaryPayouts = user.BinaryPayouts
	rec.user.Orphaned = user.Orphaned
	rec.user.UpdatedAt = user.UpdatedAt
	s.putUser(j, rec)
	return nil
}

func (s *MemoryStore) AddToBalances(ctx context.Context, userID id.UserID, amount decimal.Decimal, now time.Time) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.user.TotalEarnings = rec.user.TotalEarnings.Add(amount)
	rec.user.WithdrawableAmount = rec.user.WithdrawableAmount.Add(amount)
	rec.user.UpdatedAt = now
	s.putUser(j, rec)
	return nil
}

func (s *MemoryStore) SetBalances(ctx context.Context, userID id.UserID, total, withdrawable decimal.Decimal, now time.Time) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.user.TotalEarnings = total
	rec.user.WithdrawableAmount = withdrawable
	rec.user.UpdatedAt = now
	s.putUser(j, rec)
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, userID id.UserID) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.users[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.dropUser(j, rec)
	return nil
}

func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]id.UserID, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	recs := make([]userRec, 0, len(s.users))
	for _, rec := range s.users {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b userRec) int { return cmp.Compare(a.seq, b.seq) })
	ids := make([]id.UserID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.user.ID
	}
	return ids, nil
}

func (s *MemoryStore) ListRecruits(ctx context.Context, referrerID id.UserID) ([]id.UserID, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()
	return s.recruitsOf(referrerID), nil
}

func (s *MemoryStore) CountRecruits(ctx context.Context, referrerID id.UserID) (int, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()
	return len(s.recruits[referrerID]), nil
}

func (s *MemoryStore) RepointRecruits(ctx context.Context, from id.UserID, to *id.UserID, now time.Time) ([]id.UserID, error) {
	j, unlock := s.acquire(ctx)
	defer unlock()

	moved := s.recruitsOf(from)
	for _, recruitID := range moved {
		rec := s.users[recruitID]
		rec.user.ReferrerID = cloneID(to)
		rec.user.UpdatedAt = now
		s.putUser(j, rec)
	}
	return moved, nil
}

func (s *MemoryStore) recruitsOf(referrerID id.UserID) []id.UserID {
	set := s.recruits[referrerID]
	recs := make([]userRec, 0, len(set))
	for uid := range set {
		recs = append(recs, s.users[uid])
	}
	slices.SortFunc(recs, func(a, b userRec) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]id.UserID, len(recs))
	for i, rec := range recs {
		out[i] = rec.user.ID
	}
	return out
}

// putUser stores rec, keeping the recruit index in step and journaling the previous state.
func (s *MemoryStore) putUser(j *journal, rec userRec) {
	prev, existed := s.users[rec.user.ID]
	if existed {
		s.unindexRecruit(prev.user)
	}
	s.users[rec.user.ID] = rec
	s.indexRecruit(rec.user)

	j.record(func() {
		s.unindexRecruit(rec.user)
		if existed {
			s.users[prev.user.ID] = prev
			s.indexRecruit(prev.user)
		} else {
			delete(s.users, rec.user.ID)
		}
	})
}

func (s *MemoryStore) dropUser(j *journal, rec userRec) {
	s.unindexRecruit(rec.user)
	delete(s.users, rec.user.ID)
	j.record(func() {
		s.users[rec.user.ID] = rec
		s.indexRecruit(rec.user)
	})
}

func (s *MemoryStore) indexRecruit(u models.User) {
	if u.ReferrerID == nil {
		return
	}
	set, ok := s.recruits[*u.ReferrerID]
	if !ok {
		set = make(map[id.UserID]struct{})
		s.recruits[*u.ReferrerID] = set
	}
	set[u.ID] = struct{}{}
}

func (s *MemoryStore) unindexRecruit(u models.User) {
	if u.ReferrerID == nil {
		return
	}
	if set, ok := s.recruits[*u.ReferrerID]; ok {
		delete(set, u.ID)
		if len(set) == 0 {
			delete(s.recruits, *u.ReferrerID)
		}
	}
}

// -----------------------------------------------------------------------------
// Placements
// -----------------------------------------------------------------------------

func (s *MemoryStore) CreatePlacement(ctx context.Context, placement *models.Placement) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	if _, ok := s.placements[placement.UserID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if _, ok := s.users[placement.ParentID]; !ok {
		return sentinel.ErrNotFound
	}
	s.putPlacement(j, placementRec{placement: *placement, seq: s.nextSeq()})
	return nil
}

func (s *MemoryStore) FindPlacement(ctx context.Context, userID id.UserID) (*models.Placement, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.placements[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	p := rec.placement
	return &p, nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID id.UserID) ([]models.Placement, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	set := s.children[parentID]
	recs := make([]placementRec, 0, len(set))
	for uid := range set {
		recs = append(recs, s.placements[uid])
	}
	slices.SortFunc(recs, func(a, b placementRec) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]models.Placement, len(recs))
	for i, rec := range recs {
		out[i] = rec.placement
	}
	return out, nil
}

// UpdatePlacement moves a placement; it keeps its original position in child ordering.
func (s *MemoryStore) UpdatePlacement(ctx context.Context, placement *models.Placement) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.placements[placement.UserID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if _, ok := s.users[placement.ParentID]; !ok {
		return sentinel.ErrNotFound
	}
	rec.placement.ParentID = placement.ParentID
	rec.placement.Side = placement.Side
	rec.placement.Level = placement.Level
	s.putPlacement(j, rec)
	return nil
}

func (s *MemoryStore) DeletePlacement(ctx context.Context, userID id.UserID) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	rec, ok := s.placements[userID]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.unindexChild(rec.placement)
	delete(s.placements, userID)
	j.record(func() {
		s.placements[userID] = rec
		s.indexChild(rec.placement)
	})
	return nil
}

func (s *MemoryStore) putPlacement(j *journal, rec placementRec) {
	prev, existed := s.placements[rec.placement.UserID]
	if existed {
		s.unindexChild(prev.placement)
	}
	s.placements[rec.placement.UserID] = rec
	s.indexChild(rec.placement)

	j.record(func() {
		s.unindexChild(rec.placement)
		if existed {
			s.placements[prev.placement.UserID] = prev
			s.indexChild(prev.placement)
		} else {
			delete(s.placements, rec.placement.UserID)
		}
	})
}

func (s *MemoryStore) indexChild(p models.Placement) {
	set, ok := s.children[p.ParentID]
	if !ok {
		set = make(map[id.UserID]struct{})
		s.children[p.ParentID] = set
	}
	set[p.UserID] = struct{}{}
}

func (s *MemoryStore) unindexChild(p models.Placement) {
	if set, ok := s.children[p.ParentID]; ok {
		delete(set, p.UserID)
		if len(set) == 0 {
			delete(s.children, p.ParentID)
		}
	}
}

// -----------------------------------------------------------------------------
// Packages
// -----------------------------------------------------------------------------

func (s *MemoryStore) FindPackage(ctx context.Context, userID id.UserID) (*models.Package, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	p, ok := s.packages[userID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) FindPackageForUpdate(ctx context.Context, userID id.UserID) (*models.Package, error) {
	return s.FindPackage(ctx, userID)
}

func (s *MemoryStore) SavePackage(ctx context.Context, pkg *models.Package) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	if _, ok := s.users[pkg.UserID]; !ok {
		return sentinel.ErrNotFound
	}
	prev, existed := s.packages[pkg.UserID]
	s.packages[pkg.UserID] = *pkg
	j.record(func() {
		if existed {
			s.packages[pkg.UserID] = prev
		} else {
			delete(s.packages, pkg.UserID)
		}
	})
	return nil
}

func (s *MemoryStore) DeletePackage(ctx context.Context, userID id.UserID) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	prev, ok := s.packages[userID]
	if !ok {
		return nil
	}
	delete(s.packages, userID)
	j.record(func() { s.packages[userID] = prev })
	return nil
}

func (s *MemoryStore) PackagesFor(ctx context.Context, userIDs []id.UserID) (map[id.UserID]models.Package, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	out := make(map[id.UserID]models.Package)
	for _, uid := range userIDs {
		if p, ok := s.packages[uid]; ok {
			out[uid] = p
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Earnings
// -----------------------------------------------------------------------------

func (s *MemoryStore) InsertEarning(ctx context.Context, earning *models.Earning) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	s.earnings = append(s.earnings, earningRec{earning: cloneEarning(*earning), seq: s.nextSeq()})
	n := len(s.earnings)
	j.record(func() { s.earnings = s.earnings[:n-1] })
	return nil
}

func (s *MemoryStore) ListEarnings(ctx context.Context, userID id.UserID) ([]models.Earning, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	var out []models.Earning
	for i := len(s.earnings) - 1; i >= 0; i-- {
		if s.earnings[i].earning.UserID == userID {
			out = append(out, cloneEarning(s.earnings[i].earning))
		}
	}
	// Walking backwards yields newest seq first; the stable sort keeps that within equal timestamps.
	slices.SortStableFunc(out, func(a, b models.Earning) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InvalidateEarnings(ctx context.Context, userID id.UserID, now time.Time) (int, []id.UserID, error) {
	j, unlock := s.acquire(ctx)
	defer unlock()

	count := 0
	seen := make(map[id.UserID]struct{})
	var beneficiaries []id.UserID
	for i := range s.earnings {
		e := &s.earnings[i].earning
		if !e.Involves(userID) || e.IsInvalidated() {
			continue
		}
		prev := cloneEarning(*e)
		e.ApplyInvalidation(now)
		idx := i
		j.record(func() { s.earnings[idx].earning = prev })

		count++
		if _, ok := seen[e.UserID]; !ok {
			seen[e.UserID] = struct{}{}
			beneficiaries = append(beneficiaries, e.UserID)
		}
	}
	return count, beneficiaries, nil
}

func (s *MemoryStore) SumEarnings(ctx context.Context, userID id.UserID) (decimal.Decimal, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	sum := decimal.Zero
	for _, rec := range s.earnings {
		if rec.earning.UserID == userID && !rec.earning.IsInvalidated() {
			sum = sum.Add(rec.earning.Amount)
		}
	}
	return sum, nil
}

func (s *MemoryStore) LevelEarnings(ctx context.Context, userID id.UserID) (map[int]decimal.Decimal, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	out := make(map[int]decimal.Decimal)
	for _, rec := range s.earnings {
		e := rec.earning
		if e.UserID != userID || e.Type != models.EarningLevel || e.IsInvalidated() {
			continue
		}
		out[e.Level] = out[e.Level].Add(e.Amount)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Accruals
// -----------------------------------------------------------------------------

func (s *MemoryStore) RecordAccrual(ctx context.Context, accrual *models.Accrual) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	s.accruals = append(s.accruals, *accrual)
	n := len(s.accruals)
	j.record(func() { s.accruals = s.accruals[:n-1] })
	return nil
}

func (s *MemoryStore) ListAccruals(ctx context.Context, ownerID id.UserID) ([]models.Accrual, error) {
	_, unlock := s.acquire(ctx)
	defer unlock()

	var out []models.Accrual
	for _, a := range s.accruals {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteAccruals(ctx context.Context, userID id.UserID) error {
	j, unlock := s.acquire(ctx)
	defer unlock()

	prev := s.accruals
	kept := make([]models.Accrual, 0, len(prev))
	for _, a := range prev {
		if a.OwnerID != userID && a.BuyerID != userID {
			kept = append(kept, a)
		}
	}
	s.accruals = kept
	j.record(func() { s.accruals = prev })
	return nil
}

func cloneID(v *id.UserID) *id.UserID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneUser(u models.User) models.User {
	u.ReferrerID = cloneID(u.ReferrerID)
	return u
}

func cloneEarning(e models.Earning) models.Earning {
	e.RelatedUserID = cloneID(e.RelatedUserID)
	if e.InvalidatedAt != nil {
		t := *e.InvalidatedAt
		e.InvalidatedAt = &t
	}
	return e
}
