package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/sentinel"
	txctx "payplan/pkg/platform/tx"
)

const (
	defaultTxTimeout = 10 * time.Second
	// treeLockKey is the advisory lock shared by tree mutations and held exclusively by removals.
	treeLockKey int64 = 0x7061_7970_6c61_6e // "payplan"
	// packagesBatch bounds the id array of a single PackagesFor query.
	packagesBatch = 10_000
)

// PostgresStore persists the compensation model in PostgreSQL.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, timeout: defaultTxTimeout}
}

// execer returns the transaction carried by ctx, or the pool.
func (s *PostgresStore) execer(ctx context.Context) sqlx.ExtContext {
	if tx, ok := txctx.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.run(ctx, "SELECT pg_advisory_xact_lock_shared($1)", fn)
}

func (s *PostgresStore) RunExclusive(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.run(ctx, "SELECT pg_advisory_xact_lock($1)", fn)
}

func (s *PostgresStore) run(ctx context.Context, lockQuery string, fn func(txCtx context.Context) error) error {
	if _, ok := txctx.From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", translate(err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, lockQuery, treeLockKey); err != nil {
		return fmt.Errorf("acquire tree lock: %w", translate(err))
	}

	if err := fn(txctx.WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", translate(err))
	}
	return nil
}

// translate maps driver failures onto sentinel errors. Serialization failures and
// deadlocks become sentinel.ErrConflict so the service can retry them.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", sentinel.ErrConflict, pqErr.Message)
		case "23505":
			return fmt.Errorf("%w: %s", sentinel.ErrAlreadyUsed, pqErr.Message)
		case "23503":
			return fmt.Errorf("%w: %s", sentinel.ErrNotFound, pqErr.Message)
		}
	}
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users
// -----------------------------------------------------------------------------

type userRow struct {
	ID                 id.UserID       `db:"id"`
	ReferrerID         *id.UserID      `db:"referrer_id"`
	Role               string          `db:"role"`
	TotalEarnings      decimal.Decimal `db:"total_earnings"`
	WithdrawableAmount decimal.Decimal `db:"withdrawable_amount"`
	LeftTeamCount      int             `db:"left_team_count"`
	RightTeamCount     int             `db:"right_team_count"`
	LeftCarryForward   decimal.Decimal `db:"left_carry_forward"`
	RightCarryForward  decimal.Decimal `db:"right_carry_forward"`
	MatchedVolume      decimal.Decimal `db:"matched_volume"`
	BinaryPayouts      int             `db:"binary_payouts"`
	Orphaned           bool            `db:"orphaned"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

const userColumns = `id, referrer_id, role, total_earnings, withdrawable_amount,
	left_team_count, right_team_count, left_carry_forward, right_carry_forward,
	matched_volume, binary_payouts, orphaned, created_at, updated_at`

func (r userRow) toModel() *models.User {
	return &models.User{
		ID:                 r.ID,
		ReferrerID:         r.ReferrerID,
		Role:               models.Role(r.Role),
		TotalEarnings:      r.TotalEarnings,
		WithdrawableAmount: r.WithdrawableAmount,
		LeftTeamCount:      r.LeftTeamCount,
		RightTeamCount:     r.RightTeamCount,
		LeftCarryForward:   r.LeftCarryForward,
		RightCarryForward:  r.RightCarryForward,
		MatchedVolume:      r.MatchedVolume,
		BinaryPayouts:      r.BinaryPayouts,
		Orphaned:           r.Orphaned,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, user.ID, user.ReferrerID, string(user.Role), user.TotalEarnings, user.WithdrawableAmount,
		user.LeftTeamCount, user.RightTeamCount, user.LeftCarryForward, user.RightCarryForward,
		user.MatchedVolume, user.BinaryPayouts, user.Orphaned, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) FindUser(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.findUser(ctx, userID, "")
}

func (s *PostgresStore) FindUserForUpdate(ctx context.Context, userID id.UserID) (*models.User, error) {
	return s.findUser(ctx, userID, " FOR UPDATE")
}

func (s *PostgresStore) findUser(ctx context.Context, userID id.UserID, suffix string) (*models.User, error) {
	var row userRow
	err := sqlx.GetContext(ctx, s.execer(ctx), &row, `SELECT `+userColumns+` FROM users WHERE id = $1`+suffix, userID)
	if err != nil {
		return nil, translate(err)
	}
	return row.toModel(), nil
}

func (s *PostgresStore) UpdateTreeState(ctx context.Context, user *models.User) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE users SET
			left_team_count = $2, right_team_count = $3,
			left_carry_forward = $4, right_carry_forward = $5,
			matched_volume = $6, binary_payouts = $7, orphaned = $8, updated_at = $9
		WHERE id = $1
	`, user.ID, user.LeftTeamCount, user.RightTeamCount, user.LeftCarryForward, user.RightCarryForward,
		user.MatchedVolume, user.BinaryPayouts, user.Orphaned, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update tree state: %w", translate(err))
	}
	return expectOne(res)
}

func (s *PostgresStore) AddToBalances(ctx context.Context, userID id.UserID, amount decimal.Decimal, now time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE users SET
			total_earnings = total_earnings + $2,
			withdrawable_amount = withdrawable_amount + $2,
			updated_at = $3
		WHERE id = $1
	`, userID, amount, now)
	if err != nil {
		return fmt.Errorf("add to balances: %w", translate(err))
	}
	return expectOne(res)
}

func (s *PostgresStore) SetBalances(ctx context.Context, userID id.UserID, total, withdrawable decimal.Decimal, now time.Time) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE users SET total_earnings = $2, withdrawable_amount = $3, updated_at = $4 WHERE id = $1
	`, userID, total, withdrawable, now)
	if err != nil {
		return fmt.Errorf("set balances: %w", translate(err))
	}
	return expectOne(res)
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID id.UserID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", translate(err))
	}
	return expectOne(res)
}

func (s *PostgresStore) ListUserIDs(ctx context.Context) ([]id.UserID, error) {
	var ids []id.UserID
	if err := sqlx.SelectContext(ctx, s.execer(ctx), &ids, `SELECT id FROM users ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("list users: %w", translate(err))
	}
	return ids, nil
}

func (s *PostgresStore) ListRecruits(ctx context.Context, referrerID id.UserID) ([]id.UserID, error) {
	var ids []id.UserID
	err := sqlx.SelectContext(ctx, s.execer(ctx), &ids,
		`SELECT id FROM users WHERE referrer_id = $1 ORDER BY seq`, referrerID)
	if err != nil {
		return nil, fmt.Errorf("list recruits: %w", translate(err))
	}
	return ids, nil
}

func (s *PostgresStore) CountRecruits(ctx context.Context, referrerID id.UserID) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.execer(ctx), &n, `SELECT COUNT(*) FROM users WHERE referrer_id = $1`, referrerID)
	if err != nil {
		return 0, fmt.Errorf("count recruits: %w", translate(err))
	}
	return n, nil
}

func (s *PostgresStore) RepointRecruits(ctx context.Context, from id.UserID, to *id.UserID, now time.Time) ([]id.UserID, error) {
	var ids []id.UserID
	err := sqlx.SelectContext(ctx, s.execer(ctx), &ids, `
		WITH moved AS (
			UPDATE users SET referrer_id = $2, updated_at = $3
			WHERE referrer_id = $1
			RETURNING id, seq
		)
		SELECT id FROM moved ORDER BY seq
	`, from, to, now)
	if err != nil {
		return nil, fmt.Errorf("repoint recruits: %w", translate(err))
	}
	return ids, nil
}

// -----------------------------------------------------------------------------
// Placements
// -----------------------------------------------------------------------------

type placementRow struct {
	UserID    id.UserID `db:"user_id"`
	ParentID  id.UserID `db:"parent_id"`
	Side      string    `db:"side"`
	Level     int       `db:"level"`
	CreatedAt time.Time `db:"created_at"`
}

func (r placementRow) toModel() models.Placement {
	return models.Placement{
		UserID:    r.UserID,
		ParentID:  r.ParentID,
		Side:      models.Side(r.Side),
		Level:     r.Level,
		CreatedAt: r.CreatedAt,
	}
}

func (s *PostgresStore) CreatePlacement(ctx context.Context, p *models.Placement) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO placements (user_id, parent_id, side, level, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.UserID, p.ParentID, string(p.Side), p.Level, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create placement: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) FindPlacement(ctx context.Context, userID id.UserID) (*models.Placement, error) {
	var row placementRow
	err := sqlx.GetContext(ctx, s.execer(ctx), &row,
		`SELECT user_id, parent_id, side, level, created_at FROM placements WHERE user_id = $1`, userID)
	if err != nil {
		return nil, translate(err)
	}
	p := row.toModel()
	return &p, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID id.UserID) ([]models.Placement, error) {
	var rows []placementRow
	err := sqlx.SelectContext(ctx, s.execer(ctx), &rows, `
		SELECT user_id, parent_id, side, level, created_at
		FROM placements WHERE parent_id = $1 ORDER BY seq
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", translate(err))
	}
	out := make([]models.Placement, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (s *PostgresStore) UpdatePlacement(ctx context.Context, p *models.Placement) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE placements SET parent_id = $2, side = $3, level = $4 WHERE user_id = $1
	`, p.UserID, p.ParentID, string(p.Side), p.Level)
	if err != nil {
		return fmt.Errorf("update placement: %w", translate(err))
	}
	return expectOne(res)
}

func (s *PostgresStore) DeletePlacement(ctx context.Context, userID id.UserID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM placements WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete placement: %w", translate(err))
	}
	return expectOne(res)
}

// -----------------------------------------------------------------------------
// Packages
// -----------------------------------------------------------------------------

type packageRow struct {
	UserID           id.UserID       `db:"user_id"`
	PackageType      string          `db:"package_type"`
	MonthlyAmount    decimal.Decimal `db:"monthly_amount"`
	TotalMonths      int             `db:"total_months"`
	PaidMonths       int             `db:"paid_months"`
	LateInstallments int             `db:"late_installments"`
	IsCompleted      bool            `db:"is_completed"`
	BonusEarned      bool            `db:"bonus_earned"`
	CreatedAt        time.Time       `db:"created_at"`
}

const packageColumns = `user_id, package_type, monthly_amount, total_months, paid_months,
	late_installments, is_completed, bonus_earned, created_at`

func (r packageRow) toModel() models.Package {
	return models.Package(r)
}

func (s *PostgresStore) FindPackage(ctx context.Context, userID id.UserID) (*models.Package, error) {
	return s.findPackage(ctx, userID, "")
}

func (s *PostgresStore) FindPackageForUpdate(ctx context.Context, userID id.UserID) (*models.Package, error) {
	return s.findPackage(ctx, userID, " FOR UPDATE")
}

func (s *PostgresStore) findPackage(ctx context.Context, userID id.UserID, suffix string) (*models.Package, error) {
	var row packageRow
	err := sqlx.GetContext(ctx, s.execer(ctx), &row,
		`SELECT `+packageColumns+` FROM packages WHERE user_id = $1`+suffix, userID)
	if err != nil {
		return nil, translate(err)
	}
	p := row.toModel()
	return &p, nil
}

func (s *PostgresStore) SavePackage(ctx context.Context, p *models.Package) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			package_type = EXCLUDED.package_type,
			monthly_amount = EXCLUDED.monthly_amount,
			total_months = EXCLUDED.total_months,
			paid_months = EXCLUDED.paid_months,
			late_installments = EXCLUDED.late_installments,
			is_completed = EXCLUDED.is_completed,
			bonus_earned = EXCLUDED.bonus_earned,
			created_at = EXCLUDED.created_at
	`, p.UserID, p.PackageType, p.MonthlyAmount, p.TotalMonths, p.PaidMonths,
		p.LateInstallments, p.IsCompleted, p.BonusEarned, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save package: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) DeletePackage(ctx context.Context, userID id.UserID) error {
	if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM packages WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete package: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) PackagesFor(ctx context.Context, userIDs []id.UserID) (map[id.UserID]models.Package, error) {
	out := make(map[id.UserID]models.Package)
	for start := 0; start < len(userIDs); start += packagesBatch {
		end := min(start+packagesBatch, len(userIDs))
		keys := make([]string, 0, end-start)
		for _, uid := range userIDs[start:end] {
			keys = append(keys, uid.String())
		}

		var rows []packageRow
		err := sqlx.SelectContext(ctx, s.execer(ctx), &rows,
			`SELECT `+packageColumns+` FROM packages WHERE user_id = ANY($1::uuid[])`, pq.Array(keys))
		if err != nil {
			return nil, fmt.Errorf("packages for users: %w", translate(err))
		}
		for _, row := range rows {
			out[row.UserID] = row.toModel()
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Earnings
// -----------------------------------------------------------------------------

type earningRow struct {
	ID            id.EarningID    `db:"id"`
	UserID        id.UserID       `db:"user_id"`
	Amount        decimal.Decimal `db:"amount"`
	Type          string          `db:"type"`
	RelatedUserID *id.UserID      `db:"related_user_id"`
	Level         int             `db:"level"`
	Description   string          `db:"description"`
	InvalidatedAt sql.NullTime    `db:"invalidated_at"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r earningRow) toModel() models.Earning {
	e := models.Earning{
		ID:            r.ID,
		UserID:        r.UserID,
		Amount:        r.Amount,
		Type:          models.EarningType(r.Type),
		RelatedUserID: r.RelatedUserID,
		Level:         r.Level,
		Description:   r.Description,
		CreatedAt:     r.CreatedAt,
	}
	if r.InvalidatedAt.Valid {
		e.InvalidatedAt = &r.InvalidatedAt.Time
	}
	return e
}

func (s *PostgresStore) InsertEarning(ctx context.Context, e *models.Earning) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO earnings (id, user_id, amount, type, related_user_id, level, description, invalidated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Amount, string(e.Type), e.RelatedUserID, e.Level, e.Description,
		nullTime(e.InvalidatedAt), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert earning: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) ListEarnings(ctx context.Context, userID id.UserID) ([]models.Earning, error) {
	var rows []earningRow
	err := sqlx.SelectContext(ctx, s.execer(ctx), &rows, `
		SELECT id, user_id, amount, type, related_user_id, level, description, invalidated_at, created_at
		FROM earnings WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list earnings: %w", translate(err))
	}
	out := make([]models.Earning, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (s *PostgresStore) InvalidateEarnings(ctx context.Context, userID id.UserID, now time.Time) (int, []id.UserID, error) {
	var hit []id.UserID
	err := sqlx.SelectContext(ctx, s.execer(ctx), &hit, `
		WITH hit AS (
			UPDATE earnings SET
				amount = 0,
				description = CASE WHEN left(description, length($3::text)) = $3::text THEN description ELSE $3::text || description END,
				invalidated_at = $2::timestamptz
			WHERE (user_id = $1 OR related_user_id = $1) AND invalidated_at IS NULL
			RETURNING user_id, seq
		)
		SELECT user_id FROM hit ORDER BY seq
	`, userID, now, models.InvalidatedTag)
	if err != nil {
		return 0, nil, fmt.Errorf("invalidate earnings: %w", translate(err))
	}

	seen := make(map[id.UserID]struct{}, len(hit))
	beneficiaries := make([]id.UserID, 0, len(hit))
	for _, uid := range hit {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		beneficiaries = append(beneficiaries, uid)
	}
	return len(hit), beneficiaries, nil
}

func (s *PostgresStore) SumEarnings(ctx context.Context, userID id.UserID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := sqlx.GetContext(ctx, s.execer(ctx), &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM earnings WHERE user_id = $1 AND invalidated_at IS NULL
	`, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum earnings: %w", translate(err))
	}
	return sum, nil
}

func (s *PostgresStore) LevelEarnings(ctx context.Context, userID id.UserID) (map[int]decimal.Decimal, error) {
	var rows []struct {
		Level int             `db:"level"`
		Total decimal.Decimal `db:"total"`
	}
	err := sqlx.SelectContext(ctx, s.execer(ctx), &rows, `
		SELECT level, SUM(amount) AS total FROM earnings
		WHERE user_id = $1 AND type = 'level' AND invalidated_at IS NULL
		GROUP BY level
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("level earnings: %w", translate(err))
	}
	out := make(map[int]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.Level] = row.Total
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Accruals
// -----------------------------------------------------------------------------

type accrualRow struct {
	OwnerID   id.UserID       `db:"owner_id"`
	BuyerID   id.UserID       `db:"buyer_id"`
	Side      string          `db:"side"`
	Amount    decimal.Decimal `db:"amount"`
	CreatedAt time.Time       `db:"created_at"`
}

func (s *PostgresStore) RecordAccrual(ctx context.Context, a *models.Accrual) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO volume_accruals (owner_id, buyer_id, side, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.OwnerID, a.BuyerID, string(a.Side), a.Amount, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record accrual: %w", translate(err))
	}
	return nil
}

func (s *PostgresStore) ListAccruals(ctx context.Context, ownerID id.UserID) ([]models.Accrual, error) {
	var rows []accrualRow
	err := sqlx.SelectContext(ctx, s.execer(ctx), &rows, `
		SELECT owner_id, buyer_id, side, amount, created_at
		FROM volume_accruals WHERE owner_id = $1
		ORDER BY seq
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accruals: %w", translate(err))
	}
	out := make([]models.Accrual, len(rows))
	for i, row := range rows {
		out[i] = models.Accrual{
			OwnerID:   row.OwnerID,
			BuyerID:   row.BuyerID,
			Side:      models.Side(row.Side),
			Amount:    row.Amount,
			CreatedAt: row.CreatedAt,
		}
	}
	return out, nil
}

func (s *PostgresStore) DeleteAccruals(ctx context.Context, userID id.UserID) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		DELETE FROM volume_accruals WHERE owner_id = $1 OR buyer_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("delete accruals: %w", translate(err))
	}
	return nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}
