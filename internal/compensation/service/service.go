// Package service is the compensation engine's entry point for collaborators. It owns
// transaction boundaries and conflict retries, and performs the post-commit side effects
// (cache invalidation, events, metrics) the domain components know nothing about.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"payplan/internal/compensation/business"
	"payplan/internal/compensation/calculator"
	"payplan/internal/compensation/directory"
	"payplan/internal/compensation/earnings"
	"payplan/internal/compensation/maintenance"
	"payplan/internal/compensation/metrics"
	"payplan/internal/compensation/models"
	"payplan/internal/compensation/ports"
	"payplan/internal/compensation/volume"
	id "payplan/pkg/domain"
	dErrors "payplan/pkg/domain-errors"
	"payplan/pkg/platform/retry"
	"payplan/pkg/platform/sentinel"
	"payplan/pkg/requestcontext"
)

// Publisher delivers committed events. Failures never undo the commit.
type Publisher interface {
	Publish(ctx context.Context, events ...models.Event) error
}

// Cache holds business info views between writes.
type Cache interface {
	GetBusinessInfo(ctx context.Context, userID id.UserID) (*models.BusinessInfo, bool, error)
	SetBusinessInfo(ctx context.Context, info *models.BusinessInfo) error
	Invalidate(ctx context.Context, userIDs ...id.UserID) error
}

type Service struct {
	store       ports.Store
	directory   *directory.Directory
	business    *business.Ledger
	volumes     *volume.Accumulator
	calculator  *calculator.Calculator
	earnings    *earnings.Ledger
	maintenance *maintenance.Service

	cache     Cache
	publisher Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	retry     retry.Policy

	maxNodes    int
	maxDepth    int
	binaryDepth int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithCache(cache Cache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

// WithTraversalLimits caps tree walks; zero keeps the default.
func WithTraversalLimits(maxNodes, maxDepth int) Option {
	return func(s *Service) {
		s.maxNodes = maxNodes
		s.maxDepth = maxDepth
	}
}

// WithBinaryDepth sets how far up a purchase accrues carry-forward.
func WithBinaryDepth(depth int) Option {
	return func(s *Service) {
		s.binaryDepth = depth
	}
}

func New(store ports.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	s := &Service{
		store:  store,
		tracer: otel.Tracer("payplan/compensation"),
		logger: slog.Default(),
		retry:  retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.directory = directory.New(store,
		directory.WithLogger(s.logger),
		directory.WithTraversalLimits(s.maxNodes, s.maxDepth),
	)
	s.earnings = earnings.New(store, earnings.WithLogger(s.logger), earnings.WithMaxNodes(s.maxNodes))
	s.volumes = volume.New(s.directory, store)
	s.business = business.New(store, s.earnings, business.WithLogger(s.logger))
	s.calculator = calculator.New(store, s.directory, s.earnings,
		calculator.WithLogger(s.logger),
		calculator.WithBinaryDepth(s.binaryDepth),
	)
	s.maintenance = maintenance.New(store, s.directory, s.volumes, s.earnings,
		maintenance.WithLogger(s.logger),
		maintenance.WithBinaryDepth(s.calculator.BinaryDepth()),
		maintenance.WithMaxNodes(s.maxNodes),
	)
	return s, nil
}

// Register places a new user in the network.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.User, error) {
	ctx, span := s.tracer.Start(ctx, "compensation.Register")
	defer span.End()

	var (
		user   *models.User
		upline []models.Ancestor
	)
	err := s.inTx(ctx, s.store.RunInTx, func(txCtx context.Context) error {
		var err error
		if user, err = s.directory.PlaceUser(txCtx, req); err != nil {
			return err
		}
		upline, err = s.directory.Ancestors(txCtx, user.ID, 0)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.String("user.id", user.ID.String()))

	touched := make([]id.UserID, 0, len(upline))
	for _, a := range upline {
		touched = append(touched, a.UserID)
	}
	s.invalidate(ctx, touched...)
	s.publish(ctx, models.Event{Type: models.EventUserRegistered, UserID: user.ID, OccurredAt: requestcontext.Now(ctx), Data: user})
	if s.metrics != nil {
		s.metrics.IncrementUsersRegistered()
	}
	return user, nil
}

// Purchase stores a package and distributes its payouts in one transaction.
func (s *Service) Purchase(ctx context.Context, req models.CreatePackageRequest) (*models.PurchaseResult, error) {
	ctx, span := s.tracer.Start(ctx, "compensation.Purchase",
		trace.WithAttributes(attribute.String("buyer.id", req.UserID.String())))
	defer span.End()
	start := time.Now()

	var (
		result *models.PurchaseResult
		upline []models.Ancestor
	)
	err := s.inTx(ctx, s.store.RunInTx, func(txCtx context.Context) error {
		pkg, ev, err := s.business.CreatePackage(txCtx, req)
		if err != nil {
			return err
		}
		dist, err := s.calculator.Distribute(txCtx, *ev)
		if err != nil {
			return err
		}
		// side volume is unbounded, so every cached view up the tree is stale
		if upline, err = s.directory.Ancestors(txCtx, req.UserID, 0); err != nil {
			return err
		}
		result = &models.PurchaseResult{Package: pkg, Distribution: dist}
		return nil
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(
		attribute.Int("payouts", len(result.Distribution.Earnings)),
		attribute.String("payout.total", result.Distribution.Total().String()),
	)

	touched := make([]id.UserID, 0, len(upline)+len(result.Distribution.TouchedUsers)+1)
	touched = append(touched, req.UserID)
	for _, a := range upline {
		touched = append(touched, a.UserID)
	}
	touched = append(touched, result.Distribution.TouchedUsers...)
	s.invalidate(ctx, touched...)
	s.publish(ctx, models.Event{
		Type:       models.EventPayoutsDistributed,
		UserID:     req.UserID,
		OccurredAt: requestcontext.Now(ctx),
		Data:       result,
	})
	if s.metrics != nil {
		s.metrics.ObserveDistribution(start, result.Distribution)
	}
	return result, nil
}

// RecordInstallment counts one EMI payment and pays the completion bonus when earned.
func (s *Service) RecordInstallment(ctx context.Context, userID id.UserID, onTime bool) (*models.InstallmentResult, error) {
	ctx, span := s.tracer.Start(ctx, "compensation.RecordInstallment",
		trace.WithAttributes(attribute.String("user.id", userID.String())))
	defer span.End()

	var result *models.InstallmentResult
	err := s.inTx(ctx, s.store.RunInTx, func(txCtx context.Context) error {
		var err error
		result, err = s.business.RecordInstallment(txCtx, userID, onTime)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}

	s.publish(ctx, models.Event{Type: models.EventInstallmentPaid, UserID: userID, OccurredAt: requestcontext.Now(ctx), Data: result})
	if s.metrics != nil && result.Bonus != nil {
		s.metrics.ObservePayout(result.Bonus.Type, result.Bonus.Amount)
	}
	return result, nil
}

// RemoveUser deletes a user and repairs the network while excluding every other write.
func (s *Service) RemoveUser(ctx context.Context, userID, initiatorID id.UserID) (*models.RemovalReport, error) {
	ctx, span := s.tracer.Start(ctx, "compensation.RemoveUser", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.String("initiator.id", initiatorID.String()),
	))
	defer span.End()
	start := time.Now()

	var report *models.RemovalReport
	err := s.inTx(ctx, s.store.RunExclusive, func(txCtx context.Context) error {
		var err error
		report, err = s.maintenance.RemoveUser(txCtx, userID, initiatorID)
		return err
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(
		attribute.Int("reassigned", len(report.Reassigned)),
		attribute.Int("orphaned", len(report.Orphaned)),
		attribute.Int("invalidated", report.Invalidated),
	)

	touched := append([]id.UserID{userID}, report.Recomputed...)
	touched = append(touched, report.Orphaned...)
	for _, r := range report.Reassigned {
		touched = append(touched, r.UserID)
	}
	s.invalidate(ctx, touched...)
	s.publish(ctx, models.Event{Type: models.EventUserRemoved, UserID: userID, OccurredAt: requestcontext.Now(ctx), Data: report})
	if s.metrics != nil {
		s.metrics.ObserveRemoval(start)
	}
	return report, nil
}

// BusinessInfo serves the cached view when available.
func (s *Service) BusinessInfo(ctx context.Context, userID id.UserID) (*models.BusinessInfo, error) {
	if s.cache != nil {
		info, ok, err := s.cache.GetBusinessInfo(ctx, userID)
		switch {
		case err != nil:
			s.observeCache("error")
			s.logger.WarnContext(ctx, "business info cache read failed", "user_id", userID.String(), "error", err)
		case ok:
			s.observeCache("hit")
			return info, nil
		default:
			s.observeCache("miss")
		}
	}

	info, err := s.volumes.BusinessInfo(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetBusinessInfo(ctx, info); err != nil {
			s.logger.WarnContext(ctx, "business info cache write failed", "user_id", userID.String(), "error", err)
		}
	}
	return info, nil
}

// Earnings lists a user's statement, newest first.
func (s *Service) Earnings(ctx context.Context, userID id.UserID) ([]models.Earning, error) {
	return s.earnings.List(ctx, userID)
}

// LevelStatistics reports the 20 levels below a user.
func (s *Service) LevelStatistics(ctx context.Context, userID id.UserID) ([]models.LevelStat, error) {
	return s.earnings.LevelStatistics(ctx, userID)
}

// Dashboard gathers business info, earnings and level statistics concurrently.
func (s *Service) Dashboard(ctx context.Context, userID id.UserID) (*models.Dashboard, error) {
	var d models.Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		info, err := s.BusinessInfo(gctx, userID)
		d.Business = info
		return err
	})
	g.Go(func() error {
		list, err := s.Earnings(gctx, userID)
		d.Earnings = list
		return err
	})
	g.Go(func() error {
		levels, err := s.LevelStatistics(gctx, userID)
		d.Levels = levels
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Reconcile re-derives every user's balances from the ledger and returns how many drifted.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ids, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list users")
	}

	drifted := 0
	for _, uid := range ids {
		if err := ctx.Err(); err != nil {
			return drifted, dErrors.Wrap(err, dErrors.CodeTimeout, "reconciliation cancelled")
		}
		var delta decimal.Decimal
		err := s.inTx(ctx, s.store.RunInTx, func(txCtx context.Context) error {
			var err error
			delta, err = s.earnings.Recompute(txCtx, uid)
			return err
		})
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return drifted, err
		}
		if !delta.IsZero() {
			drifted++
			s.invalidate(ctx, uid)
			s.logger.WarnContext(ctx, "balance drift corrected",
				"user_id", uid.String(),
				"delta", delta.String(),
			)
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveReconcile(drifted)
	}
	return drifted, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// inTx runs fn in a transaction opened by run and retries it on write conflicts.
func (s *Service) inTx(ctx context.Context, run func(context.Context, func(context.Context) error) error, fn func(context.Context) error) error {
	err := retry.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		return run(ctx, fn)
	}, func(attempt int, err error) {
		if s.metrics != nil {
			s.metrics.IncrementTxRetries()
		}
		s.logger.InfoContext(ctx, "retrying conflicting transaction", "attempt", attempt, "error", err)
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent update, retries exhausted")
	}
	return err
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	return err
}

func (s *Service) invalidate(ctx context.Context, userIDs ...id.UserID) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed", "users", len(userIDs), "error", err)
	}
}

func (s *Service) publish(ctx context.Context, evt models.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		if s.metrics != nil {
			s.metrics.IncrementPublishFailures()
		}
		s.logger.ErrorContext(ctx, "event publish failed",
			"type", string(evt.Type),
			"user_id", evt.UserID.String(),
			"error", err,
		)
	}
}

func (s *Service) observeCache(result string) {
	if s.metrics != nil {
		s.metrics.ObserveCache(result)
	}
}
