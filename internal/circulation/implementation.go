package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/clock"
	"locallibrary/internal/paging"
	"locallibrary/internal/validation"
)

const instrumentationName = "locallibrary/internal/circulation"

// DefaultDashboardPageSize is the page size of both dashboards.
const DefaultDashboardPageSize = 5

var eventJSON = jsoniter.ConfigFastest

type loanMetrics struct {
	borrowed        metric.Int64Counter
	returned        metric.Int64Counter
	renewed         metric.Int64Counter
	renewalRejected metric.Int64Counter
	conflictRetries metric.Int64Counter
}

// service implements the Service interface.
type service struct {
	repo     Repository
	clock    clock.Clock
	oracle   auth.Oracle
	logger   *slog.Logger
	pageSize int
	retry    retryPolicy
	tracer   trace.Tracer
	meter    metric.Meter
	metrics  loanMetrics
}

// Option configures the circulation service.
type Option func(*service)

// WithClock sets the clock the loan rules read today's date from.
func WithClock(c clock.Clock) Option {
	return func(s *service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithOracle replaces the permission oracle.
func WithOracle(o auth.Oracle) Option {
	return func(s *service) { s.oracle = o }
}

// WithPageSize sets the dashboard page size.
func WithPageSize(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithRetry tunes how often a mutation is retried after a version conflict.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *service) {
		if maxAttempts > 0 {
			s.retry.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			s.retry.baseDelay = baseDelay
		}
	}
}

// WithMeter records loan counters on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(s *service) { s.meter = m }
}

// NewService creates a new circulation service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:     repo,
		clock:    clock.System{},
		oracle:   auth.PermissionOracle{},
		logger:   slog.Default(),
		pageSize: DefaultDashboardPageSize,
		retry:    retryPolicy{maxAttempts: defaultMaxAttempts, baseDelay: defaultBaseDelay},
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = s.newMetrics()
	return s
}

func (s *service) newMetrics() loanMetrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := s.meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			s.logger.Warn("failed to create counter, using no-op", "metric", name, "error", err)
			c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
		}
		return c
	}
	return loanMetrics{
		borrowed:        counter("library.loans.borrowed", "Book instances lent out"),
		returned:        counter("library.loans.returned", "Book instances returned"),
		renewed:         counter("library.loans.renewed", "Loans renewed"),
		renewalRejected: counter("library.loans.renewal_rejected", "Renewal requests refused by date validation"),
		conflictRetries: counter("library.loans.conflict_retries", "Mutations retried after a version conflict"),
	}
}

func (s *service) Today() time.Time {
	return s.clock.Today()
}

func (s *service) startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "circulation."+name, trace.WithAttributes(attribute.String("instance.id", id.String())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func newEvent(instanceID uuid.UUID, eventType string, version int, payload any, at time.Time) (LoanEvent, error) {
	data, err := eventJSON.Marshal(payload)
	if err != nil {
		return LoanEvent{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return LoanEvent{
		InstanceID: instanceID,
		Type:       eventType,
		Data:       data,
		Version:    version,
		CreatedAt:  at.UTC(),
	}, nil
}

// mutate runs a read-modify-write cycle on one instance. change edits the
// instance in place and returns the event payload; the write only lands
// if nobody else changed the instance in between, otherwise the whole
// cycle is retried.
func (s *service) mutate(ctx context.Context, id uuid.UUID, eventType string, change func(inst *BookInstance) (any, error)) (*BookInstance, error) {
	var out *BookInstance
	onRetry := func(attempt int) {
		s.metrics.conflictRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
		s.logger.Debug("retrying after version conflict", "instance_id", id, "event_type", eventType, "attempt", attempt)
	}

	err := s.retry.withConflictRetry(ctx, onRetry, func(ctx context.Context) error {
		inst, err := s.repo.GetInstance(ctx, id)
		if err != nil {
			return err
		}

		payload, err := change(inst)
		if err != nil {
			return err
		}

		expected := inst.Version
		event, err := newEvent(inst.ID, eventType, expected+1, payload, time.Now())
		if err != nil {
			return err
		}
		if err := s.repo.UpdateInstance(ctx, inst, expected, event); err != nil {
			return err
		}
		out = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateInstance registers a new physical copy.
func (s *service) CreateInstance(ctx context.Context, p *auth.Principal, in CreateInstanceInput) (inst *BookInstance, err error) {
	id := uuid.New()
	ctx, span := s.startSpan(ctx, "CreateInstance", id)
	defer func() { endSpan(span, err) }()

	if err := auth.RequireStaff(p); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = StatusMaintenance
	}
	if in.BookID != nil {
		ok, err := s.repo.BookExists(ctx, *in.BookID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up book: %w", err)
		}
		if !ok {
			return nil, apperr.NotFound("book", *in.BookID)
		}
	}

	inst = &BookInstance{
		ID:      id,
		BookID:  in.BookID,
		Imprint: in.Imprint,
		Status:  in.Status,
		Version: 1,
	}
	if in.DueBack != nil {
		d := clock.Date(*in.DueBack)
		inst.DueBack = &d
	}

	event, err := newEvent(id, EventInstanceAdded, 1, InstanceAddedEvent{BookID: in.BookID, Imprint: in.Imprint, Status: in.Status}, time.Now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateInstance(ctx, inst, event); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	s.logger.Info("book instance added", "instance_id", id, "status", inst.Status, "by", p.AccountID)
	return inst, nil
}

func (s *service) GetInstance(ctx context.Context, p *auth.Principal, id uuid.UUID) (*BookInstance, error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}
	return s.repo.GetInstance(ctx, id)
}

func (s *service) DeleteInstance(ctx context.Context, p *auth.Principal, id uuid.UUID) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteInstance", id)
	defer func() { endSpan(span, err) }()

	if err := auth.RequireStaff(p); err != nil {
		return err
	}
	if err := s.repo.DeleteInstance(ctx, id); err != nil {
		return err
	}
	s.logger.Info("book instance deleted", "instance_id", id, "by", p.AccountID)
	return nil
}

func (s *service) ListBookInstances(ctx context.Context, p *auth.Principal, bookID uuid.UUID) ([]*BookInstance, error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}

	var out []*BookInstance
	req := paging.Request{Number: 1, Size: 100}
	for {
		page, err := s.repo.ListInstances(ctx, InstanceFilter{BookID: &bookID}, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		out = append(out, page.Data...)
		if !page.HasNext() {
			return out, nil
		}
		req.Number++
	}
}

// Borrow lends the instance to the caller for three weeks.
func (s *service) Borrow(ctx context.Context, p *auth.Principal, id uuid.UUID) (inst *BookInstance, err error) {
	ctx, span := s.startSpan(ctx, "Borrow", id)
	defer func() { endSpan(span, err) }()

	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}

	today := s.clock.Today()
	inst, err = s.mutate(ctx, id, EventInstanceBorrowed, func(inst *BookInstance) (any, error) {
		applyBorrow(inst, p.AccountID, today)
		return InstanceBorrowedEvent{BorrowerID: p.AccountID, DueBack: clock.FormatDate(inst.DueBack)}, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.borrowed.Add(ctx, 1)
	s.logger.Info("book instance borrowed", "instance_id", id, "borrower_id", p.AccountID, "due_back", clock.FormatDate(inst.DueBack))
	return inst, nil
}

// Return makes the instance available again. The borrower may return their
// own loan; anyone else needs can_mark_returned.
func (s *service) Return(ctx context.Context, p *auth.Principal, id uuid.UUID) (inst *BookInstance, err error) {
	ctx, span := s.startSpan(ctx, "Return", id)
	defer func() { endSpan(span, err) }()

	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}

	today := s.clock.Today()
	inst, err = s.mutate(ctx, id, EventInstanceReturned, func(inst *BookInstance) (any, error) {
		if !inst.IsBorrowedBy(p.AccountID) && !s.oracle.Has(p, auth.CanMarkReturned) {
			return nil, apperr.ErrForbidden
		}
		event := InstanceReturnedEvent{BorrowerID: inst.BorrowerID, ReturnedBy: p.AccountID, Overdue: inst.IsOverdue(today)}
		applyReturn(inst)
		return event, nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.returned.Add(ctx, 1)
	s.logger.Info("book instance returned", "instance_id", id, "by", p.AccountID)
	return inst, nil
}

// ProposeRenewal returns the instance with the default renewal date.
func (s *service) ProposeRenewal(ctx context.Context, p *auth.Principal, id uuid.UUID) (*RenewalProposal, error) {
	if err := auth.Require(s.oracle, p, auth.CanMarkReturned); err != nil {
		return nil, err
	}
	inst, err := s.repo.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return &RenewalProposal{Instance: inst, DueBack: DefaultRenewal(s.clock.Today())}, nil
}

// Renew moves the due date of an instance to proposed.
func (s *service) Renew(ctx context.Context, p *auth.Principal, id uuid.UUID, proposed time.Time) (inst *BookInstance, err error) {
	ctx, span := s.startSpan(ctx, "Renew", id)
	span.SetAttributes(attribute.String("renewal.proposed", proposed.Format(clock.DateLayout)))
	defer func() { endSpan(span, err) }()

	if err := auth.Require(s.oracle, p, auth.CanMarkReturned); err != nil {
		return nil, err
	}

	today := s.clock.Today()
	inst, err = s.mutate(ctx, id, EventInstanceRenewed, func(inst *BookInstance) (any, error) {
		if err := ValidateRenewal(proposed, today); err != nil {
			return nil, err
		}
		event := InstanceRenewedEvent{PreviousDueBack: clock.FormatDate(inst.DueBack), RenewedBy: p.AccountID}
		applyRenewal(inst, proposed)
		event.DueBack = clock.FormatDate(inst.DueBack)
		return event, nil
	})
	if err != nil {
		var rerr *RenewalError
		if errors.As(err, &rerr) {
			s.metrics.renewalRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(rerr.Reason))))
		}
		return nil, err
	}

	s.metrics.renewed.Add(ctx, 1)
	s.logger.Info("loan renewed", "instance_id", id, "due_back", clock.FormatDate(inst.DueBack), "by", p.AccountID)
	return inst, nil
}

// SetStatus forces status onto every listed instance. Unknown ids are
// skipped; the result is the number of instances updated.
func (s *service) SetStatus(ctx context.Context, p *auth.Principal, ids []uuid.UUID, status Status) (int, error) {
	if err := auth.RequireStaff(p); err != nil {
		return 0, err
	}
	if !status.Valid() {
		return 0, apperr.Field("status", fmt.Sprintf("must be one of: %s %s %s %s", StatusMaintenance, StatusOnLoan, StatusAvailable, StatusReserved))
	}

	updated := 0
	for _, id := range ids {
		_, err := s.mutate(ctx, id, EventInstanceStatusSet, func(inst *BookInstance) (any, error) {
			event := InstanceStatusSetEvent{From: inst.Status, To: status, SetBy: p.AccountID}
			inst.Status = status
			return event, nil
		})
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("skipping unknown instance in status override", "instance_id", id)
			continue
		}
		if err != nil {
			return updated, err
		}
		updated++
	}

	s.logger.Info("status override applied", "status", status, "updated", updated, "requested", len(ids), "by", p.AccountID)
	return updated, nil
}

// StaffDashboard lists every loaned instance, soonest due first.
func (s *service) StaffDashboard(ctx context.Context, p *auth.Principal, page paging.Request) (paging.Page[*BookInstance], error) {
	if err := auth.Require(s.oracle, p, auth.CanMarkReturned); err != nil {
		return paging.Page[*BookInstance]{}, err
	}
	return s.repo.ListInstances(ctx, InstanceFilter{Status: StatusOnLoan}, page.Normalize(s.pageSize))
}

// CustomerDashboard lists the caller's own loans, soonest due first.
func (s *service) CustomerDashboard(ctx context.Context, p *auth.Principal, page paging.Request) (paging.Page[*BookInstance], error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return paging.Page[*BookInstance]{}, err
	}
	borrower := p.AccountID
	return s.repo.ListInstances(ctx, InstanceFilter{Status: StatusOnLoan, BorrowerID: &borrower}, page.Normalize(s.pageSize))
}

func (s *service) History(ctx context.Context, p *auth.Principal, id uuid.UUID) ([]LoanEvent, error) {
	if err := auth.RequireStaff(p); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.LoanHistory(ctx, id)
}

// Feed returns loan events across all instances in the order they were
// recorded, starting after afterID.
func (s *service) Feed(ctx context.Context, p *auth.Principal, afterID int64, limit int) ([]LoanEvent, error) {
	if err := auth.RequireStaff(p); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.LoanEvents(ctx, afterID, limit)
}

func (s *service) Counts(ctx context.Context) (Counts, error) {
	total, err := s.repo.CountInstances(ctx, InstanceFilter{})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count instances: %w", err)
	}
	available, err := s.repo.CountInstances(ctx, InstanceFilter{Status: StatusAvailable})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count available instances: %w", err)
	}
	return Counts{Instances: total, InstancesAvailable: available}, nil
}
