package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/clock"
	"locallibrary/internal/paging"
	"locallibrary/internal/store/memory"
)

var today = time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	svc     circulation.Service
	reader  *sdkmetric.ManualReader
	book    uuid.UUID
	staff   *auth.Principal
	member  *auth.Principal
	other   *auth.Principal
	manager *auth.Principal
}

func newFixture(t *testing.T, repo func(*memory.Store) circulation.Repository) *fixture {
	t.Helper()
	store := memory.New()
	book := &catalog.Book{ID: uuid.New(), Title: "Dune"}
	require.NoError(t, store.CreateBook(context.Background(), book))

	var r circulation.Repository = store
	if repo != nil {
		r = repo(store)
	}
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	return &fixture{
		store:   store,
		svc:     circulation.NewService(r, circulation.WithClock(clock.Fixed(today)), circulation.WithMeter(meter), circulation.WithRetry(5, 0)),
		reader:  reader,
		book:    book.ID,
		staff:   &auth.Principal{AccountID: uuid.New(), Username: "staff", IsStaff: true, Permissions: []auth.Permission{auth.CanMarkReturned}},
		member:  &auth.Principal{AccountID: uuid.New(), Username: "member"},
		other:   &auth.Principal{AccountID: uuid.New(), Username: "other"},
		manager: &auth.Principal{AccountID: uuid.New(), Username: "manager", IsStaff: true},
	}
}

func (f *fixture) addInstance(t *testing.T, status circulation.Status) *circulation.BookInstance {
	t.Helper()
	inst, err := f.svc.CreateInstance(context.Background(), f.staff, circulation.CreateInstanceInput{BookID: &f.book, Imprint: "Ace, 1965", Status: status})
	require.NoError(t, err)
	return inst
}

func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestCreateInstance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inst, err := f.svc.CreateInstance(ctx, f.staff, circulation.CreateInstanceInput{BookID: &f.book})
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusMaintenance, inst.Status)
	assert.Equal(t, 1, inst.Version)

	_, err = f.svc.CreateInstance(ctx, f.member, circulation.CreateInstanceInput{BookID: &f.book})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.CreateInstance(ctx, nil, circulation.CreateInstanceInput{BookID: &f.book})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	missing := uuid.New()
	_, err = f.svc.CreateInstance(ctx, f.staff, circulation.CreateInstanceInput{BookID: &missing})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.svc.CreateInstance(ctx, f.staff, circulation.CreateInstanceInput{BookID: &f.book, Status: "lost"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestBorrowAndReturn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.addInstance(t, circulation.StatusAvailable)

	borrowed, err := f.svc.Borrow(ctx, f.member, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusOnLoan, borrowed.Status)
	assert.Equal(t, time.Date(2024, time.April, 5, 0, 0, 0, 0, time.UTC), *borrowed.DueBack)
	assert.True(t, borrowed.IsBorrowedBy(f.member.AccountID))
	assert.False(t, borrowed.IsOverdue(f.svc.Today()))
	assert.Equal(t, 2, borrowed.Version)

	_, err = f.svc.Borrow(ctx, nil, inst.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = f.svc.Return(ctx, f.other, inst.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	returned, err := f.svc.Return(ctx, f.member, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusAvailable, returned.Status)
	assert.Nil(t, returned.BorrowerID)
	assert.Nil(t, returned.DueBack)

	// librarians may return anyone's loan
	_, err = f.svc.Borrow(ctx, f.other, inst.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, f.staff, inst.ID)
	require.NoError(t, err)

	_, err = f.svc.Borrow(ctx, f.member, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, int64(2), f.counter(t, "library.loans.borrowed"))
	assert.Equal(t, int64(2), f.counter(t, "library.loans.returned"))

	history, err := f.svc.History(ctx, f.staff, inst.ID)
	require.NoError(t, err)
	types := make([]string, len(history))
	for i, e := range history {
		types[i] = e.Type
	}
	assert.Equal(t, []string{
		circulation.EventInstanceAdded,
		circulation.EventInstanceBorrowed,
		circulation.EventInstanceReturned,
		circulation.EventInstanceBorrowed,
		circulation.EventInstanceReturned,
	}, types)
}

func TestRenew(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	inst := f.addInstance(t, circulation.StatusAvailable)
	_, err := f.svc.Borrow(ctx, f.member, inst.ID)
	require.NoError(t, err)

	proposal, err := f.svc.ProposeRenewal(ctx, f.staff, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, clock.AddDays(today, 21), proposal.DueBack)

	t.Run("within four weeks", func(t *testing.T) {
		renewed, err := f.svc.Renew(ctx, f.staff, inst.ID, clock.AddDays(today, 28))
		require.NoError(t, err)
		assert.Equal(t, clock.AddDays(today, 28), *renewed.DueBack)
		assert.Equal(t, circulation.StatusOnLoan, renewed.Status)
		assert.True(t, renewed.IsBorrowedBy(f.member.AccountID))
	})

	// Rejected renewals must leave the loan exactly as it was.
	unchanged := func(t *testing.T, before *circulation.BookInstance) {
		t.Helper()
		after, err := f.svc.GetInstance(ctx, f.staff, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, after.DueBack)
		assert.Equal(t, *before.DueBack, *after.DueBack)
		assert.Equal(t, before.Version, after.Version)
		assert.Equal(t, circulation.StatusOnLoan, after.Status)
	}
	current := func(t *testing.T) *circulation.BookInstance {
		t.Helper()
		got, err := f.svc.GetInstance(ctx, f.staff, inst.ID)
		require.NoError(t, err)
		require.NotNil(t, got.DueBack)
		return got
	}

	t.Run("in the past", func(t *testing.T) {
		before := current(t)
		_, err := f.svc.Renew(ctx, f.staff, inst.ID, clock.AddDays(today, -1))
		var rerr *circulation.RenewalError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, circulation.RenewalPastDate, rerr.Reason)
		unchanged(t, before)
	})

	t.Run("too far ahead", func(t *testing.T) {
		before := current(t)
		_, err := f.svc.Renew(ctx, f.staff, inst.ID, clock.AddDays(today, 29))
		var rerr *circulation.RenewalError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, circulation.RenewalTooFarAhead, rerr.Reason)
		assert.ErrorIs(t, err, apperr.ErrValidation)
		unchanged(t, before)
	})

	t.Run("without permission", func(t *testing.T) {
		before := current(t)
		_, err := f.svc.Renew(ctx, f.member, inst.ID, today)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		_, err = f.svc.ProposeRenewal(ctx, f.member, inst.ID)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
		_, err = f.svc.Renew(ctx, nil, inst.ID, today)
		assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
		unchanged(t, before)
	})

	t.Run("unknown instance before date check", func(t *testing.T) {
		_, err := f.svc.Renew(ctx, f.staff, uuid.New(), clock.AddDays(today, -10))
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("superuser", func(t *testing.T) {
		root := &auth.Principal{AccountID: uuid.New(), IsSuperuser: true}
		_, err := f.svc.Renew(ctx, root, inst.ID, today)
		assert.NoError(t, err)
	})

	assert.Equal(t, int64(2), f.counter(t, "library.loans.renewal_rejected"))
	assert.Equal(t, int64(2), f.counter(t, "library.loans.renewed"))
}

func TestDashboards(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var mine []uuid.UUID
	for i := 0; i < 7; i++ {
		inst := f.addInstance(t, circulation.StatusAvailable)
		borrower := f.other
		if i%2 == 0 {
			borrower = f.member
		}
		_, err := f.svc.Borrow(ctx, borrower, inst.ID)
		require.NoError(t, err)
		_, err = f.svc.Renew(ctx, f.staff, inst.ID, clock.AddDays(today, 20-i))
		require.NoError(t, err)
		if borrower == f.member {
			mine = append(mine, inst.ID)
		}
	}
	f.addInstance(t, circulation.StatusReserved)

	staff, err := f.svc.StaffDashboard(ctx, f.staff, paging.Request{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, 7, staff.Total)
	require.Len(t, staff.Data, 5)
	assert.True(t, staff.HasNext())
	for i := 1; i < len(staff.Data); i++ {
		assert.False(t, staff.Data[i].DueBack.Before(*staff.Data[i-1].DueBack), "sorted by due date")
	}

	next, err := f.svc.StaffDashboard(ctx, f.staff, paging.Request{Number: 2})
	require.NoError(t, err)
	assert.Len(t, next.Data, 2)

	_, err = f.svc.StaffDashboard(ctx, f.member, paging.Request{})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	customer, err := f.svc.CustomerDashboard(ctx, f.member, paging.Request{})
	require.NoError(t, err)
	assert.Equal(t, len(mine), customer.Total)
	for _, inst := range customer.Data {
		assert.True(t, inst.IsBorrowedBy(f.member.AccountID))
		assert.Equal(t, circulation.StatusOnLoan, inst.Status)
	}
	assert.Equal(t, mine[len(mine)-1], customer.Data[0].ID, "latest renewal is due first")

	_, err = f.svc.CustomerDashboard(ctx, nil, paging.Request{})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.addInstance(t, circulation.StatusAvailable)
	b := f.addInstance(t, circulation.StatusAvailable)

	n, err := f.svc.SetStatus(ctx, f.manager, []uuid.UUID{a.ID, uuid.New(), b.ID}, circulation.StatusReserved)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.svc.GetInstance(ctx, f.member, a.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusReserved, got.Status)

	_, err = f.svc.SetStatus(ctx, f.manager, []uuid.UUID{a.ID}, "lost")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SetStatus(ctx, f.member, []uuid.UUID{a.ID}, circulation.StatusAvailable)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestCountsAndListing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addInstance(t, circulation.StatusAvailable)
	f.addInstance(t, circulation.StatusAvailable)
	maint := f.addInstance(t, circulation.StatusMaintenance)

	counts, err := f.svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.Counts{Instances: 3, InstancesAvailable: 2}, counts)

	list, err := f.svc.ListBookInstances(ctx, f.member, f.book)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	require.NoError(t, f.svc.DeleteInstance(ctx, f.manager, maint.ID))
	assert.ErrorIs(t, f.svc.DeleteInstance(ctx, f.manager, maint.ID), apperr.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteInstance(ctx, f.member, maint.ID), apperr.ErrForbidden)

	feed, err := f.svc.Feed(ctx, f.manager, 0, 0)
	require.NoError(t, err)
	assert.Len(t, feed, 3)

	_, err = f.svc.Feed(ctx, f.member, 0, 10)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

// flakyRepo fails the first conflicts updates with a version conflict.
type flakyRepo struct {
	*memory.Store
	conflicts int
	calls     int
}

func (r *flakyRepo) UpdateInstance(ctx context.Context, inst *circulation.BookInstance, expected int, event circulation.LoanEvent) error {
	r.calls++
	if r.calls <= r.conflicts {
		return apperr.ErrConflict
	}
	return r.Store.UpdateInstance(ctx, inst, expected, event)
}

func TestConflictRetry(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		flaky := &flakyRepo{conflicts: 3}
		f := newFixture(t, func(s *memory.Store) circulation.Repository {
			flaky.Store = s
			return flaky
		})
		inst := f.addInstance(t, circulation.StatusAvailable)

		got, err := f.svc.Borrow(context.Background(), f.member, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, flaky.calls)
		assert.Equal(t, 2, got.Version)
		assert.Equal(t, int64(3), f.counter(t, "library.loans.conflict_retries"))
	})

	t.Run("gives up", func(t *testing.T) {
		flaky := &flakyRepo{conflicts: 100}
		f := newFixture(t, func(s *memory.Store) circulation.Repository {
			flaky.Store = s
			return flaky
		})
		inst := f.addInstance(t, circulation.StatusAvailable)

		_, err := f.svc.Borrow(context.Background(), f.member, inst.ID)
		assert.ErrorIs(t, err, apperr.ErrConflict)
		assert.Equal(t, 5, flaky.calls)
	})
}
