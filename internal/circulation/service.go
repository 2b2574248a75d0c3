package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"locallibrary/internal/auth"
	"locallibrary/internal/paging"
)

// Service defines the interface for the circulation service.
type Service interface {
	CreateInstance(ctx context.Context, p *auth.Principal, in CreateInstanceInput) (*BookInstance, error)
	GetInstance(ctx context.Context, p *auth.Principal, id uuid.UUID) (*BookInstance, error)
	DeleteInstance(ctx context.Context, p *auth.Principal, id uuid.UUID) error
	ListBookInstances(ctx context.Context, p *auth.Principal, bookID uuid.UUID) ([]*BookInstance, error)

	Borrow(ctx context.Context, p *auth.Principal, id uuid.UUID) (*BookInstance, error)
	Return(ctx context.Context, p *auth.Principal, id uuid.UUID) (*BookInstance, error)
	ProposeRenewal(ctx context.Context, p *auth.Principal, id uuid.UUID) (*RenewalProposal, error)
	Renew(ctx context.Context, p *auth.Principal, id uuid.UUID, proposed time.Time) (*BookInstance, error)
	SetStatus(ctx context.Context, p *auth.Principal, ids []uuid.UUID, status Status) (int, error)

	StaffDashboard(ctx context.Context, p *auth.Principal, page paging.Request) (paging.Page[*BookInstance], error)
	CustomerDashboard(ctx context.Context, p *auth.Principal, page paging.Request) (paging.Page[*BookInstance], error)

	History(ctx context.Context, p *auth.Principal, id uuid.UUID) ([]LoanEvent, error)
	Feed(ctx context.Context, p *auth.Principal, afterID int64, limit int) ([]LoanEvent, error)
	Counts(ctx context.Context) (Counts, error)

	// Today is the date the loan rules are evaluated against.
	Today() time.Time
}

// RenewalProposal is what a librarian sees when opening the renewal form.
type RenewalProposal struct {
	Instance *BookInstance `json:"instance"`
	DueBack  time.Time     `json:"proposed_due_back"`
}

// Repository persists book instances together with their loan events.
type Repository interface {
	// CreateInstance stores a new instance at version 1 with its first event.
	CreateInstance(ctx context.Context, inst *BookInstance, event LoanEvent) error
	GetInstance(ctx context.Context, id uuid.UUID) (*BookInstance, error)
	// UpdateInstance writes inst if the stored version still equals
	// expectedVersion, appending event in the same unit of work. It sets
	// inst.Version to the new version. A stale version fails with
	// apperr.ErrConflict.
	UpdateInstance(ctx context.Context, inst *BookInstance, expectedVersion int, event LoanEvent) error
	DeleteInstance(ctx context.Context, id uuid.UUID) error
	// ListInstances orders by due date ascending, undated last, then id.
	ListInstances(ctx context.Context, f InstanceFilter, page paging.Request) (paging.Page[*BookInstance], error)
	CountInstances(ctx context.Context, f InstanceFilter) (int, error)
	LoanHistory(ctx context.Context, id uuid.UUID) ([]LoanEvent, error)
	LoanEvents(ctx context.Context, afterID int64, limit int) ([]LoanEvent, error)
	BookExists(ctx context.Context, bookID uuid.UUID) (bool, error)
}
