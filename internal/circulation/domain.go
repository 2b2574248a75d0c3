package circulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

// Status is the availability of a physical book instance.
type Status string

const (
	StatusMaintenance Status = "maintenance"
	StatusOnLoan      Status = "on_loan"
	StatusAvailable   Status = "available"
	StatusReserved    Status = "reserved"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusMaintenance, StatusOnLoan, StatusAvailable, StatusReserved}

var statusLabels = map[Status]string{
	StatusMaintenance: "Maintenance",
	StatusOnLoan:      "On loan",
	StatusAvailable:   "Available",
	StatusReserved:    "Reserved",
}

// Label is the human readable name of the status.
func (s Status) Label() string {
	return statusLabels[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// ParseStatus maps a wire value to its Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// BookInstance is a physical copy of a book that can be lent out.
type BookInstance struct {
	ID uuid.UUID `json:"id"`
	// BookID is nil once the book has been deleted.
	BookID     *uuid.UUID `json:"book_id,omitempty"`
	Imprint    string     `json:"imprint"`
	DueBack    *time.Time `json:"due_back,omitempty"`
	BorrowerID *uuid.UUID `json:"borrower_id,omitempty"`
	Status     Status     `json:"status"`
	Version    int        `json:"version"`
}

// IsOverdue reports whether the due date is set and lies before today.
func (b *BookInstance) IsOverdue(today time.Time) bool {
	return b.DueBack != nil && today.After(*b.DueBack)
}

// IsBorrowedBy reports whether the account currently holds the instance.
func (b *BookInstance) IsBorrowedBy(accountID uuid.UUID) bool {
	return b.BorrowerID != nil && *b.BorrowerID == accountID
}

// Clone returns a deep copy.
func (b *BookInstance) Clone() *BookInstance {
	c := *b
	if b.BookID != nil {
		id := *b.BookID
		c.BookID = &id
	}
	if b.DueBack != nil {
		d := *b.DueBack
		c.DueBack = &d
	}
	if b.BorrowerID != nil {
		id := *b.BorrowerID
		c.BorrowerID = &id
	}
	return &c
}

// CreateInstanceInput registers a newly acquired copy.
type CreateInstanceInput struct {
	BookID  *uuid.UUID `json:"book_id"`
	Imprint string     `json:"imprint" validate:"max=200"`
	DueBack *time.Time `json:"-"`
	Status  Status     `json:"status" validate:"omitempty,oneof=maintenance on_loan available reserved"`
}

// InstanceFilter narrows an instance listing. Zero fields match everything.
type InstanceFilter struct {
	Status     Status
	BorrowerID *uuid.UUID
	BookID     *uuid.UUID
}

// Matches reports whether the instance passes the filter.
func (f InstanceFilter) Matches(b *BookInstance) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.BorrowerID != nil && !b.IsBorrowedBy(*f.BorrowerID) {
		return false
	}
	if f.BookID != nil && (b.BookID == nil || *b.BookID != *f.BookID) {
		return false
	}
	return true
}

// Counts summarises the instance collection for the index page.
type Counts struct {
	Instances          int `json:"num_instances"`
	InstancesAvailable int `json:"num_instances_available"`
}

// Event types recorded in the loan history.
const (
	EventInstanceAdded     = "InstanceAdded"
	EventInstanceBorrowed  = "InstanceBorrowed"
	EventInstanceReturned  = "InstanceReturned"
	EventInstanceRenewed   = "InstanceRenewed"
	EventInstanceStatusSet = "InstanceStatusSet"
)

// AggregateType names instance streams in the event store.
const AggregateType = "book_instance"

// LoanEvent is one recorded change of a book instance.
type LoanEvent struct {
	ID         int64               `json:"id"`
	InstanceID uuid.UUID           `json:"instance_id"`
	Type       string              `json:"type"`
	Data       jsoniter.RawMessage `json:"data"`
	Version    int                 `json:"version"`
	CreatedAt  time.Time           `json:"created_at"`
}

// InstanceAddedEvent is recorded when staff register a copy.
type InstanceAddedEvent struct {
	BookID  *uuid.UUID `json:"book_id,omitempty"`
	Imprint string     `json:"imprint"`
	Status  Status     `json:"status"`
}

// InstanceBorrowedEvent is recorded when a member borrows a copy.
type InstanceBorrowedEvent struct {
	BorrowerID uuid.UUID `json:"borrower_id"`
	DueBack    string    `json:"due_back"`
}

// InstanceReturnedEvent is recorded when a copy comes back.
type InstanceReturnedEvent struct {
	BorrowerID *uuid.UUID `json:"borrower_id,omitempty"`
	ReturnedBy uuid.UUID  `json:"returned_by"`
	Overdue    bool       `json:"overdue"`
}

// InstanceRenewedEvent is recorded when a librarian moves the due date.
type InstanceRenewedEvent struct {
	PreviousDueBack string    `json:"previous_due_back,omitempty"`
	DueBack         string    `json:"due_back"`
	RenewedBy       uuid.UUID `json:"renewed_by"`
}

// InstanceStatusSetEvent is recorded by the bulk status override.
type InstanceStatusSetEvent struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	SetBy uuid.UUID `json:"set_by"`
}
