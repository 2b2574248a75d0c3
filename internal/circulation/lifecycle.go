package circulation

import (
	"time"

	"github.com/google/uuid"

	"locallibrary/internal/apperr"
	"locallibrary/internal/clock"
)

const (
	// LoanPeriodDays is the length of a fresh loan and the default renewal.
	LoanPeriodDays = 21
	// MaxRenewalDays bounds how far ahead a renewal may move the due date.
	MaxRenewalDays = 28
)

// RenewalReason says why a proposed due date was refused.
type RenewalReason string

const (
	RenewalPastDate    RenewalReason = "past_date"
	RenewalTooFarAhead RenewalReason = "too_far_ahead"
)

// RenewalError rejects a proposed due date. It matches apperr.ErrValidation
// and unwraps to a FieldError on due_back.
type RenewalError struct {
	Reason   RenewalReason
	Proposed time.Time
}

func (e *RenewalError) Error() string {
	return "due_back: " + e.Message()
}

// Message is the text shown next to the date field.
func (e *RenewalError) Message() string {
	if e.Reason == RenewalPastDate {
		return "Invalid date - renewal in past"
	}
	return "Invalid date - renewal more than 4 weeks ahead"
}

func (e *RenewalError) Unwrap() error {
	return &apperr.FieldError{Field: "due_back", Message: e.Message()}
}

// LoanDue is the due date of a loan starting today.
func LoanDue(today time.Time) time.Time {
	return clock.AddDays(today, LoanPeriodDays)
}

// DefaultRenewal is the date offered when a librarian opens a renewal.
func DefaultRenewal(today time.Time) time.Time {
	return clock.AddDays(today, LoanPeriodDays)
}

// ValidateRenewal accepts proposed dates in [today, today+28d]. The past
// check runs first.
func ValidateRenewal(proposed, today time.Time) error {
	proposed = clock.Date(proposed)
	today = clock.Date(today)
	if proposed.Before(today) {
		return &RenewalError{Reason: RenewalPastDate, Proposed: proposed}
	}
	if proposed.After(clock.AddDays(today, MaxRenewalDays)) {
		return &RenewalError{Reason: RenewalTooFarAhead, Proposed: proposed}
	}
	return nil
}

// applyBorrow lends the instance to borrower until today+21d.
func applyBorrow(b *BookInstance, borrower uuid.UUID, today time.Time) {
	due := LoanDue(today)
	id := borrower
	b.BorrowerID = &id
	b.DueBack = &due
	b.Status = StatusOnLoan
}

// applyReturn makes the instance available again and clears the loan.
func applyReturn(b *BookInstance) {
	b.Status = StatusAvailable
	b.BorrowerID = nil
	b.DueBack = nil
}

// applyRenewal moves the due date; status and borrower stay as they are.
func applyRenewal(b *BookInstance, due time.Time) {
	d := clock.Date(due)
	b.DueBack = &d
}
