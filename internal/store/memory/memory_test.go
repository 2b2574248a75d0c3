package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/paging"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func newInstance(t *testing.T, s *Store, bookID *uuid.UUID, status circulation.Status, due *time.Time, borrower *uuid.UUID) *circulation.BookInstance {
	t.Helper()
	inst := &circulation.BookInstance{ID: uuid.New(), BookID: bookID, Status: status, DueBack: due, BorrowerID: borrower}
	require.NoError(t, s.CreateInstance(context.Background(), inst, circulation.LoanEvent{Type: circulation.EventInstanceAdded}))
	return inst
}

func TestReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	inst := newInstance(t, s, nil, circulation.StatusAvailable, nil, nil)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	got.Status = circulation.StatusReserved

	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.StatusAvailable, again.Status)
}

func TestUpdateInstanceChecksVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	inst := newInstance(t, s, nil, circulation.StatusAvailable, nil, nil)
	assert.Equal(t, 1, inst.Version)

	inst.Status = circulation.StatusOnLoan
	require.NoError(t, s.UpdateInstance(ctx, inst, 1, circulation.LoanEvent{Type: circulation.EventInstanceBorrowed}))
	assert.Equal(t, 2, inst.Version)

	err := s.UpdateInstance(ctx, inst, 1, circulation.LoanEvent{Type: circulation.EventInstanceBorrowed})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	ghost := &circulation.BookInstance{ID: uuid.New()}
	assert.ErrorIs(t, s.UpdateInstance(ctx, ghost, 1, circulation.LoanEvent{}), apperr.ErrNotFound)

	history, err := s.LoanHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[1].Version)

	feed, err := s.LoanEvents(ctx, history[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, history[1].ID, feed[0].ID)
}

func TestListInstancesUndatedLast(t *testing.T) {
	s := New()
	ctx := context.Background()
	borrower := uuid.New()

	undated := newInstance(t, s, nil, circulation.StatusOnLoan, nil, &borrower)
	late := newInstance(t, s, nil, circulation.StatusOnLoan, date(2024, 2, 10), &borrower)
	early := newInstance(t, s, nil, circulation.StatusOnLoan, date(2024, 2, 1), nil)
	newInstance(t, s, nil, circulation.StatusMaintenance, date(2023, 1, 1), nil)

	page, err := s.ListInstances(ctx, circulation.InstanceFilter{Status: circulation.StatusOnLoan}, paging.Request{Number: 1, Size: 5})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	assert.Equal(t, []uuid.UUID{early.ID, late.ID, undated.ID}, []uuid.UUID{page.Data[0].ID, page.Data[1].ID, page.Data[2].ID})

	n, err := s.CountInstances(ctx, circulation.InstanceFilter{BorrowerID: &borrower})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDeletesClearReferences(t *testing.T) {
	s := New()
	ctx := context.Background()

	account := &auth.Account{ID: uuid.New(), Username: "reader"}
	require.NoError(t, s.CreateAccount(ctx, account, &auth.Credential{}, &auth.Profile{}))
	author := &catalog.Author{ID: uuid.New(), FirstName: "Jane", LastName: "Austen"}
	require.NoError(t, s.CreateAuthor(ctx, author))
	genre := &catalog.Genre{ID: uuid.New(), Name: "Romance"}
	require.NoError(t, s.CreateGenre(ctx, genre))
	book := &catalog.Book{ID: uuid.New(), Title: "Emma", AuthorID: &author.ID, GenreIDs: []uuid.UUID{genre.ID, uuid.New()}}
	require.NoError(t, s.CreateBook(ctx, book))
	inst := newInstance(t, s, &book.ID, circulation.StatusOnLoan, date(2024, 1, 1), &account.ID)

	stored, err := s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{genre.ID}, stored.GenreIDs)

	require.NoError(t, s.DeleteGenre(ctx, genre.ID))
	require.NoError(t, s.DeleteAuthor(ctx, author.ID))
	require.NoError(t, s.DeleteAccount(ctx, account.ID))

	stored, err = s.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.AuthorID)
	assert.Empty(t, stored.GenreIDs)

	require.NoError(t, s.DeleteBook(ctx, book.ID))
	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, got.BookID)
	assert.Nil(t, got.BorrowerID)

	_, err = s.GetAccountByUsername(ctx, "reader")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDuplicateUsername(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAccount(ctx, &auth.Account{ID: uuid.New(), Username: "x"}, &auth.Credential{}, &auth.Profile{}))
	err := s.CreateAccount(ctx, &auth.Account{ID: uuid.New(), Username: "x"}, &auth.Credential{}, &auth.Profile{})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSearch(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, title := range []string{"The House of Mirth", "Bleak House", "Howards End", "Housekeeping"} {
		require.NoError(t, s.CreateBook(ctx, &catalog.Book{ID: uuid.New(), Title: title}))
	}
	for _, a := range [][2]string{{"Philip", "Roth"}, {"Joanne", "Rowling"}, {"Robert", "Frost"}, {"Jane", "Austen"}} {
		require.NoError(t, s.CreateAuthor(ctx, &catalog.Author{ID: uuid.New(), FirstName: a[0], LastName: a[1]}))
	}

	books, err := s.ListBooks(ctx, catalog.BookFilter{Tokens: catalog.Tokens("hou")}, paging.Request{Number: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, books.Total)
	require.Len(t, books.Data, 3)
	assert.Equal(t, "Bleak House", books.Data[0].Title)
	assert.False(t, books.HasNext())

	authors, err := s.ListAuthors(ctx, catalog.Tokens("Ro"), paging.Request{Number: 1})
	require.NoError(t, err)
	require.Equal(t, 3, authors.Total)
	assert.Equal(t, "Frost", authors.Data[0].LastName)
	assert.Equal(t, "Roth", authors.Data[1].LastName)
	assert.Equal(t, "Rowling", authors.Data[2].LastName)
}

func TestSearchFoldsNonASCII(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, title := range []string{"École des femmes", "L'ÉCOLE DES MARIS", "Economics"} {
		require.NoError(t, s.CreateBook(ctx, &catalog.Book{ID: uuid.New(), Title: title}))
	}

	books, err := s.ListBooks(ctx, catalog.BookFilter{Tokens: catalog.Tokens("éco")}, paging.Request{Number: 1})
	require.NoError(t, err)
	require.Equal(t, 2, books.Total)
	assert.Equal(t, "L'ÉCOLE DES MARIS", books.Data[0].Title)
	assert.Equal(t, "École des femmes", books.Data[1].Title)
}
