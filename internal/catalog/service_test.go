package catalog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/notify"
	"locallibrary/internal/paging"
	"locallibrary/internal/store/memory"
)

type fakeMailer struct {
	sent []notify.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

var (
	editor = &auth.Principal{
		AccountID:   uuid.New(),
		Username:    "editor",
		Email:       "editor@example.com",
		IsStaff:     true,
		Permissions: auth.AllPermissions,
	}
	reader = &auth.Principal{AccountID: uuid.New(), Username: "reader", Email: "reader@example.com"}
)

func newService(t *testing.T) (catalog.Service, *fakeMailer) {
	t.Helper()
	mailer := &fakeMailer{}
	return catalog.NewService(memory.New(), catalog.WithMailer(mailer), catalog.WithMediaRoot("/srv/media")), mailer
}

func bookInput(title string) catalog.BookInput {
	return catalog.BookInput{Title: title, Summary: "A novel.", ISBN: "9780000000000"}
}

func TestCreateBookDefaults(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	book, err := svc.CreateBook(ctx, editor, bookInput("  Emma "))
	require.NoError(t, err)
	assert.Equal(t, "Emma", book.Title)
	assert.Equal(t, catalog.DefaultBookPicture, book.Picture)
	assert.Equal(t, catalog.DefaultBookFile, book.File)

	_, err = svc.CreateBook(ctx, reader, bookInput("Emma"))
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = svc.CreateBook(ctx, nil, bookInput("Emma"))
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	var ferr *apperr.FieldError
	_, err = svc.CreateBook(ctx, editor, catalog.BookInput{Summary: "x", ISBN: "1"})
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "title", ferr.Field)

	_, err = svc.CreateBook(ctx, editor, catalog.BookInput{Title: "x", Summary: "x", ISBN: "12345678901234"})
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "isbn", ferr.Field)

	missing := uuid.New()
	in := bookInput("Orphan")
	in.AuthorID = &missing
	_, err = svc.CreateBook(ctx, editor, in)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "author_id", ferr.Field)

	in = bookInput("Orphan")
	in.GenreIDs = []uuid.UUID{missing}
	_, err = svc.CreateBook(ctx, editor, in)
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "genre_ids", ferr.Field)
}

func TestBookSearch(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for _, title := range []string{"The House of Mirth", "Bleak House", "Howards End", "A Little House", "House of Leaves"} {
		_, err := svc.CreateBook(ctx, editor, bookInput(title))
		require.NoError(t, err)
	}

	page, err := svc.ListBooks(ctx, reader, "Hou", paging.Request{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Len(t, page.Data, 3, "three books per page")
	assert.True(t, page.HasNext())

	page, err = svc.ListBooks(ctx, reader, "HOUSE  of", paging.Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = svc.ListBooks(ctx, reader, "", paging.Request{Number: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Data, 2)

	_, err = svc.ListBooks(ctx, nil, "", paging.Request{})
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestAuthors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	born := time.Date(1775, time.December, 16, 0, 0, 0, 0, time.UTC)
	died := time.Date(1817, time.July, 18, 0, 0, 0, 0, time.UTC)

	austen, err := svc.CreateAuthor(ctx, editor, catalog.AuthorInput{FirstName: "Jane", LastName: "Austen", DateOfBirth: &born, DateOfDeath: &died})
	require.NoError(t, err)
	assert.Equal(t, catalog.DefaultAuthorPicture, austen.Picture)
	_, err = svc.CreateAuthor(ctx, editor, catalog.AuthorInput{FirstName: "Philip", LastName: "Roth"})
	require.NoError(t, err)
	_, err = svc.CreateAuthor(ctx, editor, catalog.AuthorInput{FirstName: "Joanne", LastName: "Rowling"})
	require.NoError(t, err)

	_, err = svc.CreateAuthor(ctx, editor, catalog.AuthorInput{FirstName: "Bad", LastName: "Dates", DateOfBirth: &died, DateOfDeath: &born})
	var ferr *apperr.FieldError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "date_of_death", ferr.Field)

	page, err := svc.ListAuthors(ctx, reader, "Ro", paging.Request{})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "Roth", page.Data[0].LastName)
	assert.Equal(t, "Rowling", page.Data[1].LastName)

	page, err = svc.ListAuthors(ctx, reader, "jane austen", paging.Request{})
	require.NoError(t, err)
	assert.Empty(t, page.Data, "tokens must all match the same name")

	in := bookInput("Emma")
	in.AuthorID = &austen.ID
	emma, err := svc.CreateBook(ctx, editor, in)
	require.NoError(t, err)

	got, books, err := svc.GetAuthor(ctx, reader, austen.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Austen", got.Name())
	require.Len(t, books, 1)
	assert.Equal(t, emma.ID, books[0].ID)

	assert.ErrorIs(t, svc.DeleteAuthor(ctx, reader, austen.ID), apperr.ErrForbidden)
	require.NoError(t, svc.DeleteAuthor(ctx, editor, austen.ID))

	book, err := svc.GetBook(ctx, reader, emma.ID)
	require.NoError(t, err)
	assert.Nil(t, book.AuthorID, "book survives its author")

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, catalog.Counts{Books: 1, Authors: 2}, counts)
}

func TestUpdateAndDeleteBook(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	genre, err := svc.CreateGenre(ctx, editor, catalog.GenreInput{Name: "Fantasy"})
	require.NoError(t, err)
	_, err = svc.CreateGenre(ctx, reader, catalog.GenreInput{Name: "Horror"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	book, err := svc.CreateBook(ctx, editor, bookInput("Dune"))
	require.NoError(t, err)

	in := bookInput("Dune Messiah")
	in.GenreIDs = []uuid.UUID{genre.ID, genre.ID}
	updated, err := svc.UpdateBook(ctx, editor, book.ID, in)
	require.NoError(t, err)
	assert.Equal(t, "Dune Messiah", updated.Title)
	assert.Equal(t, []uuid.UUID{genre.ID}, updated.GenreIDs)

	_, err = svc.UpdateBook(ctx, editor, uuid.New(), in)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, svc.DeleteBook(ctx, editor, book.ID))
	_, err = svc.GetBook(ctx, reader, book.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	genres, err := svc.ListGenres(ctx, reader)
	require.NoError(t, err)
	assert.Len(t, genres, 1)
	require.NoError(t, svc.DeleteGenre(ctx, editor, genre.ID))
}

func TestEmailBookFile(t *testing.T) {
	svc, mailer := newService(t)
	ctx := context.Background()

	author, err := svc.CreateAuthor(ctx, editor, catalog.AuthorInput{FirstName: "Frank", LastName: "Herbert"})
	require.NoError(t, err)
	in := bookInput("Dune")
	in.AuthorID = &author.ID
	in.File = "book_pdf/dune.pdf"
	book, err := svc.CreateBook(ctx, editor, in)
	require.NoError(t, err)

	require.NoError(t, svc.EmailBookFile(ctx, reader, book.ID))
	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, []string{"reader@example.com"}, msg.To)
	assert.Equal(t, "Library Book request", msg.Subject)
	assert.Equal(t, "Hello reader\n\n Please find attachment your requested PDF file below \n\n Book: Dune\n Book Author: Frank Herbert\n\n", msg.Body)
	assert.Equal(t, filepath.Join("/srv/media", "book_pdf", "dune.pdf"), msg.AttachmentPath)
	assert.Equal(t, "application/pdf", msg.AttachmentType)

	t.Run("unknown author", func(t *testing.T) {
		orphan, err := svc.CreateBook(ctx, editor, bookInput("Anonymous"))
		require.NoError(t, err)
		require.NoError(t, svc.EmailBookFile(ctx, reader, orphan.ID))
		assert.Contains(t, mailer.sent[len(mailer.sent)-1].Body, "Book Author: Unknown")
	})

	t.Run("delivery failure", func(t *testing.T) {
		mailer.err = errors.New("relay down")
		err := svc.EmailBookFile(ctx, reader, book.ID)
		assert.ErrorIs(t, err, apperr.ErrNotification)
		mailer.err = nil
	})

	t.Run("unknown book", func(t *testing.T) {
		assert.ErrorIs(t, svc.EmailBookFile(ctx, reader, uuid.New()), apperr.ErrNotFound)
	})

	t.Run("anonymous", func(t *testing.T) {
		assert.ErrorIs(t, svc.EmailBookFile(ctx, nil, book.ID), apperr.ErrUnauthenticated)
	})
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"house", "of"}, catalog.Tokens("  House\tOF "))
	assert.Empty(t, catalog.Tokens("   "))

	a := &catalog.Author{FirstName: "Robert", LastName: "Frost"}
	assert.True(t, catalog.MatchAuthor(a, catalog.Tokens("ro")))
	assert.True(t, catalog.MatchAuthor(a, catalog.Tokens("rob ert")))
	assert.False(t, catalog.MatchAuthor(a, catalog.Tokens("robert frost")))
	assert.True(t, catalog.MatchBook(&catalog.Book{Title: "Bleak House"}, nil))
}
