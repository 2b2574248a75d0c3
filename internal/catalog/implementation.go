package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/clock"
	"locallibrary/internal/notify"
	"locallibrary/internal/paging"
	"locallibrary/internal/validation"
)

const bookRequestSubject = "Library Book request"

// service implements the Service interface.
type service struct {
	repo      Repository
	mailer    Mailer
	oracle    auth.Oracle
	logger    *slog.Logger
	pageSize  int
	mediaRoot string
}

// Option configures the catalog service.
type Option func(*service)

// WithMailer sets where book files are emailed through.
func WithMailer(m Mailer) Option {
	return func(s *service) { s.mailer = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *service) { s.logger = l }
}

// WithOracle replaces the permission oracle.
func WithOracle(o auth.Oracle) Option {
	return func(s *service) { s.oracle = o }
}

// WithPageSize sets the book and author listing page size.
func WithPageSize(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMediaRoot sets the directory media paths are resolved against.
func WithMediaRoot(dir string) Option {
	return func(s *service) { s.mediaRoot = dir }
}

// NewService creates a new catalog service instance.
func NewService(repo Repository, opts ...Option) Service {
	s := &service{
		repo:      repo,
		oracle:    auth.PermissionOracle{},
		logger:    slog.Default(),
		pageSize:  DefaultPageSize,
		mediaRoot: "media",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mailer == nil {
		s.mailer = notify.LogSender{Logger: s.logger}
	}
	return s
}

func (s *service) ListBooks(ctx context.Context, p *auth.Principal, query string, page paging.Request) (paging.Page[*Book], error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return paging.Page[*Book]{}, err
	}
	return s.repo.ListBooks(ctx, BookFilter{Tokens: Tokens(query)}, page.Normalize(s.pageSize))
}

func (s *service) GetBook(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Book, error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}
	return s.repo.GetBook(ctx, id)
}

// checkBookRefs makes sure the author and genres a book points at exist.
func (s *service) checkBookRefs(ctx context.Context, in BookInput) error {
	if in.AuthorID != nil {
		if _, err := s.repo.GetAuthor(ctx, *in.AuthorID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Field("author_id", "select a valid author")
			}
			return err
		}
	}
	for _, gid := range in.GenreIDs {
		if _, err := s.repo.GetGenre(ctx, gid); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.Field("genre_ids", fmt.Sprintf("select a valid genre, %s is not one of the available choices", gid))
			}
			return err
		}
	}
	return nil
}

func bookFromInput(id uuid.UUID, in BookInput) *Book {
	b := &Book{
		ID:       id,
		AuthorID: in.AuthorID,
		Title:    strings.TrimSpace(in.Title),
		Summary:  in.Summary,
		ISBN:     strings.TrimSpace(in.ISBN),
		GenreIDs: dedupe(in.GenreIDs),
		Picture:  in.Picture,
		File:     in.File,
	}
	if b.Picture == "" {
		b.Picture = DefaultBookPicture
	}
	if b.File == "" {
		b.File = DefaultBookFile
	}
	return b
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *service) CreateBook(ctx context.Context, p *auth.Principal, in BookInput) (*Book, error) {
	if err := auth.Require(s.oracle, p, auth.CanCreateBook); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if err := s.checkBookRefs(ctx, in); err != nil {
		return nil, err
	}

	book := bookFromInput(uuid.New(), in)
	if err := s.repo.CreateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to create book: %w", err)
	}
	s.logger.Info("book created", "book_id", book.ID, "title", book.Title, "by", p.AccountID)
	return book, nil
}

func (s *service) UpdateBook(ctx context.Context, p *auth.Principal, id uuid.UUID, in BookInput) (*Book, error) {
	if err := auth.Require(s.oracle, p, auth.CanUpdateBook); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetBook(ctx, id); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	if err := s.checkBookRefs(ctx, in); err != nil {
		return nil, err
	}

	book := bookFromInput(id, in)
	if err := s.repo.UpdateBook(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to update book: %w", err)
	}
	s.logger.Info("book updated", "book_id", id, "by", p.AccountID)
	return book, nil
}

func (s *service) DeleteBook(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.Require(s.oracle, p, auth.CanDeleteBook); err != nil {
		return err
	}
	if err := s.repo.DeleteBook(ctx, id); err != nil {
		return err
	}
	s.logger.Info("book deleted", "book_id", id, "by", p.AccountID)
	return nil
}

// EmailBookFile mails the book's downloadable file to the caller. A failed
// delivery is reported as apperr.ErrNotification and changes nothing.
func (s *service) EmailBookFile(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.RequireAuthenticated(p); err != nil {
		return err
	}
	book, err := s.repo.GetBook(ctx, id)
	if err != nil {
		return err
	}

	authorName := "Unknown"
	if book.AuthorID != nil {
		author, err := s.repo.GetAuthor(ctx, *book.AuthorID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if author != nil {
			authorName = author.Name()
		}
	}

	msg := notify.Message{
		To:             []string{p.Email},
		Subject:        bookRequestSubject,
		Body:           bookRequestBody(p.Username, book.Title, authorName),
		AttachmentPath: filepath.Join(s.mediaRoot, filepath.FromSlash(book.File)),
		AttachmentType: "application/pdf",
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("failed to email book file", "book_id", id, "account_id", p.AccountID, "error", err)
		if errors.Is(err, apperr.ErrNotification) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrNotification, err)
	}

	s.logger.Info("book file emailed", "book_id", id, "account_id", p.AccountID)
	return nil
}

func bookRequestBody(username, title, author string) string {
	var sb strings.Builder
	sb.WriteString("Hello " + username + "\n\n")
	sb.WriteString(" Please find attachment your requested PDF file below \n\n")
	sb.WriteString(" Book: " + title + "\n")
	sb.WriteString(" Book Author: " + author + "\n\n")
	return sb.String()
}

func (s *service) ListAuthors(ctx context.Context, p *auth.Principal, query string, page paging.Request) (paging.Page[*Author], error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return paging.Page[*Author]{}, err
	}
	return s.repo.ListAuthors(ctx, Tokens(query), page.Normalize(s.pageSize))
}

// GetAuthor returns the author together with their books.
func (s *service) GetAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Author, []*Book, error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, nil, err
	}
	author, err := s.repo.GetAuthor(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var books []*Book
	req := paging.Request{Number: 1, Size: 100}
	for {
		page, err := s.repo.ListBooks(ctx, BookFilter{AuthorID: &id}, req)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list author books: %w", err)
		}
		books = append(books, page.Data...)
		if !page.HasNext() {
			break
		}
		req.Number++
	}
	return author, books, nil
}

func authorFromInput(id uuid.UUID, in AuthorInput) (*Author, error) {
	a := &Author{
		ID:        id,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Picture:   in.Picture,
	}
	if in.DateOfBirth != nil {
		d := clock.Date(*in.DateOfBirth)
		a.DateOfBirth = &d
	}
	if in.DateOfDeath != nil {
		d := clock.Date(*in.DateOfDeath)
		a.DateOfDeath = &d
	}
	if a.DateOfBirth != nil && a.DateOfDeath != nil && a.DateOfDeath.Before(*a.DateOfBirth) {
		return nil, apperr.Field("date_of_death", "date of death cannot be before date of birth")
	}
	if a.Picture == "" {
		a.Picture = DefaultAuthorPicture
	}
	return a, nil
}

func (s *service) CreateAuthor(ctx context.Context, p *auth.Principal, in AuthorInput) (*Author, error) {
	if err := auth.Require(s.oracle, p, auth.CanCreateAuthor); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	author, err := authorFromInput(uuid.New(), in)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateAuthor(ctx, author); err != nil {
		return nil, fmt.Errorf("failed to create author: %w", err)
	}
	s.logger.Info("author created", "author_id", author.ID, "name", author.Name(), "by", p.AccountID)
	return author, nil
}

func (s *service) UpdateAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID, in AuthorInput) (*Author, error) {
	if err := auth.Require(s.oracle, p, auth.CanUpdateAuthor); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetAuthor(ctx, id); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	author, err := authorFromInput(id, in)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateAuthor(ctx, author); err != nil {
		return nil, fmt.Errorf("failed to update author: %w", err)
	}
	s.logger.Info("author updated", "author_id", id, "by", p.AccountID)
	return author, nil
}

func (s *service) DeleteAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.Require(s.oracle, p, auth.CanDeleteAuthor); err != nil {
		return err
	}
	if err := s.repo.DeleteAuthor(ctx, id); err != nil {
		return err
	}
	s.logger.Info("author deleted", "author_id", id, "by", p.AccountID)
	return nil
}

func (s *service) ListGenres(ctx context.Context, p *auth.Principal) ([]*Genre, error) {
	if err := auth.RequireAuthenticated(p); err != nil {
		return nil, err
	}
	return s.repo.ListGenres(ctx)
}

func (s *service) CreateGenre(ctx context.Context, p *auth.Principal, in GenreInput) (*Genre, error) {
	if err := auth.RequireStaff(p); err != nil {
		return nil, err
	}
	if err := validation.Struct(in); err != nil {
		return nil, err
	}

	genre := &Genre{ID: uuid.New(), Name: strings.TrimSpace(in.Name)}
	if err := s.repo.CreateGenre(ctx, genre); err != nil {
		return nil, fmt.Errorf("failed to create genre: %w", err)
	}
	return genre, nil
}

func (s *service) DeleteGenre(ctx context.Context, p *auth.Principal, id uuid.UUID) error {
	if err := auth.RequireStaff(p); err != nil {
		return err
	}
	return s.repo.DeleteGenre(ctx, id)
}

func (s *service) Counts(ctx context.Context) (Counts, error) {
	books, err := s.repo.CountBooks(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count books: %w", err)
	}
	authors, err := s.repo.CountAuthors(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count authors: %w", err)
	}
	return Counts{Books: books, Authors: authors}, nil
}
