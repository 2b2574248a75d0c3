package catalog

import (
	"context"

	"github.com/google/uuid"

	"locallibrary/internal/auth"
	"locallibrary/internal/notify"
	"locallibrary/internal/paging"
)

// Service defines the interface for the catalog service.
type Service interface {
	ListBooks(ctx context.Context, p *auth.Principal, query string, page paging.Request) (paging.Page[*Book], error)
	GetBook(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Book, error)
	CreateBook(ctx context.Context, p *auth.Principal, in BookInput) (*Book, error)
	UpdateBook(ctx context.Context, p *auth.Principal, id uuid.UUID, in BookInput) (*Book, error)
	DeleteBook(ctx context.Context, p *auth.Principal, id uuid.UUID) error
	EmailBookFile(ctx context.Context, p *auth.Principal, id uuid.UUID) error

	ListAuthors(ctx context.Context, p *auth.Principal, query string, page paging.Request) (paging.Page[*Author], error)
	GetAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Author, []*Book, error)
	CreateAuthor(ctx context.Context, p *auth.Principal, in AuthorInput) (*Author, error)
	UpdateAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID, in AuthorInput) (*Author, error)
	DeleteAuthor(ctx context.Context, p *auth.Principal, id uuid.UUID) error

	ListGenres(ctx context.Context, p *auth.Principal) ([]*Genre, error)
	CreateGenre(ctx context.Context, p *auth.Principal, in GenreInput) (*Genre, error)
	DeleteGenre(ctx context.Context, p *auth.Principal, id uuid.UUID) error

	Counts(ctx context.Context) (Counts, error)
}

// BookFilter narrows a book listing.
type BookFilter struct {
	// Tokens must all occur in the title.
	Tokens   []string
	AuthorID *uuid.UUID
}

// Repository persists the catalog.
type Repository interface {
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	UpdateBook(ctx context.Context, b *Book) error
	// DeleteBook leaves the book's instances in place without a book.
	DeleteBook(ctx context.Context, id uuid.UUID) error
	// ListBooks orders by title.
	ListBooks(ctx context.Context, f BookFilter, page paging.Request) (paging.Page[*Book], error)
	CountBooks(ctx context.Context) (int, error)

	CreateAuthor(ctx context.Context, a *Author) error
	GetAuthor(ctx context.Context, id uuid.UUID) (*Author, error)
	UpdateAuthor(ctx context.Context, a *Author) error
	// DeleteAuthor leaves the author's books in place without an author.
	DeleteAuthor(ctx context.Context, id uuid.UUID) error
	// ListAuthors orders by last name, then first name.
	ListAuthors(ctx context.Context, tokens []string, page paging.Request) (paging.Page[*Author], error)
	CountAuthors(ctx context.Context) (int, error)

	CreateGenre(ctx context.Context, g *Genre) error
	GetGenre(ctx context.Context, id uuid.UUID) (*Genre, error)
	ListGenres(ctx context.Context) ([]*Genre, error)
	DeleteGenre(ctx context.Context, id uuid.UUID) error
}

// Mailer delivers outgoing messages.
type Mailer interface {
	Send(ctx context.Context, msg notify.Message) error
}
