package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Default media paths for records without an upload.
const (
	DefaultBookPicture   = "book_images/no_profile_picture.png"
	DefaultBookFile      = "book_pdf/no_pdf.pdf"
	DefaultAuthorPicture = "author_images/no_image.png"
)

// DefaultPageSize is the page size of the book and author listings.
const DefaultPageSize = 3

// Book is a catalog entry. Physical copies are tracked as book instances.
type Book struct {
	ID uuid.UUID `json:"id"`
	// AuthorID is nil once the author has been deleted.
	AuthorID *uuid.UUID  `json:"author_id,omitempty"`
	Title    string      `json:"title"`
	Summary  string      `json:"summary"`
	ISBN     string      `json:"isbn"`
	GenreIDs []uuid.UUID `json:"genre_ids"`
	Picture  string      `json:"picture"`
	File     string      `json:"file"`
}

// Clone returns a deep copy.
func (b *Book) Clone() *Book {
	c := *b
	if b.AuthorID != nil {
		id := *b.AuthorID
		c.AuthorID = &id
	}
	c.GenreIDs = append([]uuid.UUID(nil), b.GenreIDs...)
	return &c
}

// Author writes books.
type Author struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	DateOfDeath *time.Time `json:"date_of_death,omitempty"`
	Picture     string     `json:"picture"`
}

// Name is "first last".
func (a *Author) Name() string {
	return a.FirstName + " " + a.LastName
}

// Clone returns a deep copy.
func (a *Author) Clone() *Author {
	c := *a
	if a.DateOfBirth != nil {
		d := *a.DateOfBirth
		c.DateOfBirth = &d
	}
	if a.DateOfDeath != nil {
		d := *a.DateOfDeath
		c.DateOfDeath = &d
	}
	return &c
}

// Genre classifies books.
type Genre struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// BookInput is the create/update form of a book.
type BookInput struct {
	Title    string      `json:"title" validate:"required,max=200"`
	AuthorID *uuid.UUID  `json:"author_id"`
	Summary  string      `json:"summary" validate:"required,max=1000"`
	ISBN     string      `json:"isbn" validate:"required,max=13"`
	GenreIDs []uuid.UUID `json:"genre_ids"`
	Picture  string      `json:"picture" validate:"max=255"`
	File     string      `json:"file" validate:"max=255"`
}

// AuthorInput is the create/update form of an author.
type AuthorInput struct {
	FirstName   string     `json:"first_name" validate:"required,max=100"`
	LastName    string     `json:"last_name" validate:"required,max=100"`
	DateOfBirth *time.Time `json:"-"`
	DateOfDeath *time.Time `json:"-"`
	Picture     string     `json:"picture" validate:"max=255"`
}

// GenreInput names a new genre.
type GenreInput struct {
	Name string `json:"name" validate:"required,max=200"`
}

// Counts summarises the catalog for the index page.
type Counts struct {
	Books   int `json:"num_books"`
	Authors int `json:"num_authors"`
}
