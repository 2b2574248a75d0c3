package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"locallibrary/internal/apperr"
	"locallibrary/internal/catalog"
	"locallibrary/internal/clock"
	"locallibrary/internal/paging"
)

const (
	tableBooks      = "books"
	tableBookGenres = "book_genres"
	tableAuthors    = "authors"
	tableGenres     = "genres"
)

type bookRow struct {
	ID       uuid.UUID     `db:"id"`
	Title    string        `db:"title"`
	AuthorID uuid.NullUUID `db:"author_id"`
	Summary  string        `db:"summary"`
	ISBN     string        `db:"isbn"`
	Picture  string        `db:"picture"`
	File     string        `db:"file"`
}

func (r bookRow) toDomain() *catalog.Book {
	b := &catalog.Book{
		ID:       r.ID,
		Title:    r.Title,
		Summary:  r.Summary,
		ISBN:     r.ISBN,
		GenreIDs: []uuid.UUID{},
		Picture:  r.Picture,
		File:     r.File,
	}
	if r.AuthorID.Valid {
		id := r.AuthorID.UUID
		b.AuthorID = &id
	}
	return b
}

type bookGenreRow struct {
	BookID  uuid.UUID `db:"book_id"`
	GenreID uuid.UUID `db:"genre_id"`
}

type authorRow struct {
	ID          uuid.UUID    `db:"id"`
	FirstName   string       `db:"first_name"`
	LastName    string       `db:"last_name"`
	DateOfBirth sql.NullTime `db:"date_of_birth"`
	DateOfDeath sql.NullTime `db:"date_of_death"`
	Picture     string       `db:"picture"`
}

func (r authorRow) toDomain() *catalog.Author {
	a := &catalog.Author{
		ID:        r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Picture:   r.Picture,
	}
	if r.DateOfBirth.Valid {
		d := clock.Date(r.DateOfBirth.Time)
		a.DateOfBirth = &d
	}
	if r.DateOfDeath.Valid {
		d := clock.Date(r.DateOfDeath.Time)
		a.DateOfDeath = &d
	}
	return a
}

func bookRecord(b *catalog.Book) goqu.Record {
	return goqu.Record{
		"title":     b.Title,
		"author_id": nullUUID(b.AuthorID),
		"summary":   b.Summary,
		"isbn":      b.ISBN,
		"picture":   b.Picture,
		"file":      b.File,
	}
}

func authorRecord(a *catalog.Author) goqu.Record {
	return goqu.Record{
		"first_name":    a.FirstName,
		"last_name":     a.LastName,
		"date_of_birth": dateValue(a.DateOfBirth),
		"date_of_death": dateValue(a.DateOfDeath),
		"picture":       a.Picture,
	}
}

// replaceGenres rewrites the genre links of a book.
func (s *Store) replaceGenres(ctx context.Context, tx *sqlx.Tx, bookID uuid.UUID, genreIDs []uuid.UUID) error {
	if _, err := s.exec(ctx, tx, s.dialect.Delete(tableBookGenres).Where(goqu.C("book_id").Eq(bookID)).Prepared(true)); err != nil {
		return fmt.Errorf("clear book genres: %w", err)
	}
	if len(genreIDs) == 0 {
		return nil
	}
	rows := make([]interface{}, len(genreIDs))
	for i, gid := range genreIDs {
		rows[i] = goqu.Record{"book_id": bookID, "genre_id": gid}
	}
	if _, err := s.exec(ctx, tx, s.dialect.Insert(tableBookGenres).Rows(rows...).Prepared(true)); err != nil {
		return fmt.Errorf("link book genres: %w", err)
	}
	return nil
}

// attachGenres fills GenreIDs of the given books with one query.
func (s *Store) attachGenres(ctx context.Context, books []*catalog.Book) error {
	if len(books) == 0 {
		return nil
	}
	ids := make([]interface{}, len(books))
	byID := make(map[uuid.UUID]*catalog.Book, len(books))
	for i, b := range books {
		ids[i] = b.ID
		byID[b.ID] = b
	}

	var links []bookGenreRow
	ds := s.dialect.From(tableBookGenres).
		Select("book_id", "genre_id").
		Where(goqu.C("book_id").In(ids...)).
		Order(goqu.C("genre_id").Asc())
	if err := s.selectAll(ctx, s.db, &links, ds); err != nil {
		return fmt.Errorf("load book genres: %w", err)
	}
	for _, l := range links {
		if b, ok := byID[l.BookID]; ok {
			b.GenreIDs = append(b.GenreIDs, l.GenreID)
		}
	}
	return nil
}

func (s *Store) CreateBook(ctx context.Context, b *catalog.Book) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		rec := bookRecord(b)
		rec["id"] = b.ID
		if _, err := s.exec(ctx, tx, s.dialect.Insert(tableBooks).Rows(rec).Prepared(true)); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		return s.replaceGenres(ctx, tx, b.ID, b.GenreIDs)
	})
}

func (s *Store) GetBook(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	var row bookRow
	err := s.get(ctx, s.db, &row, s.dialect.From(tableBooks).Where(goqu.C("id").Eq(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("book", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	book := row.toDomain()
	if err := s.attachGenres(ctx, []*catalog.Book{book}); err != nil {
		return nil, err
	}
	return book, nil
}

func (s *Store) UpdateBook(ctx context.Context, b *catalog.Book) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.exec(ctx, tx, s.dialect.Update(tableBooks).Set(bookRecord(b)).Where(goqu.C("id").Eq(b.ID)).Prepared(true))
		if err != nil {
			return fmt.Errorf("update book: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("book", b.ID)
		}
		return s.replaceGenres(ctx, tx, b.ID, b.GenreIDs)
	})
}

func (s *Store) DeleteBook(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, s.db, s.dialect.Delete(tableBooks).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("book", id)
	}
	return nil
}

func (s *Store) bookWhere(f catalog.BookFilter) []goqu.Expression {
	var where []goqu.Expression
	for _, t := range f.Tokens {
		where = append(where, s.containsLower("title", t))
	}
	if f.AuthorID != nil {
		where = append(where, goqu.C("author_id").Eq(*f.AuthorID))
	}
	return where
}

func (s *Store) ListBooks(ctx context.Context, f catalog.BookFilter, page paging.Request) (paging.Page[*catalog.Book], error) {
	page = page.Normalize(catalog.DefaultPageSize)
	base := s.dialect.From(tableBooks).Where(s.bookWhere(f)...)

	total, err := s.count(ctx, s.db, base)
	if err != nil {
		return paging.Page[*catalog.Book]{}, fmt.Errorf("count books: %w", err)
	}

	var rows []bookRow
	ds := base.Order(goqu.C("title").Asc(), goqu.C("id").Asc()).
		Limit(uint(page.Size)).Offset(uint(page.Offset()))
	if err := s.selectAll(ctx, s.db, &rows, ds); err != nil {
		return paging.Page[*catalog.Book]{}, fmt.Errorf("list books: %w", err)
	}

	books := make([]*catalog.Book, len(rows))
	for i, r := range rows {
		books[i] = r.toDomain()
	}
	if err := s.attachGenres(ctx, books); err != nil {
		return paging.Page[*catalog.Book]{}, err
	}
	return paging.Page[*catalog.Book]{Data: books, Page: page.Number, PageSize: page.Size, Total: total}, nil
}

func (s *Store) CountBooks(ctx context.Context) (int, error) {
	return s.count(ctx, s.db, s.dialect.From(tableBooks))
}

func (s *Store) CreateAuthor(ctx context.Context, a *catalog.Author) error {
	rec := authorRecord(a)
	rec["id"] = a.ID
	if _, err := s.exec(ctx, s.db, s.dialect.Insert(tableAuthors).Rows(rec).Prepared(true)); err != nil {
		return fmt.Errorf("insert author: %w", err)
	}
	return nil
}

func (s *Store) GetAuthor(ctx context.Context, id uuid.UUID) (*catalog.Author, error) {
	var row authorRow
	err := s.get(ctx, s.db, &row, s.dialect.From(tableAuthors).Where(goqu.C("id").Eq(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("author", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get author: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateAuthor(ctx context.Context, a *catalog.Author) error {
	n, err := s.exec(ctx, s.db, s.dialect.Update(tableAuthors).Set(authorRecord(a)).Where(goqu.C("id").Eq(a.ID)).Prepared(true))
	if err != nil {
		return fmt.Errorf("update author: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("author", a.ID)
	}
	return nil
}

func (s *Store) DeleteAuthor(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, s.db, s.dialect.Delete(tableAuthors).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return fmt.Errorf("delete author: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("author", id)
	}
	return nil
}

// authorWhere keeps authors whose first name holds every token, or whose
// last name does.
func (s *Store) authorWhere(tokens []string) []goqu.Expression {
	if len(tokens) == 0 {
		return nil
	}
	first := make([]goqu.Expression, len(tokens))
	last := make([]goqu.Expression, len(tokens))
	for i, t := range tokens {
		first[i] = s.containsLower("first_name", t)
		last[i] = s.containsLower("last_name", t)
	}
	return []goqu.Expression{goqu.Or(goqu.And(first...), goqu.And(last...))}
}

func (s *Store) ListAuthors(ctx context.Context, tokens []string, page paging.Request) (paging.Page[*catalog.Author], error) {
	page = page.Normalize(catalog.DefaultPageSize)
	base := s.dialect.From(tableAuthors).Where(s.authorWhere(tokens)...)

	total, err := s.count(ctx, s.db, base)
	if err != nil {
		return paging.Page[*catalog.Author]{}, fmt.Errorf("count authors: %w", err)
	}

	var rows []authorRow
	ds := base.Order(goqu.C("last_name").Asc(), goqu.C("first_name").Asc(), goqu.C("id").Asc()).
		Limit(uint(page.Size)).Offset(uint(page.Offset()))
	if err := s.selectAll(ctx, s.db, &rows, ds); err != nil {
		return paging.Page[*catalog.Author]{}, fmt.Errorf("list authors: %w", err)
	}

	authors := make([]*catalog.Author, len(rows))
	for i, r := range rows {
		authors[i] = r.toDomain()
	}
	return paging.Page[*catalog.Author]{Data: authors, Page: page.Number, PageSize: page.Size, Total: total}, nil
}

func (s *Store) CountAuthors(ctx context.Context) (int, error) {
	return s.count(ctx, s.db, s.dialect.From(tableAuthors))
}

func (s *Store) CreateGenre(ctx context.Context, g *catalog.Genre) error {
	rec := goqu.Record{"id": g.ID, "name": g.Name}
	if _, err := s.exec(ctx, s.db, s.dialect.Insert(tableGenres).Rows(rec).Prepared(true)); err != nil {
		return fmt.Errorf("insert genre: %w", err)
	}
	return nil
}

func (s *Store) GetGenre(ctx context.Context, id uuid.UUID) (*catalog.Genre, error) {
	var g catalog.Genre
	err := s.get(ctx, s.db, &g, s.dialect.From(tableGenres).Select("id", "name").Where(goqu.C("id").Eq(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("genre", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get genre: %w", err)
	}
	return &g, nil
}

func (s *Store) ListGenres(ctx context.Context) ([]*catalog.Genre, error) {
	genres := []*catalog.Genre{}
	ds := s.dialect.From(tableGenres).Select("id", "name").Order(goqu.C("name").Asc())
	if err := s.selectAll(ctx, s.db, &genres, ds); err != nil {
		return nil, fmt.Errorf("list genres: %w", err)
	}
	return genres, nil
}

func (s *Store) DeleteGenre(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, s.db, s.dialect.Delete(tableGenres).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return fmt.Errorf("delete genre: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("genre", id)
	}
	return nil
}
