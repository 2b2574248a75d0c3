// Package memory is an in-process store for tests and throwaway servers.
// It implements the same repositories as sqlstore and keeps the same
// referential rules: deleting a book, author or account clears the
// references to it instead of deleting the referrers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/paging"
)

type accountEntry struct {
	account    *auth.Account
	credential *auth.Credential
	profile    *auth.Profile
}

// Store holds every record in maps guarded by one lock.
type Store struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]*accountEntry
	usernames map[string]uuid.UUID
	books     map[uuid.UUID]*catalog.Book
	authors   map[uuid.UUID]*catalog.Author
	genres    map[uuid.UUID]*catalog.Genre
	instances map[uuid.UUID]*circulation.BookInstance
	events    []circulation.LoanEvent
	nextEvent int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		accounts:  make(map[uuid.UUID]*accountEntry),
		usernames: make(map[string]uuid.UUID),
		books:     make(map[uuid.UUID]*catalog.Book),
		authors:   make(map[uuid.UUID]*catalog.Author),
		genres:    make(map[uuid.UUID]*catalog.Genre),
		instances: make(map[uuid.UUID]*circulation.BookInstance),
		now:       time.Now,
	}
}

func copyAccount(a *auth.Account) *auth.Account {
	c := *a
	c.Permissions = append([]auth.Permission{}, a.Permissions...)
	return &c
}

// Accounts

func (s *Store) CreateAccount(_ context.Context, a *auth.Account, c *auth.Credential, p *auth.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.usernames[a.Username]; taken {
		return fmt.Errorf("username %q: %w", a.Username, apperr.ErrConflict)
	}
	cred := *c
	cred.AccountID = a.ID
	profile := *p
	profile.AccountID = a.ID
	s.accounts[a.ID] = &accountEntry{account: copyAccount(a), credential: &cred, profile: &profile}
	s.usernames[a.Username] = a.ID
	return nil
}

func (s *Store) GetAccount(_ context.Context, id uuid.UUID) (*auth.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[id]
	if !ok {
		return nil, apperr.NotFound("account", id)
	}
	return copyAccount(e.account), nil
}

func (s *Store) GetAccountByUsername(_ context.Context, username string) (*auth.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[username]
	if !ok {
		return nil, apperr.NotFound("account", username)
	}
	return copyAccount(s.accounts[id].account), nil
}

func (s *Store) GetCredential(_ context.Context, accountID uuid.UUID) (*auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return nil, apperr.NotFound("account", accountID)
	}
	c := *e.credential
	return &c, nil
}

func (s *Store) GetProfile(_ context.Context, accountID uuid.UUID) (*auth.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return nil, apperr.NotFound("profile", accountID)
	}
	p := *e.profile
	return &p, nil
}

func (s *Store) SetPermissions(_ context.Context, accountID uuid.UUID, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[accountID]
	if !ok {
		return apperr.NotFound("account", accountID)
	}
	e.account.Permissions = append([]auth.Permission{}, perms...)
	return nil
}

func (s *Store) DeleteAccount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.accounts[id]
	if !ok {
		return apperr.NotFound("account", id)
	}
	delete(s.usernames, e.account.Username)
	delete(s.accounts, id)
	for _, inst := range s.instances {
		if inst.BorrowerID != nil && *inst.BorrowerID == id {
			inst.BorrowerID = nil
		}
	}
	return nil
}

// Catalog

func (s *Store) CreateBook(_ context.Context, b *catalog.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.books[b.ID]; exists {
		return fmt.Errorf("book %s: %w", b.ID, apperr.ErrConflict)
	}
	s.books[b.ID] = s.normalizeBook(b)
	return nil
}

// normalizeBook copies b, dropping links to genres that do not exist.
func (s *Store) normalizeBook(b *catalog.Book) *catalog.Book {
	c := b.Clone()
	c.GenreIDs = []uuid.UUID{}
	for _, gid := range b.GenreIDs {
		if _, ok := s.genres[gid]; ok {
			c.GenreIDs = append(c.GenreIDs, gid)
		}
	}
	sort.Slice(c.GenreIDs, func(i, j int) bool { return c.GenreIDs[i].String() < c.GenreIDs[j].String() })
	return c
}

func (s *Store) GetBook(_ context.Context, id uuid.UUID) (*catalog.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return nil, apperr.NotFound("book", id)
	}
	return b.Clone(), nil
}

func (s *Store) UpdateBook(_ context.Context, b *catalog.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[b.ID]; !ok {
		return apperr.NotFound("book", b.ID)
	}
	s.books[b.ID] = s.normalizeBook(b)
	return nil
}

func (s *Store) DeleteBook(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.books[id]; !ok {
		return apperr.NotFound("book", id)
	}
	delete(s.books, id)
	for _, inst := range s.instances {
		if inst.BookID != nil && *inst.BookID == id {
			inst.BookID = nil
		}
	}
	return nil
}

func (s *Store) ListBooks(_ context.Context, f catalog.BookFilter, page paging.Request) (paging.Page[*catalog.Book], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*catalog.Book
	for _, b := range s.books {
		if !catalog.MatchBook(b, f.Tokens) {
			continue
		}
		if f.AuthorID != nil && (b.AuthorID == nil || *b.AuthorID != *f.AuthorID) {
			continue
		}
		matched = append(matched, b.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Title != matched[j].Title {
			return matched[i].Title < matched[j].Title
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})
	return paging.Slice(matched, page.Normalize(catalog.DefaultPageSize)), nil
}

func (s *Store) CountBooks(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books), nil
}

func (s *Store) CreateAuthor(_ context.Context, a *catalog.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.authors[a.ID]; exists {
		return fmt.Errorf("author %s: %w", a.ID, apperr.ErrConflict)
	}
	s.authors[a.ID] = a.Clone()
	return nil
}

func (s *Store) GetAuthor(_ context.Context, id uuid.UUID) (*catalog.Author, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authors[id]
	if !ok {
		return nil, apperr.NotFound("author", id)
	}
	return a.Clone(), nil
}

func (s *Store) UpdateAuthor(_ context.Context, a *catalog.Author) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authors[a.ID]; !ok {
		return apperr.NotFound("author", a.ID)
	}
	s.authors[a.ID] = a.Clone()
	return nil
}

func (s *Store) DeleteAuthor(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.authors[id]; !ok {
		return apperr.NotFound("author", id)
	}
	delete(s.authors, id)
	for _, b := range s.books {
		if b.AuthorID != nil && *b.AuthorID == id {
			b.AuthorID = nil
		}
	}
	return nil
}

func (s *Store) ListAuthors(_ context.Context, tokens []string, page paging.Request) (paging.Page[*catalog.Author], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*catalog.Author
	for _, a := range s.authors {
		if catalog.MatchAuthor(a, tokens) {
			matched = append(matched, a.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		x, y := matched[i], matched[j]
		if x.LastName != y.LastName {
			return x.LastName < y.LastName
		}
		if x.FirstName != y.FirstName {
			return x.FirstName < y.FirstName
		}
		return x.ID.String() < y.ID.String()
	})
	return paging.Slice(matched, page.Normalize(catalog.DefaultPageSize)), nil
}

func (s *Store) CountAuthors(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.authors), nil
}

func (s *Store) CreateGenre(_ context.Context, g *catalog.Genre) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.genres[g.ID]; exists {
		return fmt.Errorf("genre %s: %w", g.ID, apperr.ErrConflict)
	}
	c := *g
	s.genres[g.ID] = &c
	return nil
}

func (s *Store) GetGenre(_ context.Context, id uuid.UUID) (*catalog.Genre, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.genres[id]
	if !ok {
		return nil, apperr.NotFound("genre", id)
	}
	c := *g
	return &c, nil
}

func (s *Store) ListGenres(context.Context) ([]*catalog.Genre, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*catalog.Genre, 0, len(s.genres))
	for _, g := range s.genres {
		c := *g
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Name, out[j].Name) < 0 })
	return out, nil
}

func (s *Store) DeleteGenre(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.genres[id]; !ok {
		return apperr.NotFound("genre", id)
	}
	delete(s.genres, id)
	for _, b := range s.books {
		kept := b.GenreIDs[:0]
		for _, gid := range b.GenreIDs {
			if gid != id {
				kept = append(kept, gid)
			}
		}
		b.GenreIDs = kept
	}
	return nil
}

// Circulation

func (s *Store) appendEvent(e circulation.LoanEvent) {
	s.nextEvent++
	e.ID = s.nextEvent
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.events = append(s.events, e)
}

func (s *Store) CreateInstance(_ context.Context, inst *circulation.BookInstance, event circulation.LoanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("book instance %s: %w", inst.ID, apperr.ErrConflict)
	}
	inst.Version = 1
	s.instances[inst.ID] = inst.Clone()
	event.InstanceID = inst.ID
	event.Version = 1
	s.appendEvent(event)
	return nil
}

func (s *Store) GetInstance(_ context.Context, id uuid.UUID) (*circulation.BookInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, apperr.NotFound("book instance", id)
	}
	return inst.Clone(), nil
}

func (s *Store) UpdateInstance(_ context.Context, inst *circulation.BookInstance, expectedVersion int, event circulation.LoanEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[inst.ID]
	if !ok {
		return apperr.NotFound("book instance", inst.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("update instance %s at version %d: %w", inst.ID, expectedVersion, apperr.ErrConflict)
	}
	inst.Version = expectedVersion + 1
	s.instances[inst.ID] = inst.Clone()
	event.InstanceID = inst.ID
	event.Version = inst.Version
	s.appendEvent(event)
	return nil
}

func (s *Store) DeleteInstance(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return apperr.NotFound("book instance", id)
	}
	delete(s.instances, id)
	return nil
}

func (s *Store) filterInstances(f circulation.InstanceFilter) []*circulation.BookInstance {
	var out []*circulation.BookInstance
	for _, inst := range s.instances {
		if f.Matches(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// byDueDate orders instances by due date, undated ones last, then by id.
func byDueDate(items []*circulation.BookInstance) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.DueBack == nil && b.DueBack != nil:
			return false
		case a.DueBack != nil && b.DueBack == nil:
			return true
		case a.DueBack != nil && !a.DueBack.Equal(*b.DueBack):
			return a.DueBack.Before(*b.DueBack)
		}
		return a.ID.String() < b.ID.String()
	})
}

func (s *Store) ListInstances(_ context.Context, f circulation.InstanceFilter, page paging.Request) (paging.Page[*circulation.BookInstance], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.filterInstances(f)
	byDueDate(items)
	return paging.Slice(items, page.Normalize(20)), nil
}

func (s *Store) CountInstances(_ context.Context, f circulation.InstanceFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, inst := range s.instances {
		if f.Matches(inst) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LoanHistory(_ context.Context, id uuid.UUID) ([]circulation.LoanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []circulation.LoanEvent{}
	for _, e := range s.events {
		if e.InstanceID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) LoanEvents(_ context.Context, afterID int64, limit int) ([]circulation.LoanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []circulation.LoanEvent{}
	for _, e := range s.events {
		if e.ID <= afterID {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) BookExists(_ context.Context, bookID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.books[bookID]
	return ok, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}
