package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/store/dberr"
)

const (
	tableAccounts = "accounts"
	tableProfiles = "profiles"
)

type accountRow struct {
	ID           uuid.UUID `db:"id"`
	Username     string    `db:"username"`
	Email        string    `db:"email"`
	FirstName    string    `db:"first_name"`
	LastName     string    `db:"last_name"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
	IsStaff      bool      `db:"is_staff"`
	IsSuperuser  bool      `db:"is_superuser"`
	Permissions  string    `db:"permissions"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r accountRow) toDomain() *auth.Account {
	return &auth.Account{
		ID:          r.ID,
		Username:    r.Username,
		Email:       r.Email,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		IsStaff:     r.IsStaff,
		IsSuperuser: r.IsSuperuser,
		Permissions: splitPermissions(r.Permissions),
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func joinPermissions(perms []auth.Permission) string {
	names := make([]string, len(perms))
	for i, p := range perms {
		names[i] = string(p)
	}
	return strings.Join(names, ",")
}

func splitPermissions(s string) []auth.Permission {
	perms := []auth.Permission{}
	for _, name := range strings.Split(s, ",") {
		if name == "" {
			continue
		}
		perms = append(perms, auth.Permission(name))
	}
	return perms
}

func (s *Store) CreateAccount(ctx context.Context, a *auth.Account, c *auth.Credential, p *auth.Profile) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		account := goqu.Record{
			"id":            a.ID,
			"username":      a.Username,
			"email":         a.Email,
			"first_name":    a.FirstName,
			"last_name":     a.LastName,
			"password_hash": c.PasswordHash,
			"salt":          c.Salt,
			"is_staff":      a.IsStaff,
			"is_superuser":  a.IsSuperuser,
			"permissions":   joinPermissions(a.Permissions),
			"created_at":    a.CreatedAt.UTC(),
		}
		if _, err := s.exec(ctx, tx, s.dialect.Insert(tableAccounts).Rows(account).Prepared(true)); err != nil {
			if dberr.IsUniqueViolation(err) {
				return fmt.Errorf("username %q: %w", a.Username, apperr.ErrConflict)
			}
			return fmt.Errorf("insert account: %w", err)
		}

		profile := goqu.Record{
			"account_id":   a.ID,
			"phone_number": p.PhoneNumber,
			"picture":      p.Picture,
		}
		if _, err := s.exec(ctx, tx, s.dialect.Insert(tableProfiles).Rows(profile).Prepared(true)); err != nil {
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
}

func (s *Store) getAccountRow(ctx context.Context, where goqu.Expression) (*accountRow, error) {
	var row accountRow
	if err := s.get(ctx, s.db, &row, s.dialect.From(tableAccounts).Where(where)); err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*auth.Account, error) {
	row, err := s.getAccountRow(ctx, goqu.C("id").Eq(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (*auth.Account, error) {
	row, err := s.getAccountRow(ctx, goqu.C("username").Eq(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("account", username)
	}
	if err != nil {
		return nil, fmt.Errorf("get account by username: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetCredential(ctx context.Context, accountID uuid.UUID) (*auth.Credential, error) {
	row, err := s.getAccountRow(ctx, goqu.C("id").Eq(accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("account", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &auth.Credential{AccountID: row.ID, PasswordHash: row.PasswordHash, Salt: row.Salt}, nil
}

func (s *Store) GetProfile(ctx context.Context, accountID uuid.UUID) (*auth.Profile, error) {
	var p auth.Profile
	ds := s.dialect.From(tableProfiles).
		Select(goqu.C("account_id").As("accountid"), goqu.C("phone_number").As("phonenumber"), "picture").
		Where(goqu.C("account_id").Eq(accountID))
	err := s.get(ctx, s.db, &p, ds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("profile", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) SetPermissions(ctx context.Context, accountID uuid.UUID, perms []auth.Permission) error {
	stmt := s.dialect.Update(tableAccounts).
		Set(goqu.Record{"permissions": joinPermissions(perms)}).
		Where(goqu.C("id").Eq(accountID)).
		Prepared(true)
	n, err := s.exec(ctx, s.db, stmt)
	if err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("account", accountID)
	}
	return nil
}

// DeleteAccount relies on the schema's foreign keys: the profile cascades
// and book instances drop the borrower.
func (s *Store) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	n, err := s.exec(ctx, s.db, s.dialect.Delete(tableAccounts).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("account", id)
	}
	return nil
}
