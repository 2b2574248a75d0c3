package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"locallibrary/internal/apperr"
	"locallibrary/internal/validation"
)

// EmailPolicy decides what registration does with a malformed email.
type EmailPolicy string

const (
	// EmailStrict rejects malformed addresses.
	EmailStrict EmailPolicy = "strict"
	// EmailLenient accepts any address and only logs the malformed ones.
	EmailLenient EmailPolicy = "lenient"
)

const (
	nextStaffDashboard    = "dashboard_staff"
	nextCustomerDashboard = "dashboard_customer"
)

// Config tunes the account service.
type Config struct {
	TokenSecret       string
	TokenTTL          time.Duration
	RequestsPerMinute int
	Burst             int
	EmailPolicy       EmailPolicy
}

// service implements the Service interface.
type service struct {
	repo        Repository
	tokens      tokenSigner
	rateLimiter *rate.Limiter
	emailPolicy EmailPolicy
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a new account service instance.
func NewService(repo Repository, cfg Config, logger *slog.Logger) Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.EmailPolicy == "" {
		cfg.EmailPolicy = EmailStrict
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &service{
		repo:        repo,
		tokens:      tokenSigner{secret: []byte(cfg.TokenSecret), ttl: cfg.TokenTTL},
		rateLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.Burst),
		emailPolicy: cfg.EmailPolicy,
		logger:      logger,
		now:         time.Now,
	}
}

// Register creates a customer account with its profile.
func (s *service) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	if !s.rateLimiter.Allow() {
		return nil, apperr.ErrRateLimited
	}
	return s.create(ctx, CreateAccountInput{RegisterInput: in})
}

// CreateAccount creates an account without rate limiting; operators use it
// to seed staff.
func (s *service) CreateAccount(ctx context.Context, in CreateAccountInput) (*Account, error) {
	return s.create(ctx, in)
}

func (s *service) create(ctx context.Context, in CreateAccountInput) (*Account, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := validation.Struct(in.RegisterInput); err != nil {
		return nil, err
	}
	if err := s.checkEmail(in.Email); err != nil {
		return nil, err
	}

	passwordHash, salt, err := hashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id := uuid.New()
	account := &Account{
		ID:          id,
		Username:    in.Username,
		Email:       in.Email,
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		IsStaff:     in.IsStaff || in.IsSuperuser,
		IsSuperuser: in.IsSuperuser,
		Permissions: append([]Permission(nil), in.Permissions...),
		CreatedAt:   s.now().UTC(),
	}
	credential := &Credential{AccountID: id, PasswordHash: passwordHash, Salt: salt}
	profile := &Profile{AccountID: id, PhoneNumber: in.PhoneNumber, Picture: in.Picture}
	if profile.Picture == "" {
		profile.Picture = DefaultProfilePicture
	}

	if err := s.repo.CreateAccount(ctx, account, credential, profile); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return nil, apperr.Field("username", "a user with that username already exists")
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("account registered", "account_id", id, "username", account.Username, "staff", account.IsStaff)
	return account, nil
}

// checkEmail applies the configured email policy.
func (s *service) checkEmail(email string) error {
	err := validation.Var("email", email, "required,email")
	if err == nil {
		return nil
	}
	if s.emailPolicy == EmailLenient {
		s.logger.Warn("accepting malformed email address", "email", email, "error", err)
		return nil
	}
	return err
}

// Login verifies credentials and issues a session token.
func (s *service) Login(ctx context.Context, username, password string) (*Session, error) {
	if !s.rateLimiter.Allow() {
		return nil, apperr.ErrRateLimited
	}

	account, err := s.repo.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrUnauthenticated
		}
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	credential, err := s.repo.GetCredential(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	ok, err := verifyPassword(password, credential.Salt, credential.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		s.logger.Info("login rejected", "username", account.Username)
		return nil, apperr.ErrUnauthenticated
	}

	token, expiresAt, err := s.tokens.issue(account.ID, s.now())
	if err != nil {
		return nil, err
	}

	next := nextCustomerDashboard
	if account.IsStaff {
		next = nextStaffDashboard
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Next: next}, nil
}

// Authenticate resolves a session token to a principal. The account is
// reloaded so permission changes apply immediately.
func (s *service) Authenticate(ctx context.Context, token string) (*Principal, error) {
	id, err := s.tokens.verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}

	account, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrUnauthenticated
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return PrincipalFor(account), nil
}

// Me returns the caller's account and profile.
func (s *service) Me(ctx context.Context, p *Principal) (*Account, *Profile, error) {
	if err := RequireAuthenticated(p); err != nil {
		return nil, nil, err
	}
	account, err := s.repo.GetAccount(ctx, p.AccountID)
	if err != nil {
		return nil, nil, err
	}
	profile, err := s.repo.GetProfile(ctx, p.AccountID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, nil, err
	}
	return account, profile, nil
}

// GrantPermissions replaces the explicit permission set of an account.
func (s *service) GrantPermissions(ctx context.Context, p *Principal, accountID uuid.UUID, perms []Permission) error {
	if err := RequireSuperuser(p); err != nil {
		return err
	}
	if err := s.repo.SetPermissions(ctx, accountID, perms); err != nil {
		return err
	}
	s.logger.Info("permissions updated", "account_id", accountID, "by", p.AccountID, "permissions", perms)
	return nil
}

// DeleteAccount removes an account. Loans it held keep their instance but
// lose the borrower reference.
func (s *service) DeleteAccount(ctx context.Context, p *Principal, accountID uuid.UUID) error {
	if err := RequireSuperuser(p); err != nil {
		return err
	}
	if err := s.repo.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	s.logger.Info("account deleted", "account_id", accountID, "by", p.AccountID)
	return nil
}
