package auth_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locallibrary/internal/apperr"
	"locallibrary/internal/auth"
	"locallibrary/internal/store/memory"
)

func newService(t *testing.T, cfg auth.Config) (auth.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	if cfg.TokenSecret == "" {
		cfg.TokenSecret = "test-secret"
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 6000
		cfg.Burst = 100
	}
	return auth.NewService(store, cfg, nil), store
}

func register(t *testing.T, svc auth.Service, username string) *auth.Account {
	t.Helper()
	a, err := svc.Register(context.Background(), auth.RegisterInput{
		Username: username,
		Password: "s3cret-pass",
		Email:    username + "@example.com",
	})
	require.NoError(t, err)
	return a
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newService(t, auth.Config{})
	ctx := context.Background()

	account := register(t, svc, "reader")
	assert.False(t, account.IsStaff)

	session, err := svc.Login(ctx, "reader", "s3cret-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, "dashboard_customer", session.Next)

	p, err := svc.Authenticate(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, p.AccountID)
	assert.Equal(t, "reader", p.Username)

	me, profile, err := svc.Me(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", me.Email)
	assert.Equal(t, auth.DefaultProfilePicture, profile.Picture)

	_, err = svc.Login(ctx, "reader", "wrong")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Login(ctx, "nobody", "s3cret-pass")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestStaffLandOnStaffDashboard(t *testing.T) {
	svc, _ := newService(t, auth.Config{})
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, auth.CreateAccountInput{
		RegisterInput: auth.RegisterInput{Username: "librarian", Password: "pw", Email: "lib@example.com"},
		IsStaff:       true,
		Permissions:   []auth.Permission{auth.CanMarkReturned},
	})
	require.NoError(t, err)

	session, err := svc.Login(ctx, "librarian", "pw")
	require.NoError(t, err)
	assert.Equal(t, "dashboard_staff", session.Next)

	p, err := svc.Authenticate(ctx, session.Token)
	require.NoError(t, err)
	assert.True(t, p.IsStaff)
	assert.Equal(t, []auth.Permission{auth.CanMarkReturned}, p.Permissions)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t, auth.Config{})
	ctx := context.Background()
	register(t, svc, "taken")

	tests := []struct {
		name  string
		in    auth.RegisterInput
		field string
	}{
		{name: "missing username", in: auth.RegisterInput{Password: "pw", Email: "a@b.co"}, field: "username"},
		{name: "missing password", in: auth.RegisterInput{Username: "u", Email: "a@b.co"}, field: "password"},
		{name: "bad email", in: auth.RegisterInput{Username: "u", Password: "pw", Email: "not-an-email"}, field: "email"},
		{name: "long phone", in: auth.RegisterInput{Username: "u", Password: "pw", Email: "a@b.co", PhoneNumber: "01234567890"}, field: "phone_number"},
		{name: "duplicate", in: auth.RegisterInput{Username: "taken", Password: "pw", Email: "a@b.co"}, field: "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			var ferr *apperr.FieldError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.field, ferr.Field)
		})
	}
}

func TestLenientEmailPolicy(t *testing.T) {
	svc, _ := newService(t, auth.Config{EmailPolicy: auth.EmailLenient})

	a, err := svc.Register(context.Background(), auth.RegisterInput{Username: "u", Password: "pw", Email: "not-an-email"})
	require.NoError(t, err)
	assert.Equal(t, "not-an-email", a.Email)
}

func TestRateLimit(t *testing.T) {
	svc, _ := newService(t, auth.Config{RequestsPerMinute: 1, Burst: 1})
	ctx := context.Background()

	_, err := svc.Login(ctx, "nobody", "x")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = svc.Login(ctx, "nobody", "x")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestSuperuserOperations(t *testing.T) {
	svc, store := newService(t, auth.Config{})
	ctx := context.Background()
	root := &auth.Principal{AccountID: uuid.New(), IsSuperuser: true}
	member := register(t, svc, "member")

	require.NoError(t, svc.GrantPermissions(ctx, root, member.ID, []auth.Permission{auth.CanCreateBook}))
	got, err := store.GetAccount(ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, []auth.Permission{auth.CanCreateBook}, got.Permissions)

	asMember := auth.PrincipalFor(got)
	assert.ErrorIs(t, svc.GrantPermissions(ctx, asMember, member.ID, auth.AllPermissions), apperr.ErrForbidden)
	assert.ErrorIs(t, svc.DeleteAccount(ctx, asMember, member.ID), apperr.ErrForbidden)

	require.NoError(t, svc.DeleteAccount(ctx, root, member.ID))
	assert.ErrorIs(t, svc.DeleteAccount(ctx, root, member.ID), apperr.ErrNotFound)

	_, _, err = svc.Me(ctx, nil)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}
