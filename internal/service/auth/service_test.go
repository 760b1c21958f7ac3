package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/store/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(memory.New(), Config{
		Secret:     "test-secret",
		Expiration: time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestRegisterLoginAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, " User@Example.com ", "password1234")
	require.NoError(t, err)
	require.Equal(t, "user@example.com", session.User.Email)
	require.NotEmpty(t, session.Token)

	login, err := svc.Login(ctx, "user@example.com", "password1234")
	require.NoError(t, err)
	require.Equal(t, session.User.ID, login.User.ID)

	identity, err := svc.Authenticate(ctx, login.Token)
	require.NoError(t, err)
	require.Equal(t, session.User.ID, identity.UserID)
	require.Equal(t, "user@example.com", identity.Email)

	profile, err := svc.Profile(ctx, identity)
	require.NoError(t, err)
	require.Equal(t, identity.Email, profile.Email)
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "password1234")
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Register(ctx, "user@example.com", "short")
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Register(ctx, "user@example.com", "password1234")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "USER@example.com", "password1234")
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Equal(t, "Email already registered", apperr.Message(err))
}

func TestLoginFailuresLookAlike(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user@example.com", "password1234")
	require.NoError(t, err)

	_, wrongPassword := svc.Login(ctx, "user@example.com", "password9999")
	_, unknownEmail := svc.Login(ctx, "nobody@example.com", "password1234")
	require.ErrorIs(t, wrongPassword, apperr.ErrUnauthenticated)
	require.ErrorIs(t, unknownEmail, apperr.ErrUnauthenticated)
	require.Equal(t, apperr.Message(wrongPassword), apperr.Message(unknownEmail))
}

func TestAuthenticateRejects(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "password1234")
	require.NoError(t, err)

	t.Run("empty", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "")
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.Authenticate(ctx, "not.a.token")
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewService(memory.New(), Config{Secret: "other", BcryptCost: bcrypt.MinCost}, nil)
		require.NoError(t, err)
		token, err := other.sign(session.User.ID)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, token)
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})

	t.Run("expired", func(t *testing.T) {
		svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { svc.now = time.Now }()
		_, err := svc.Authenticate(ctx, session.Token)
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})

	t.Run("unknown subject", func(t *testing.T) {
		token, err := svc.sign("ghost")
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, token)
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})

	t.Run("alg none", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			ID: session.User.ID,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Authenticate(ctx, token)
		require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	})
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", BearerToken("Bearer abc"))
	require.Equal(t, "abc", BearerToken("bearer  abc "))
	require.Empty(t, BearerToken("Basic abc"))
	require.Empty(t, BearerToken(""))
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService(memory.New(), Config{}, nil)
	require.Error(t, err)
}
