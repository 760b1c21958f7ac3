// Package auth registers accounts and turns bearer tokens into identities.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/store"
)

const minPasswordLength = 8

var emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)

// Session is what Register and Login hand back to the client.
type Session struct {
	User  user.Public `json:"user"`
	Token string      `json:"token"`
}

// Claims is the signed token payload.
type Claims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

// Config controls token issuance.
type Config struct {
	Secret     string
	Expiration time.Duration
	BcryptCost int
}

// Service implements registration, login and token verification.
type Service struct {
	users  store.Users
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds an authenticator. Secret must be non-empty.
func NewService(users store.Users, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = 7 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:  users,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		now:    time.Now,
	}, nil
}

// Register creates an account and signs a token for it.
func (s *Service) Register(ctx context.Context, email, password string) (Session, error) {
	email = normalizeEmail(email)
	if !emailPattern.MatchString(email) {
		return Session{}, apperr.New(apperr.ErrValidation, "Please provide a valid email address")
	}
	if len(password) < minPasswordLength {
		return Session{}, apperr.New(apperr.ErrValidation, fmt.Sprintf("Password must be at least %d characters long", minPasswordLength))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	created, err := s.users.CreateUser(ctx, user.User{
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return Session{}, apperr.New(apperr.ErrConflict, "Email already registered")
	}
	if err != nil {
		s.logger.Error("register failed", "error", err)
		return Session{}, apperr.Wrap(apperr.ErrPersistence, "Error registering user", err)
	}

	return s.session(created)
}

// Login verifies credentials. Unknown email and wrong password are
// indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	invalid := apperr.New(apperr.ErrUnauthenticated, "Invalid email or password")

	u, err := s.users.FindUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, invalid
	}
	if err != nil {
		s.logger.Error("login lookup failed", "error", err)
		return Session{}, apperr.Wrap(apperr.ErrPersistence, "Error logging in", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return Session{}, invalid
	}

	return s.session(u)
}

// Authenticate validates a bearer token and resolves it to a live account.
func (s *Service) Authenticate(ctx context.Context, token string) (user.Identity, error) {
	unauthorized := apperr.New(apperr.ErrUnauthenticated, "Unauthorized")
	if token == "" {
		return user.Identity{}, unauthorized
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.ID == "" {
		return user.Identity{}, unauthorized
	}

	u, err := s.users.FindUserByID(ctx, claims.ID)
	if errors.Is(err, store.ErrNotFound) {
		return user.Identity{}, unauthorized
	}
	if err != nil {
		s.logger.Error("token subject lookup failed", "error", err)
		return user.Identity{}, apperr.Wrap(apperr.ErrPersistence, "Error authenticating", err)
	}
	return u.Identity(), nil
}

// Profile returns the public view of the authenticated account.
func (s *Service) Profile(ctx context.Context, identity user.Identity) (user.Public, error) {
	u, err := s.users.FindUserByID(ctx, identity.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return user.Public{}, apperr.New(apperr.ErrNotFound, "User not found")
	}
	if err != nil {
		return user.Public{}, apperr.Wrap(apperr.ErrPersistence, "Error fetching user", err)
	}
	return u.Public(), nil
}

func (s *Service) session(u user.User) (Session, error) {
	token, err := s.sign(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u.Public(), Token: token}, nil
}

func (s *Service) sign(userID string) (string, error) {
	now := s.now()
	claims := Claims{
		ID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.Expiration)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
