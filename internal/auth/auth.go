// Package auth registers and authenticates users and issues the signed
// session tokens the gateway verifies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/models"
)

// Issuer is the iss claim of every token this package signs.
const Issuer = "fruitdrive"

// DefaultTokenTTL is used when Config.TokenTTL is zero.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Config holds the signing parameters.
type Config struct {
	Secret     string
	TokenTTL   time.Duration
	BcryptCost int
}

// Session is a signed token together with the user it was issued for.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Service implements registration, login and token verification.
type Service struct {
	users    metadata.UserStore
	secret   []byte
	ttl      time.Duration
	cost     int
	validate *validator.Validate
	now      func() time.Time
}

// New creates an auth service backed by users.
func New(users metadata.UserStore, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		users:    users,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TokenTTL,
		cost:     cfg.BcryptCost,
		validate: validator.New(),
		now:      time.Now,
	}
}

type credentials struct {
	Email    string `validate:"required,email,max=254"`
	Password string `validate:"required"`
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user. The password is stored only as a bcrypt hash.
func (s *Service) Register(ctx context.Context, email, password string) (*models.User, error) {
	creds := credentials{Email: NormalizeEmail(email), Password: password}
	if err := s.validate.Struct(creds); err != nil {
		metrics.RecordAuthAttempt("register", false)
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidInput, describe(err))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		metrics.RecordAuthAttempt("register", false)
		return nil, fmt.Errorf("%w: password longer than 72 bytes", models.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.CreateUser(ctx, creds.Email, string(hashed))
	if err != nil {
		metrics.RecordAuthAttempt("register", false)
		return nil, err
	}
	metrics.RecordAuthAttempt("register", true)
	logging.WithContext(ctx).Info("user registered", zap.Int64("user_id", u.ID))
	return u, nil
}

// Authenticate checks the credentials and issues a session.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*Session, error) {
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		metrics.RecordAuthAttempt("login", false)
		return nil, fmt.Errorf("%w: email and password required", models.ErrInvalidInput)
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, models.ErrNotFound) {
		metrics.RecordAuthAttempt("login", false)
		return nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		metrics.RecordAuthAttempt("login", false)
		return nil, models.ErrInvalidCredentials
	}

	token, expiresAt, err := s.IssueToken(u)
	if err != nil {
		return nil, err
	}
	metrics.RecordAuthAttempt("login", true)
	return &Session{Token: token, ExpiresAt: expiresAt, User: u}, nil
}

// IssueToken signs a token for u.
func (s *Service) IssueToken(u *models.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		UserID: u.ID,
		Email:  u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Verify validates a token and returns the identity it carries.
func (s *Service) Verify(tokenStr string) (*models.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID <= 0 {
		return nil, models.ErrInvalidToken
	}
	return &models.Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// describe names the first failing field without echoing its value.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return strings.ToLower(fe.Field()) + " failed " + fe.Tag() + " check"
	}
	return err.Error()
}
