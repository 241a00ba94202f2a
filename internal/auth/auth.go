// Package auth issues and verifies the bearer tokens that protect the job API
package auth

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenTTL is how long an issued token stays valid
	TokenTTL = 24 * time.Hour

	issuer = "opsgate"
)

var (
	// ErrInvalidCredentials is returned when login fails for any reason
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for missing, expired or forged tokens
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by an opsgate token
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// User is the public view of the authenticated account
type User struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Config contains configuration for the authenticator
type Config struct {
	Secret            string
	AdminEmail        string
	AdminPasswordHash string
}

// Authenticator checks admin credentials and signs tokens with HS256
type Authenticator struct {
	logger    *zap.Logger
	secret    []byte
	adminUser string
	adminHash []byte
	timeNow   func() time.Time
}

// New creates an authenticator. Without a configured secret a random one is
// generated, so tokens do not survive a restart.
func New(cfg Config, logger *zap.Logger) (*Authenticator, error) {
	return NewWithClock(cfg, logger, time.Now)
}

// NewWithClock creates an authenticator with an injectable clock (for testing)
func NewWithClock(cfg Config, logger *zap.Logger, timeNow func() time.Time) (*Authenticator, error) {
	logger = logger.Named("auth")

	secret := []byte(cfg.Secret)
	switch {
	case len(secret) == 0:
		logger.Warn("JWT_SECRET not set, using a random secret; tokens will not persist across restarts")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, errors.Wrap(err, "failed to generate random JWT secret")
		}
	case len(secret) < 32:
		logger.Warn("JWT_SECRET is shorter than 32 characters")
	}

	if cfg.AdminEmail == "" || cfg.AdminPasswordHash == "" {
		logger.Warn("Admin credentials not configured, login is disabled")
	}

	return &Authenticator{
		logger:    logger,
		secret:    secret,
		adminUser: strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		adminHash: []byte(cfg.AdminPasswordHash),
		timeNow:   timeNow,
	}, nil
}

// HashPassword returns the bcrypt hash for ADMIN_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}

// Login checks the credentials and returns a signed token for the admin
func (a *Authenticator) Login(email, password string) (string, User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if a.adminUser == "" || len(a.adminHash) == 0 || email != a.adminUser {
		return "", User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.adminHash, []byte(password)); err != nil {
		a.logger.Warn("Failed login attempt", zap.String("email", email), zap.Bool("security_event", true))
		return "", User{}, ErrInvalidCredentials
	}

	user := User{Email: email, Role: "admin"}
	token, err := a.GenerateToken(user)
	if err != nil {
		return "", User{}, err
	}
	a.logger.Info("User logged in", zap.String("email", email))
	return token, user, nil
}

// GenerateToken signs a token for user valid for TokenTTL
func (a *Authenticator) GenerateToken(user User) (string, error) {
	now := a.timeNow()
	claims := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   user.Email,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken parses and verifies a token
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.timeNow),
	)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "token rejected"), ErrInvalidToken)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// Middleware rejects requests without a valid bearer token. onError writes
// the rejection so callers control the error body.
func (a *Authenticator) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				onError(w, r, errors.Wrap(ErrInvalidToken, "missing bearer token"))
				return
			}

			claims, err := a.ValidateToken(token)
			if err != nil {
				onError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
