package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/t77yq/opsgate/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T) (*Authenticator, *testutil.Clock) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	clock := testutil.NewClock(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	a, err := NewWithClock(Config{
		Secret:            testSecret,
		AdminEmail:        "Admin@Example.com",
		AdminPasswordHash: string(hash),
	}, zap.NewNop(), clock.Now)
	require.NoError(t, err)
	return a, clock
}

func TestLogin(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	token, user, err := a.Login(" admin@example.com ", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, User{Email: "admin@example.com", Role: "admin"}, user)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)

	_, _, err = a.Login("admin@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = a.Login("someone@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginDisabledWithoutAdmin(t *testing.T) {
	a, err := New(Config{Secret: testSecret}, zap.NewNop())
	require.NoError(t, err)

	_, _, err = a.Login("", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken(t *testing.T) {
	a, clock := newTestAuthenticator(t)

	token, err := a.GenerateToken(User{Email: "admin@example.com", Role: "admin"})
	require.NoError(t, err)

	t.Run("Expired", func(t *testing.T) {
		clock.Advance(TokenTTL + time.Second)
		_, err := a.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("OtherSecret", func(t *testing.T) {
		other, err := New(Config{}, zap.NewNop())
		require.NoError(t, err)
		_, err = other.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongAlgorithm", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		_, err = a.ValidateToken(forged)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := a.ValidateToken("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMiddleware(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	token, err := a.GenerateToken(User{Email: "admin@example.com", Role: "admin"})
	require.NoError(t, err)

	var rejected error
	handler := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		rejected = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "admin@example.com", claims.Email)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("Valid", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("Missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.ErrorIs(t, rejected, ErrInvalidToken)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", "Basic "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}
