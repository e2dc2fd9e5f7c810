package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims}).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestJWTValidator_Validate(t *testing.T) {
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	testCases := []struct {
		name     string
		username string
		token    func(t *testing.T) string
		want     string
		wantErr  error
	}{
		{
			name:     "matching subject",
			username: "alice",
			token: func(t *testing.T) string {
				return sign(t, testSecret, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future})
			},
			want: "alice",
		},
		{
			name: "empty username adopts subject",
			token: func(t *testing.T) string {
				return sign(t, testSecret, jwt.RegisteredClaims{Subject: "bob", ExpiresAt: future})
			},
			want: "bob",
		},
		{
			name:     "subject mismatch",
			username: "mallory",
			token: func(t *testing.T) string {
				return sign(t, testSecret, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future})
			},
			wantErr: ErrSubjectMismatch,
		},
		{
			name:     "expired",
			username: "alice",
			token: func(t *testing.T) string {
				return sign(t, testSecret, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: past})
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:     "wrong secret",
			username: "alice",
			token: func(t *testing.T) string {
				return sign(t, "other", jwt.RegisteredClaims{Subject: "alice", ExpiresAt: future})
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:     "missing subject",
			username: "alice",
			token: func(t *testing.T) string {
				return sign(t, testSecret, jwt.RegisteredClaims{ExpiresAt: future})
			},
			wantErr: ErrInvalidToken,
		},
		{
			name:     "missing token",
			username: "alice",
			token:    func(*testing.T) string { return "" },
			wantErr:  ErrMissingToken,
		},
	}

	v := NewJWTValidator(testSecret, "jwt:revoked", nil, zerolog.Nop())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tc.username, tc.token(t))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJWTValidator_Revocation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	v := NewJWTValidator(testSecret, "jwt:revoked", client, zerolog.Nop())
	token := sign(t, testSecret, jwt.RegisteredClaims{
		ID:        "token-1",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	_, err := v.Validate(context.Background(), "alice", token)
	require.NoError(t, err)

	require.NoError(t, v.Revoke(context.Background(), "token-1", time.Hour))
	assert.True(t, mr.Exists("jwt:revoked:token-1"))

	_, err = v.Validate(context.Background(), "alice", token)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestJWTValidator_RedisOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	v := NewJWTValidator(testSecret, "jwt:revoked", client, zerolog.Nop())
	token := sign(t, testSecret, jwt.RegisteredClaims{
		ID:        "token-2",
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	got, err := v.Validate(context.Background(), "alice", token)
	require.NoError(t, err)
	assert.Equal(t, "alice", got)
}

func TestTrust(t *testing.T) {
	got, err := Trust.Validate(context.Background(), "anyone", "")
	require.NoError(t, err)
	assert.Equal(t, "anyone", got)
}
