package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	ErrMissingToken    = errors.New("missing token")
	ErrInvalidToken    = errors.New("invalid token")
	ErrSubjectMismatch = errors.New("token subject does not match username")
	ErrRevoked         = errors.New("token has been revoked")
)

// Validator resolves the identity a client may use. It is called for every
// authenticate event; the registry still applies its own identity rules afterwards.
type Validator interface {
	Validate(ctx context.Context, username, token string) (string, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, username, token string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, username, token string) (string, error) {
	return f(ctx, username, token)
}

// Trust accepts the claimed username as the identity.
var Trust = ValidatorFunc(func(_ context.Context, username, _ string) (string, error) {
	return username, nil
})

// Claims is the JWT body accepted by JWTValidator. The subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator checks HMAC-signed tokens and a Redis revocation list keyed by token ID.
type JWTValidator struct {
	secret        []byte
	revocationKey string
	redisClient   *redis.Client
	log           zerolog.Logger
}

// NewJWTValidator creates a validator. redisClient may be nil, which disables revocation checks.
func NewJWTValidator(secret, revocationKey string, redisClient *redis.Client, log zerolog.Logger) *JWTValidator {
	return &JWTValidator{
		secret:        []byte(secret),
		revocationKey: revocationKey,
		redisClient:   redisClient,
		log:           log,
	}
}

// Validate parses the token and returns its subject. An empty username adopts the
// subject; a non-empty one must equal it.
func (v *JWTValidator) Validate(ctx context.Context, username, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	claims, err := v.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if username != "" && username != claims.Subject {
		return "", ErrSubjectMismatch
	}
	return claims.Subject, nil
}

// ValidateToken checks the signature, standard claims such as expiry, and the revocation list.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open so a Redis outage does not lock every user out.
		v.log.Error().Err(err).Msg("failed to check token revocation status")
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke adds a token ID to the revocation list until ttl elapses.
func (v *JWTValidator) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if v.redisClient == nil {
		return errors.New("revocation requires redis")
	}
	return v.redisClient.Set(ctx, v.revocationKeyFor(jti), 1, ttl).Err()
}

func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil {
		return false, nil
	}
	if jti == "" {
		v.log.Debug().Msg("token has no jti claim, skipping revocation check")
		return false, nil
	}

	exists, err := v.redisClient.Exists(ctx, v.revocationKeyFor(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}

func (v *JWTValidator) revocationKeyFor(jti string) string {
	return fmt.Sprintf("%s:%s", v.revocationKey, jti)
}
