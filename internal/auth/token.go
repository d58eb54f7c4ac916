package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Caller roles carried in the token.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

// ErrInvalidToken is returned by Parse for any token that fails verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims identify the caller of a request.
type Claims struct {
	AccountID string
	Role      string
}

// TokenManager issues and verifies signed JWTs.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenManager creates a manager with the provided secret, issuer, and lifetime.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
	}
}

// Generate issues a signed JWT for an account acting in role.
func (t *TokenManager) Generate(accountID, role string) (string, error) {
	if role != RoleMember && role != RoleAdmin {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":  t.issuer,
		"sub":  accountID,
		"role": role,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse verifies signature, issuer and lifetime and returns the caller.
func (t *TokenManager) Parse(raw string) (Claims, error) {
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := mc.GetSubject()
	role, _ := mc["role"].(string)
	if sub == "" || (role != RoleMember && role != RoleAdmin) {
		return Claims{}, ErrInvalidToken
	}
	return Claims{AccountID: sub, Role: role}, nil
}
