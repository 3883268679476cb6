// ABOUTME: JWT verification and minting for identity and session-scoped credentials
// ABOUTME: Uses HS256 signing with configurable secrets

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrSessionScope = errors.New("token not scoped to session")
)

// ScopedAudience is the aud claim on credentials minted for the backend.
const ScopedAudience = "consult-backend"

// TokenVerifier defines the interface for identity token verification
type TokenVerifier interface {
	Verify(tokenString string) (principalID string, err error)
}

// ScopedClaims are carried by a session-scoped backend credential.
type ScopedClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	// Validate the signing method is HS256
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

func classifyParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

// Verify validates the token and extracts the principal ID from the "sub" claim
func (v *JWTVerifier) Verify(tokenString string) (principalID string, err error) {
	token, err := jwt.Parse(tokenString, v.keyFunc)
	if err != nil {
		return "", classifyParseError(err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new JWT token for the given principal ID with expiration
func (v *JWTVerifier) Generate(principalID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principalID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// GenerateScoped mints a backend credential bound to one session.
func (v *JWTVerifier) GenerateScoped(principalID, sessionID string, expiresIn time.Duration) (string, *ScopedClaims, error) {
	now := time.Now().Truncate(time.Second)
	claims := &ScopedClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Audience:  jwt.ClaimStrings{ScopedAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing scoped token: %w", err)
	}
	return signed, claims, nil
}

// VerifyScoped validates a backend credential. When sessionID is non-empty
// the token's sid claim must match it.
func (v *JWTVerifier) VerifyScoped(tokenString, sessionID string) (*ScopedClaims, error) {
	claims := &ScopedClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc, jwt.WithAudience(ScopedAudience))
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.SessionID == "" {
		return nil, fmt.Errorf("%w: sid", ErrMissingClaim)
	}
	if sessionID != "" && claims.SessionID != sessionID {
		return nil, ErrSessionScope
	}
	return claims, nil
}
