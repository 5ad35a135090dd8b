// Package auth verifies the bearer tokens minted by the account service.
// This service never issues end-user tokens; it only validates them and
// lifts the identity and subscription tier into the request context.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentmeter/agentmeter/internal/points"
)

// Claims is the token payload this service cares about: who is calling and
// what tier their subscription grants.
type Claims struct {
	UserID string `json:"uid"`
	Tier   string `json:"tier"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens against the shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning its claims. Tokens with an
// unknown tier are rejected here rather than deep in the admission path.
func (v *Verifier) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}
	if !points.ValidTier(points.Tier(claims.Tier)) {
		return nil, fmt.Errorf("unknown tier %q in token", claims.Tier)
	}
	return claims, nil
}

// Sign mints a token for the given identity. Production tokens come from the
// account service; this exists for service-to-service calls and tests.
func (v *Verifier) Sign(userID string, tier points.Tier, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Tier:   string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "agentmeter",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
