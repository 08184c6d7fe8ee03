package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Icerzack/excalisync/internal/models"
)

// Claims are the token claims understood by HMACProvider.
type Claims struct {
	UserID string      `json:"user_id"`
	Name   string      `json:"name,omitempty"`
	Role   models.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// HMACProvider validates HS256 tokens signed with a shared secret.
type HMACProvider struct {
	secretKey []byte
	issuer    string
}

func NewHMACProvider(secret, issuer string) *HMACProvider {
	return &HMACProvider{secretKey: []byte(secret), issuer: issuer}
}

func (p *HMACProvider) Identify(_ context.Context, token string, claimed Identity) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return p.secretKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("token expired: %w", ErrUnauthorized)
		}
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return merge(Identity{UserID: userID, DisplayName: claims.Name, Role: claims.Role}, claimed)
}

// Sign issues a token for id, used by tooling and tests.
func (p *HMACProvider) Sign(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: id.UserID,
		Name:   id.DisplayName,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    p.issuer,
			Subject:   id.UserID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secretKey)
}
