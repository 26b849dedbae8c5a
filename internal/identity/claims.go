// Package identity issues, validates and reads the session tokens that carry the user id.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken   = errors.New("identity: token required")
	ErrInvalidToken   = errors.New("identity: invalid token")
	ErrExpiredToken   = errors.New("identity: token expired")
	ErrMissingSubject = errors.New("identity: subject required")
)

// Claims is the signed-in user as carried by a session token.
type Claims struct {
	UserID      string
	Email       string
	DisplayName string
	ExpiresAt   time.Time
}

// tokenClaims is the JWT payload layout.
type tokenClaims struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c tokenClaims) identity() Claims {
	claims := Claims{
		UserID:      strings.TrimSpace(c.Subject),
		Email:       c.Email,
		DisplayName: c.DisplayName,
	}
	if c.ExpiresAt != nil {
		claims.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return claims
}

// ClaimsFromToken reads the user identity from a session token without verifying its signature.
// Clients use it to learn their own user id; the server verifies the token on every connection.
func ClaimsFromToken(tokenString string, now time.Time) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	parsed := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, parsed); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims := parsed.identity()
	if claims.UserID == "" {
		return Claims{}, ErrMissingSubject
	}
	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}
