package middleware

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// NewJWTValidator returns a TokenValidator for HS256 access tokens signed
// with secret. Expiry is enforced by the jwt library.
func NewJWTValidator(secret string) TokenValidator {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(token string) (*Claims, error) {
		var tc tokenClaims
		if _, err := parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
			return key, nil
		}); err != nil {
			return nil, fmt.Errorf("parse access token: %w", err)
		}

		userID := tc.UserID
		if userID == "" {
			userID = tc.Subject
		}
		if userID == "" {
			return nil, fmt.Errorf("access token has no subject")
		}
		return &Claims{UserID: userID, Role: tc.Role}, nil
	}
}
