package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the signed-in user as asserted by the identity provider.
type Identity struct {
	UserID   string `json:"uid"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photoURL,omitempty"`
}

// Claims represents JWT payload.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity extracts the user from validated claims.
func (c Claims) Identity() Identity {
	return Identity{UserID: c.Subject, Name: c.Name, Email: c.Email, PhotoURL: c.Picture}
}

// Issue signs an HS256 token for id. The service itself only verifies
// tokens; Issue serves operators and tests.
func Issue(id Identity, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	if id.UserID == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Name:    id.Name,
		Email:   id.Email,
		Picture: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	})
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("token has no subject")
	}
	return *claims, nil
}
