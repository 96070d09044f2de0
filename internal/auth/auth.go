// Package auth turns bearer tokens into trusted user ids. The call core only
// ever sees the id; how it was proven stays here.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/petervdpas/goopcall/internal/util"
)

const Issuer = "goopcall"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoSecret     = errors.New("no signing secret configured")
)

// Claims is the token payload. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with one shared secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret), now: time.Now}, nil
}

// Verify returns the user id the token was issued to.
func (v *Verifier) Verify(token string) (string, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	id, err := util.ValidateUserID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: subject: %v", ErrUnauthorized, err)
	}
	return id, nil
}

// Mint issues a token for userID valid for ttl.
func (v *Verifier) Mint(userID string, ttl time.Duration) (string, error) {
	id, err := util.ValidateUserID(userID)
	if err != nil {
		return "", err
	}
	now := v.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   id,
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
