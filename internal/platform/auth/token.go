package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// Claims are the session token claims. The subject is the user id.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller carried in a request context.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Issuer signs and validates HS256 session tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret), now: time.Now}
}

// Issue returns a signed token for the user that expires after ttl. Every
// token carries a fresh jti.
func (i *Issuer) Issue(userID, email, role string, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: email,
		Role:  role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the signature and expiry of tokenStr. It returns
// sentinel.ErrTokenExpired for expired tokens and sentinel.ErrInvalidToken
// for everything else. No identity is returned on failure.
func (i *Issuer) Validate(tokenStr string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, sentinel.ErrTokenExpired
		}
		return Identity{}, sentinel.ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, sentinel.ErrInvalidToken
	}

	return Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}
