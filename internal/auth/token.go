// Package auth turns bearer tokens issued by the attendance backend into a
// domain.Identity. The Recognition Service verifies every token it receives;
// this process only needs to know who is driving a session.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

var (
	// ErrInvalidToken is returned when token validation fails
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when token is expired
	ErrExpiredToken = errors.New("token expired")
	// ErrInvalidClaims is returned when claims are invalid
	ErrInvalidClaims = errors.New("invalid claims")
)

// UserID accepts both numeric and string user ids.
type UserID = domain.ExternalID

// Claims are the access-token claims this process reads.
type Claims struct {
	UserID    UserID `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) subject() string {
	if c.UserID != "" {
		return string(c.UserID)
	}
	return c.Subject
}

// Verifier parses access tokens. Without a secret the signature is not
// checked (the Recognition Service does that); expiry always is.
type Verifier struct {
	secretKey []byte
	issuer    string
	expiresIn time.Duration
	now       func() time.Time
}

func NewVerifier(secretKey, issuer string, expiresIn time.Duration) *Verifier {
	v := &Verifier{
		issuer:    issuer,
		expiresIn: expiresIn,
		now:       time.Now,
	}
	if secretKey != "" {
		v.secretKey = []byte(secretKey)
	}
	return v
}

// Verifies reports whether signatures are checked locally.
func (v *Verifier) Verifies() bool {
	return v.secretKey != nil
}

// Identity validates tokenString and returns the identity it carries.
func (v *Verifier) Identity(tokenString string) (domain.Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	if v.secretKey != nil {
		opts := []jwt.ParserOption{jwt.WithTimeFunc(v.now)}
		if v.issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.issuer))
		}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			// Verify signing method
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return v.secretKey, nil
		}, opts...)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return domain.Identity{}, ErrExpiredToken
			}
			return domain.Identity{}, ErrInvalidToken
		}
		if !token.Valid {
			return domain.Identity{}, ErrInvalidClaims
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
			return domain.Identity{}, ErrInvalidToken
		}
		if claims.ExpiresAt != nil && v.now().After(claims.ExpiresAt.Time) {
			return domain.Identity{}, ErrExpiredToken
		}
	}

	if claims.TokenType != "" && claims.TokenType != "access" {
		return domain.Identity{}, ErrInvalidClaims
	}

	userID := claims.subject()
	if userID == "" {
		return domain.Identity{}, ErrInvalidClaims
	}

	identity := domain.Identity{
		UserID: userID,
		Email:  claims.Email,
		Role:   claims.Role,
		Token:  tokenString,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// GenerateToken signs an access token for local development kiosks. It
// needs a secret.
func (v *Verifier) GenerateToken(userID, email, role string) (string, error) {
	if v.secretKey == nil {
		return "", errors.New("generate token: no signing secret configured")
	}

	now := v.now()
	claims := Claims{
		UserID:    UserID(userID),
		Email:     email,
		Role:      role,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.expiresIn)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}
