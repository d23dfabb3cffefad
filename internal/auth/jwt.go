// Package auth issues and validates the bearer tokens that carry an
// inbox.Session.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/educpro/inbox"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for malformed, forged or otherwise invalid tokens.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrExpiredToken is returned when the token's expiry has passed.
	ErrExpiredToken = errors.New("auth: token expired")

	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("auth: missing token")
)

// Claims are the JWT claims of a session token. The subject is the user id.
type Claims struct {
	Email string     `json:"email,omitempty"`
	Role  inbox.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager signs and validates HMAC session tokens.
type Manager struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(secret, issuer string, expiry time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		expiry: expiry,
		now:    time.Now,
	}
}

// Issue returns a signed token for sess.
func (m *Manager) Issue(sess inbox.Session) (string, error) {
	if err := sess.Validate(); err != nil {
		return "", err
	}
	now := m.now()
	claims := Claims{
		Email: sess.Email,
		Role:  sess.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sess.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Validate parses tokenString and returns the session it carries.
func (m *Manager) Validate(tokenString string) (inbox.Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return inbox.Session{}, ErrExpiredToken
		}
		return inbox.Session{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return inbox.Session{}, ErrInvalidToken
	}

	sess := inbox.Session{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}
	if sess.Validate() != nil {
		return inbox.Session{}, ErrInvalidToken
	}
	return sess, nil
}

// Authenticate extracts and validates the token of r.
func (m *Manager) Authenticate(r *http.Request) (inbox.Session, error) {
	token := ExtractToken(r)
	if token == "" {
		return inbox.Session{}, ErrMissingToken
	}
	return m.Validate(token)
}

// ExtractToken returns the bearer token from the Authorization header, or
// the "token" query parameter used by browser websockets.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return r.URL.Query().Get("token")
}
