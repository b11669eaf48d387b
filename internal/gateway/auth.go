package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the security context attached to an authenticated connection.
type Principal struct {
	Subject string
	Role    string
}

// Authenticator validates a bearer credential and resolves its principal.
type Authenticator interface {
	Authenticate(token string) (*Principal, error)
}

// JWTAuthenticator validates HMAC-signed bearer tokens.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate parses and verifies a token, returning its subject and role.
func (a *JWTAuthenticator) Authenticate(token string) (*Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	role, _ := claims["role"].(string)

	return &Principal{Subject: subject, Role: role}, nil
}

// Issue signs a token for subject with the given role and lifetime.
func (a *JWTAuthenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

// BearerToken extracts the credential from an Authorization header value.
// Returns "" when the header is absent or not a bearer scheme.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
