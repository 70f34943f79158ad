// Package auth guards the link endpoint with a shared bearer token.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMissingToken = errors.New("auth: missing bearer token")
)

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts a single shared token. An empty token denies everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// AllowAll accepts any token, including none. Used when a node has no token
// configured.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// ForToken picks StaticToken for a configured token and AllowAll otherwise.
func ForToken(token string) Validator {
	if strings.TrimSpace(token) == "" {
		return AllowAll{}
	}
	return StaticToken{Token: token}
}

// BearerToken reads the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Request validates the bearer token of r. AllowAll passes requests that
// carry no token at all.
func Request(v Validator, r *http.Request) error {
	token, err := BearerToken(r)
	if err != nil {
		if _, open := v.(AllowAll); open {
			return nil
		}
		return ErrUnauthorized
	}
	return v.Validate(token)
}

// SetBearer adds the Authorization header for token to h when token is set.
func SetBearer(h http.Header, token string) {
	if token = strings.TrimSpace(token); token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
}
