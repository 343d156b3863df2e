// Package auth provides minimal bearer-token authentication helpers.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and proofs of concept.
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

// FromToken returns a StaticToken validator, or nil when token is empty.
func FromToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return StaticToken{Token: token}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Check validates the bearer token on r. A nil validator admits everything.
func Check(v Validator, r *http.Request) error {
	if v == nil {
		return nil
	}
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return ErrUnauthorized
	}
	return v.Validate(token)
}

// Require wraps next with bearer-token validation.
func Require(v Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := Check(v, r); err != nil {
			log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthorized request")
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middleware is the gin form of Require.
func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := Check(v, c.Request); err != nil {
			log.Warn().Str("path", c.Request.URL.Path).Str("remote", c.ClientIP()).Msg("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}
