package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"opendrama/internal/services"
)

// bearerAuth validates "Authorization: Bearer <token>". An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}

// CallbackClaims are carried by provider callback tokens. Subject is the
// provider task handle the callback reports on.
type CallbackClaims struct {
	jwt.RegisteredClaims
}

// SignCallback issues a callback token for handle. Providers that cannot sign
// JWTs themselves are given one per task at submission time.
func SignCallback(secret, handle string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = handle
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, CallbackClaims{RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}

// verifyCallback checks the HS256 signature and expiry of the bearer token
// and returns the task handle it was issued for.
func verifyCallback(secret string, r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	claims := &CallbackClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// requestContext copies chi's request ID into the service context so log
// lines emitted deeper in the stack carry it.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(services.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func callbackMismatch(token, body string) error {
	return fmt.Errorf("token issued for %q but body reports %q", token, body)
}
