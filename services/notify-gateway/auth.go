package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Authenticator validates subscriber bearer tokens. Tokens are HS256 JWTs
// issued by the application backend; the subject identifies the user.
type Authenticator struct {
	secret []byte
	issuer string
	nowFn  func() time.Time
}

func NewAuthenticator(secret, issuer string, nowFn func() time.Time) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: strings.TrimSpace(issuer),
		nowFn:  nowFn,
	}
}

var errMissingToken = errors.New("missing bearer token")

// Authenticate extracts and verifies the request token, returning the subject.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		// Websocket clients cannot set headers from browsers, so the token
		// may ride in the query string instead.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", errMissingToken
	}
	return a.verify(token)
}

func (a *Authenticator) verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.nowFn),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if a.issuer != "" && claims.Issuer != a.issuer {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token missing subject")
	}
	return claims.Subject, nil
}

func extractBearer(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
