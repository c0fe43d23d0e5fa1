// Package signer issues and verifies time-boxed, single-use signed URLs for
// blob transfer. A grant is an HS256 token carrying the scope, target path
// and user, plus a nonce registered in the durable NonceRegistry. Verifying
// a grant consumes its nonce, so a URL can be redeemed exactly once.
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Grant scopes.
const (
	ScopeUpload   = "upload"
	ScopeDownload = "download"
)

// Claims binds a grant to its scope, user and target path.
type Claims struct {
	jwt.RegisteredClaims
	Scope  string `json:"scope"`
	UserID int64  `json:"uid"`
	Path   string `json:"path"`
	Nonce  string `json:"nonce"`
}

// Grant is the verified content of a signed URL.
type Grant struct {
	Scope  string
	UserID int64
	Path   string
}

// Signer mints and verifies grant tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	nonces *NonceRegistry
	now    func() time.Time
}

// New creates a Signer with the given HMAC secret and grant lifetime.
func New(secret []byte, ttl time.Duration, nonces *NonceRegistry) *Signer {
	return &Signer{secret: secret, ttl: ttl, nonces: nonces, now: time.Now}
}

// Sign issues a grant token for scope on path, owned by userID.
func (s *Signer) Sign(ctx context.Context, scope string, userID int64, path string) (string, error) {
	nonce, err := s.nonces.Issue(ctx, scope, s.ttl)
	if err != nil {
		return "", err
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Scope:  scope,
		UserID: userID,
		Path:   path,
		Nonce:  nonce,
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// SignURL issues a grant and appends it to base as the sole query parameter.
func (s *Signer) SignURL(ctx context.Context, base, scope string, userID int64, path string) (string, error) {
	token, err := s.Sign(ctx, scope, userID, path)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// Verify validates a grant token for the expected scope and consumes its
// nonce. The signed claims are the only trusted input: expiry and scope come
// from inside the token, never from the URL around it.
func (s *Signer) Verify(ctx context.Context, token, scope string) (*Grant, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrDenied
	}
	if !parsed.Valid || claims.Scope != scope || claims.Nonce == "" {
		return nil, ErrDenied
	}

	if err := s.nonces.Consume(ctx, claims.Nonce, scope); err != nil {
		return nil, err
	}

	return &Grant{Scope: claims.Scope, UserID: claims.UserID, Path: claims.Path}, nil
}

// VerifyURL extracts and verifies the grant token from a signed URL.
// Any query parameter besides the token is rejected outright so unsigned
// overrides can never ride along with a valid signature.
func (s *Signer) VerifyURL(ctx context.Context, rawURL, scope string) (*Grant, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrDenied
	}
	q := u.Query()
	tokens := q["token"]
	if len(tokens) != 1 || len(q) != 1 {
		return nil, ErrDenied
	}
	return s.Verify(ctx, tokens[0], scope)
}
