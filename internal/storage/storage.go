// Package storage resolves opaque storage keys to short-lived download URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultURLTTL is how long a signed download URL stays valid.
const DefaultURLTTL = 15 * time.Minute

// ErrInvalidKey is returned for empty or non-local storage keys.
var ErrInvalidKey = errors.New("invalid storage key")

// Resolver issues download URLs for stored objects.
type Resolver interface {
	DownloadURL(ctx context.Context, key string) (string, error)
}

// objectClaims binds a signed URL to one storage key.
type objectClaims struct {
	Key string `json:"key"`
	jwt.RegisteredClaims
}

// SignedURLResolver signs URLs of the form <base>/<key>?token=<jwt>.
type SignedURLResolver struct {
	baseURL *url.URL
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

// NewSignedURLResolver creates a resolver for objects served under baseURL.
func NewSignedURLResolver(baseURL, secret string, ttl time.Duration) (*SignedURLResolver, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid storage base URL %q", baseURL)
	}
	if secret == "" {
		return nil, fmt.Errorf("storage signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &SignedURLResolver{baseURL: u, secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// DownloadURL returns a signed URL for key.
func (r *SignedURLResolver) DownloadURL(_ context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	now := r.now()
	claims := &objectClaims{
		Key: key,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download URL: %w", err)
	}

	u := *r.baseURL
	u.Path = u.Path + "/" + key
	u.RawQuery = url.Values{"token": []string{token}}.Encode()
	return u.String(), nil
}

// Verify checks that token was issued by this resolver for key and has not expired.
func (r *SignedURLResolver) Verify(token, key string) error {
	claims := &objectClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil {
		return fmt.Errorf("invalid download token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("download token is not valid")
	}
	if claims.Key != key {
		return fmt.Errorf("download token was issued for a different key")
	}
	return nil
}

// cleanKey rejects keys that could escape the storage root
func cleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return key, nil
}
