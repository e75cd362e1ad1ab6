// Package presign issues short-lived, self-authorizing links for object stores
// that are served by this process (memory and filesystem backends). S3 signs
// its own links.
package presign

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrLinkExpired = errors.New("link expired")
	ErrLinkInvalid = errors.New("link invalid")
)

type (
	linkClaims struct {
		jwt.RegisteredClaims
		Filename string `json:"fn,omitempty"`
	}

	Signer struct {
		secret  []byte
		baseURL string
		now     func() time.Time
	}
)

func NewSigner(secret []byte, baseURL string) *Signer {
	return &Signer{
		secret:  secret,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// URL returns {baseURL}/blobs/{key}?token=... valid for ttl.
func (s *Signer) URL(key, downloadName string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := linkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   key,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Filename: downloadName,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign link for %s: %w", key, err)
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/blobs/%s?token=%s", s.baseURL, strings.Join(segments, "/"), url.QueryEscape(token)), nil
}

// Verify checks that token authorizes key and returns the download name
// embedded at signing time.
func (s *Signer) Verify(key, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &linkClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrLinkExpired
		}
		return "", ErrLinkInvalid
	}

	claims, ok := parsed.Claims.(*linkClaims)
	if !ok || !parsed.Valid || claims.Subject != key {
		return "", ErrLinkInvalid
	}
	return claims.Filename, nil
}
