// Package storage issues time-limited signed URLs for catalog assets and
// reads asset bytes from S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultURLExpiry is how long an issued grant stays valid
const DefaultURLExpiry = time.Hour

var (
	ErrIssuanceFailed = errors.New("signed url issuance failed")
	ErrBadToken       = errors.New("bad token")
	ErrBadSignature   = errors.New("invalid signature")
	ErrExpired        = errors.New("grant expired")
	ErrNotFound       = errors.New("object not found")
	ErrAccessDenied   = errors.New("access denied")
)

// Signer produces a URL granting read access to key for ttl
type Signer interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (*url.URL, error)
}

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Size        int64
	ContentType string
	ETag        string
}

// Getter reads object bytes. Callers close the returned reader.
type Getter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
}

// Grant is an ephemeral read capability for one asset
type Grant struct {
	ID        string
	AssetKey  string
	URL       string
	ExpiresAt time.Time
}

// Issuer attaches fresh grants to asset keys
type Issuer struct {
	signer Signer
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer whose grants last ttl (DefaultURLExpiry when zero)
func NewIssuer(signer Signer, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultURLExpiry
	}
	return &Issuer{signer: signer, ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of issued grants
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a new grant for assetKey. Every call yields an independent grant.
// The issuer does not check that the object exists.
func (i *Issuer) Issue(ctx context.Context, assetKey string) (Grant, error) {
	if strings.TrimSpace(assetKey) == "" {
		return Grant{}, fmt.Errorf("%w: empty asset key", ErrIssuanceFailed)
	}

	issuedAt := i.now()
	u, err := i.signer.Sign(ctx, assetKey, i.ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %s: %w", ErrIssuanceFailed, assetKey, err)
	}

	return Grant{
		ID:        uuid.NewString(),
		AssetKey:  assetKey,
		URL:       u.String(),
		ExpiresAt: issuedAt.Add(i.ttl),
	}, nil
}
