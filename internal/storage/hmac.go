package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AssetPathPrefix is where proxy-mode grants point
const AssetPathPrefix = "/assets/"

// HMACSigner issues grants for this service's own asset endpoint.
// Expiry is enforced by Verify, which the asset handler calls on every request.
type HMACSigner struct {
	Secret  []byte
	BaseURL string // eg., http://localhost:8080
	Now     func() time.Time
}

func (h HMACSigner) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h HMACSigner) mac(key, expires, nonce string) string {
	msg := strings.Join([]string{key, expires, nonce}, "|")
	mac := hmac.New(sha256.New, h.Secret)
	mac.Write([]byte(msg))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign implements Signer
func (h HMACSigner) Sign(_ context.Context, key string, ttl time.Duration) (*url.URL, error) {
	if len(h.Secret) == 0 {
		return nil, errors.New("signing secret not configured")
	}
	u, err := url.Parse(h.BaseURL)
	if err != nil {
		return nil, err
	}

	expires := strconv.FormatInt(h.now().Add(ttl).Unix(), 10)
	nonce := uuid.NewString()

	u = u.JoinPath(AssetPathPrefix, key)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("nonce", nonce)
	q.Set("signature", h.mac(key, expires, nonce))
	u.RawQuery = q.Encode()
	return u, nil
}

// Verify checks a grant's signature and expiry for key. Grants fail closed:
// once expired they are rejected even if the signature is valid.
func (h HMACSigner) Verify(key string, q url.Values) error {
	expires, nonce, sig := q.Get("expires"), q.Get("nonce"), q.Get("signature")
	if expires == "" || nonce == "" || sig == "" || len(h.Secret) == 0 {
		return ErrBadToken
	}

	expected := h.mac(key, expires, nonce)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}

	expUnix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadToken
	}
	if !h.now().Before(time.Unix(expUnix, 0)) {
		return ErrExpired
	}
	return nil
}
