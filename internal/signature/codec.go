// Package signature mints and checks the authentication tags printed on
// tickets.  A tag is an HMAC-SHA256 of the ticket token under a secret that
// only exists server side; scanners receive tags, never the secret.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoSecret is returned when the signing secret cannot be loaded or is empty.
var ErrNoSecret = errors.New("signature: signing secret unavailable")

// Scheme identifies how a MAC is encoded on a ticket.
type Scheme string

const (
	// SchemeHex is produced at issuance: lowercase hex of the MAC.
	SchemeHex Scheme = "v1"
	// SchemeBase64 is the database-side signing function's format: standard
	// base64 of the same MAC.  Accepted only while legacy verification is on.
	SchemeBase64 Scheme = "legacy"
)

// Sign returns the hex HMAC-SHA256 of token under secret.
func Sign(token string, secret []byte) string {
	return hex.EncodeToString(mac(token, secret))
}

// Verify reports whether signature is the hex tag of token under secret.
// An empty secret never verifies.
func Verify(token, signature string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	return Equal(Sign(token, secret), signature)
}

func mac(token string, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(token))
	return h.Sum(nil)
}

// Equal compares two strings in time that depends only on their lengths.
// Every byte pair is XORed into an accumulator; nothing short-circuits on
// the first difference.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var acc byte
	for i := 0; i < len(a); i++ {
		acc |= a[i] ^ b[i]
	}
	return acc == 0
}

// Codec signs and verifies with a secret looked up on every call.
type Codec struct {
	secrets      SecretSource
	acceptLegacy bool
}

// NewCodec returns a Codec reading its secret from src.  When acceptLegacy is
// true, Verify also accepts tags in SchemeBase64.
func NewCodec(src SecretSource, acceptLegacy bool) *Codec {
	return &Codec{secrets: src, acceptLegacy: acceptLegacy}
}

// Sign returns the SchemeHex tag for token.
func (c *Codec) Sign(ctx context.Context, token string) (string, error) {
	secret, err := c.secret(ctx)
	if err != nil {
		return "", err
	}
	return Sign(token, secret), nil
}

// Verify reports whether signature authenticates token.  It fails closed:
// a missing secret, an empty token or an empty signature is always false.
func (c *Codec) Verify(ctx context.Context, token, signature string) bool {
	_, ok := c.VerifyScheme(ctx, token, signature)
	return ok
}

// VerifyScheme is Verify that also reports which scheme matched.
func (c *Codec) VerifyScheme(ctx context.Context, token, signature string) (Scheme, bool) {
	if token == "" || signature == "" {
		return "", false
	}
	secret, err := c.secret(ctx)
	if err != nil {
		return "", false
	}
	sum := mac(token, secret)
	// Evaluate both encodings regardless of which one matches.
	hexOK := Equal(hex.EncodeToString(sum), signature)
	legacyOK := Equal(base64.StdEncoding.EncodeToString(sum), signature)
	switch {
	case hexOK:
		return SchemeHex, true
	case legacyOK && c.acceptLegacy:
		return SchemeBase64, true
	}
	return "", false
}

func (c *Codec) secret(ctx context.Context) ([]byte, error) {
	if c == nil || c.secrets == nil {
		return nil, ErrNoSecret
	}
	secret, err := c.secrets.Secret(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSecret, err)
	}
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	return secret, nil
}
