package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/venue-ticketing/internal/signature"
)

// SignatureHeader carries the gateway's authentication tag.
const SignatureHeader = "Gateway-Signature"

var (
	ErrMissingHeader    = errors.New("webhook: missing signature header")
	ErrMalformedHeader  = errors.New("webhook: malformed signature header")
	ErrTimestampExpired = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureInvalid = errors.New("webhook: signature mismatch")
	ErrNoSecret         = errors.New("webhook: signing secret not configured")
)

// Header is a parsed "t=<unix>,v1=<hex>" value.  Several v1 entries may be
// present while the gateway rolls its secret.
type Header struct {
	Timestamp  int64
	Signatures []string
}

// ParseHeader parses a signature header.  Unknown keys are ignored.
func ParseHeader(v string) (Header, error) {
	var h Header
	if strings.TrimSpace(v) == "" {
		return h, ErrMissingHeader
	}
	seenT := false
	for _, part := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return h, ErrMalformedHeader
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil || ts <= 0 {
				return h, ErrMalformedHeader
			}
			h.Timestamp, seenT = ts, true
		case "v1":
			if val != "" {
				h.Signatures = append(h.Signatures, val)
			}
		}
	}
	if !seenT || len(h.Signatures) == 0 {
		return h, ErrMalformedHeader
	}
	return h, nil
}

// Authenticator checks gateway signatures.
type Authenticator struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewAuthenticator returns an Authenticator.  An empty secret rejects every
// request.
func NewAuthenticator(secret string, tolerance time.Duration) *Authenticator {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Authenticator{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Verify authenticates body against the header value.  The timestamp must
// lie within the tolerance in either direction.
func (a *Authenticator) Verify(header string, body []byte) error {
	if len(a.secret) == 0 {
		return ErrNoSecret
	}
	h, err := ParseHeader(header)
	if err != nil {
		return err
	}
	ts := time.Unix(h.Timestamp, 0)
	if d := a.now().Sub(ts); d > a.tolerance || d < -a.tolerance {
		return ErrTimestampExpired
	}
	expected := Sign(a.secret, h.Timestamp, body)
	ok := false
	for _, s := range h.Signatures {
		// Compare every candidate so timing does not reveal which matched.
		if signature.Equal(expected, strings.ToLower(s)) {
			ok = true
		}
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the v1 tag for body at timestamp ts.
func Sign(secret []byte, ts int64, body []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// FormatHeader builds a header value, as the gateway would send it.
func FormatHeader(secret []byte, ts int64, body []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + Sign(secret, ts, body)
}
