package utils // package utils provides helper functions for staff tokens and PIN hashing

import (
	"errors"
	"time" // time utilities for generating expirations

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
)

// Staff roles carried in the "role" claim.
const (
	RoleStaff = "STAFF"
	RoleAdmin = "ADMIN"
)

// AccessToken represents a signed JWT bearer token along with its expiry.
// Scanners send it in the Authorization header when syncing manifests or
// admitting tickets; operators use ADMIN tokens for the failure queue.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// NewStaffToken builds and signs an HS256 JWT for a door staff member or an
// operator.  The JWT includes the standard claims subject (sub), role,
// expiration (exp) and issued at (iat).  There is no login flow: tokens are
// minted out of band with ticketctl.
func NewStaffToken(secret, staffID, role string, ttl time.Duration) (AccessToken, error) {
	if secret == "" {
		return AccessToken{}, errors.New("empty signing secret")
	}
	if role != RoleStaff && role != RoleAdmin {
		return AccessToken{}, errors.New("role must be STAFF or ADMIN")
	}
	now := time.Now().UTC()
	exp := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub":  staffID,
		"role": role,
		"exp":  exp.Unix(),
		"iat":  now.Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}
