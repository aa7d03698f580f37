package utils

import "golang.org/x/crypto/bcrypt"

// HashPIN returns the bcrypt hash of a staff manual-entry PIN.  cost <= 0
// uses bcrypt.DefaultCost.
func HashPIN(pin string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// VerifyPIN safely compares a bcrypt hash and a presented PIN.  An empty
// hash never matches.
func VerifyPIN(hash, pin string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}
