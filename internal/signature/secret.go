package signature

import (
	"context"
	"os"
)

// SecretSource yields the ticket signing secret.  Implementations are called
// on every sign/verify so a rotated secret takes effect without restart.
type SecretSource interface {
	Secret(ctx context.Context) ([]byte, error)
}

// EnvSecret reads the secret from an environment variable at call time.
type EnvSecret string

// Secret implements SecretSource.  An unset variable yields ErrNoSecret.
func (e EnvSecret) Secret(context.Context) ([]byte, error) {
	v := os.Getenv(string(e))
	if v == "" {
		return nil, ErrNoSecret
	}
	return []byte(v), nil
}

// StaticSecret is a fixed secret, used by tools and tests.
type StaticSecret []byte

// Secret implements SecretSource.
func (s StaticSecret) Secret(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrNoSecret
	}
	return []byte(s), nil
}

// SecretFunc adapts a function to SecretSource.
type SecretFunc func(ctx context.Context) ([]byte, error)

// Secret implements SecretSource.
func (f SecretFunc) Secret(ctx context.Context) ([]byte, error) { return f(ctx) }
