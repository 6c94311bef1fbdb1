// Package secrets resolves secret references used by workflows and keeps
// their values out of captured output.
package secrets

import (
	"context"
	"errors"
	"regexp"
)

var (
	ErrSecretNotFound    = errors.New("secret not found")
	ErrInvalidSecretName = errors.New("secret name is not a valid identifier")
)

// shell identifier syntax, so a secret can always be exported as a variable
var nameIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func ValidateName(name string) error {
	if !nameIdent.MatchString(name) {
		return ErrInvalidSecretName
	}
	return nil
}

// Store supplies secret values by name. A missing secret is reported with
// ErrSecretNotFound.
type Store interface {
	Secret(ctx context.Context, name string) (string, error)
}

// StaticStore serves secrets from memory, e.g. values given on the command
// line.
type StaticStore map[string]string

func (s StaticStore) Secret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

// Chain asks each store in turn and returns the first value found.
type Chain []Store

func (c Chain) Secret(ctx context.Context, name string) (string, error) {
	for _, s := range c {
		v, err := s.Secret(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", ErrSecretNotFound
}
