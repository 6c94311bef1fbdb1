package store

import (
	"context"
	"time"
)

// Secret holds a named value encrypted with the server key.
type Secret struct {
	Name      string
	ValueHash string
	CreatedOn time.Time
	UpdatedOn time.Time
}

type SecretStore interface {
	UpsertSecret(ctx context.Context, name, valueHash string) error
	ReadSecret(ctx context.Context, name string) (*Secret, error)
	ListSecretNames(ctx context.Context) ([]string, error)
	DeleteSecret(ctx context.Context, name string) error
}
