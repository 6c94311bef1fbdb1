package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/security"
	"github.com/haatos/runflow/internal/store"
)

type SecretWriter interface {
	UpsertSecret(ctx context.Context, name, valueHash string) error
	DeleteSecret(ctx context.Context, name string) error
}

type SecretReader interface {
	ReadSecret(ctx context.Context, name string) (*store.Secret, error)
	ListSecretNames(ctx context.Context) ([]string, error)
}

type SecretStore interface {
	SecretWriter
	SecretReader
}

// SecretService keeps secrets encrypted in the database. It serves them to
// runs as a secrets.Store.
type SecretService struct {
	secretStore SecretStore
	encrypter   security.Encrypter
}

func NewSecretService(s SecretStore, encrypter security.Encrypter) *SecretService {
	return &SecretService{secretStore: s, encrypter: encrypter}
}

func (s *SecretService) SetSecret(ctx context.Context, name, value string) error {
	if err := secrets.ValidateName(name); err != nil {
		return err
	}
	hash, err := s.encrypter.EncryptAES(value)
	if err != nil {
		return err
	}
	return s.secretStore.UpsertSecret(ctx, name, hash)
}

func (s *SecretService) Secret(ctx context.Context, name string) (string, error) {
	secret, err := s.secretStore.ReadSecret(ctx, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", secrets.ErrSecretNotFound
		}
		return "", err
	}
	value, err := s.encrypter.DecryptAES(secret.ValueHash)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (s *SecretService) ListSecretNames(ctx context.Context) ([]string, error) {
	names, err := s.secretStore.ListSecretNames(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return names, nil
}

func (s *SecretService) DeleteSecret(ctx context.Context, name string) error {
	if err := s.secretStore.DeleteSecret(ctx, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return secrets.ErrSecretNotFound
		}
		return err
	}
	return nil
}
