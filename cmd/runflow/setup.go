package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/haatos/runflow/internal"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/security"
	"github.com/haatos/runflow/internal/service"
	"github.com/haatos/runflow/internal/settings"
	"github.com/haatos/runflow/internal/store"
)

// loadSettings reads the dotenv file and the environment and applies the
// log level.
func loadSettings(ctx context.Context) (*settings.AppSettings, error) {
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		return nil, err
	}
	s, err := settings.NewSettings(ctx, nil)
	if err != nil {
		return nil, err
	}
	settings.Settings = s
	log.SetLevel(s.LogLevel)
	return s, nil
}

type databases struct {
	rdb  *sql.DB
	rwdb *sql.DB
}

func openDatabases(s *settings.AppSettings) (*databases, error) {
	rwdb, err := store.InitDatabase(s.SQLiteDbString(false), false)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.RunMigrations(rwdb); err != nil {
		_ = rwdb.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	rdb, err := store.InitDatabase(s.SQLiteDbString(true), true)
	if err != nil {
		_ = rwdb.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &databases{rdb: rdb, rwdb: rwdb}, nil
}

func (d *databases) Close() error {
	return errors.Join(d.rdb.Close(), d.rwdb.Close())
}

func newSecretService(s *settings.AppSettings, db *databases) (*service.SecretService, error) {
	key, err := security.EnsureKey(s.EncryptionKey, settings.EnvPrefix+"ENCRYPTION_KEY", internal.DotEnvPath)
	if err != nil {
		return nil, err
	}
	return service.NewSecretService(
		store.NewSecretSQLiteStore(db.rdb, db.rwdb),
		security.NewAESEncrypter(key),
	), nil
}

func newVaultStore(s *settings.AppSettings) (*secrets.VaultStore, error) {
	return secrets.NewVaultStore(
		s.Secrets.Vault.Address,
		s.Secrets.Vault.Token,
		secrets.WithMountPath(s.Secrets.Vault.Mount),
		secrets.WithPrefix(s.Secrets.Vault.Prefix),
	)
}

// secretStore returns the store jobs resolve secrets from.
func secretStore(s *settings.AppSettings, db *databases) (secrets.Store, error) {
	if s.Secrets.Provider == "vault" {
		return newVaultStore(s)
	}
	return newSecretService(s, db)
}
