package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

type SecretSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewSecretSQLiteStore(rdb, rwdb *sql.DB) *SecretSQLiteStore {
	return &SecretSQLiteStore{rdb, rwdb}
}

func (store *SecretSQLiteStore) UpsertSecret(ctx context.Context, name, valueHash string) error {
	now := time.Now().UTC()
	query := `insert into secrets (
		name,
		value_hash,
		created_on,
		updated_on
	)
	values ($1, $2, $3, $3)
	on conflict (name) do update
	set value_hash = excluded.value_hash,
		updated_on = excluded.updated_on`
	_, err := store.rwdb.ExecContext(ctx, query, name, valueHash, formatTimestamp(&now))
	return err
}

func (store *SecretSQLiteStore) ReadSecret(ctx context.Context, name string) (*Secret, error) {
	s := new(Secret)
	query := `select * from secrets where name = $1`
	if err := sqlscan.Get(ctx, store.rdb, s, query, name); err != nil {
		return nil, err
	}
	return s, nil
}

func (store *SecretSQLiteStore) ListSecretNames(ctx context.Context) ([]string, error) {
	query := `select name from secrets order by name`
	names := make([]string, 0)
	err := sqlscan.Select(ctx, store.rdb, &names, query)
	return names, err
}

func (store *SecretSQLiteStore) DeleteSecret(ctx context.Context, name string) error {
	query := `delete from secrets where name = $1`
	res, err := store.rwdb.ExecContext(ctx, query, name)
	if err != nil {
		return err
	}
	return expectRows(res)
}
