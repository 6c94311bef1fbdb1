package secrets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultStore reads secrets from a Vault KV v2 engine. Each secret is stored
// at <prefix>/<name> with its value under the "value" key.
type VaultStore struct {
	client    *vault.Client
	mountPath string
	prefix    string
}

type VaultStoreOpt func(*VaultStore)

func WithMountPath(mountPath string) VaultStoreOpt {
	return func(v *VaultStore) {
		v.mountPath = mountPath
	}
}

func WithPrefix(prefix string) VaultStoreOpt {
	return func(v *VaultStore) {
		v.prefix = prefix
	}
}

func NewVaultStore(address, token string, opts ...VaultStoreOpt) (*VaultStore, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("token cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(token)

	store := &VaultStore{
		client:    client,
		mountPath: "secret",
		prefix:    "runflow",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

func (v *VaultStore) Secret(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	secret, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join(v.prefix, name))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}
	value, ok := secret.Data["value"].(string)
	if !ok {
		return "", fmt.Errorf("secret %s has no string value", name)
	}
	return value, nil
}

// Put writes a secret, replacing any previous version.
func (v *VaultStore) Put(ctx context.Context, name, value string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := v.client.KVv2(v.mountPath).Put(ctx, path.Join(v.prefix, name), map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("failed to store secret in vault: %w", err)
	}
	return nil
}

func (v *VaultStore) Delete(ctx context.Context, name string) error {
	if err := v.client.KVv2(v.mountPath).DeleteMetadata(ctx, path.Join(v.prefix, name)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// List returns the names of the secrets under the store's prefix in
// lexical order.
func (v *VaultStore) List(ctx context.Context) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, path.Join(v.mountPath, "metadata", v.prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets in vault: %w", err)
	}
	names := make([]string, 0)
	if secret == nil || secret.Data == nil {
		return names, nil
	}
	keys, _ := secret.Data["keys"].([]any)
	for _, k := range keys {
		name, ok := k.(string)
		// nested paths end in a slash and are not secrets
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
