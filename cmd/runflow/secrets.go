package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/service"
	"github.com/haatos/runflow/internal/settings"
)

// secretManager is implemented by both secret providers.
type secretManager interface {
	SetSecret(ctx context.Context, name, value string) error
	DeleteSecret(ctx context.Context, name string) error
	ListSecretNames(ctx context.Context) ([]string, error)
}

type vaultManager struct {
	store *secrets.VaultStore
}

func (v vaultManager) SetSecret(ctx context.Context, name, value string) error {
	return v.store.Put(ctx, name, value)
}

func (v vaultManager) DeleteSecret(ctx context.Context, name string) error {
	return v.store.Delete(ctx, name)
}

func (v vaultManager) ListSecretNames(ctx context.Context) ([]string, error) {
	return v.store.List(ctx)
}

func secretsCommand() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "manage the secrets workflows can reference",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "create or update a secret, reading the value from stdin when it is not given",
				ArgsUsage: "NAME [VALUE]",
				Action:    withSecretManager(setSecret),
			},
			{
				Name:      "rm",
				Usage:     "delete a secret",
				ArgsUsage: "NAME",
				Action:    withSecretManager(removeSecret),
			},
			{
				Name:   "ls",
				Usage:  "list secret names",
				Action: withSecretManager(listSecrets),
			},
		},
	}
}

type secretAction func(ctx context.Context, cmd *cli.Command, m secretManager) error

func withSecretManager(fn secretAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := loadSettings(ctx)
		if err != nil {
			return err
		}
		if s.Secrets.Provider == "vault" {
			vs, err := newVaultStore(s)
			if err != nil {
				return err
			}
			return fn(ctx, cmd, vaultManager{store: vs})
		}
		return withSQLiteSecrets(ctx, cmd, s, fn)
	}
}

func withSQLiteSecrets(ctx context.Context, cmd *cli.Command, s *settings.AppSettings, fn secretAction) error {
	db, err := openDatabases(s)
	if err != nil {
		return err
	}
	defer db.Close()
	svc, err := newSecretService(s, db)
	if err != nil {
		return err
	}
	return fn(ctx, cmd, svc)
}

func setSecret(ctx context.Context, cmd *cli.Command, m secretManager) error {
	name := cmd.Args().Get(0)
	if name == "" || cmd.NArg() > 2 {
		return cli.Exit("usage: runflow secrets set NAME [VALUE]", 2)
	}
	value := cmd.Args().Get(1)
	if cmd.NArg() == 1 {
		v, err := readSecretValue(cmd.Root().Reader, cmd.Root().ErrWriter)
		if err != nil {
			return err
		}
		value = v
	}
	if err := m.SetSecret(ctx, name, value); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "secret %s saved\n", name)
	return nil
}

// readSecretValue prompts for the value without echo on a terminal and
// reads all of r otherwise.
func readSecretValue(r io.Reader, prompt io.Writer) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "value: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		return string(b), err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

func removeSecret(ctx context.Context, cmd *cli.Command, m secretManager) error {
	if cmd.NArg() != 1 {
		return cli.Exit("usage: runflow secrets rm NAME", 2)
	}
	name := cmd.Args().First()
	if err := m.DeleteSecret(ctx, name); err != nil {
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return cli.Exit(fmt.Sprintf("secret %s does not exist", name), 1)
		}
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "secret %s deleted\n", name)
	return nil
}

func listSecrets(ctx context.Context, cmd *cli.Command, m secretManager) error {
	names, err := m.ListSecretNames(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.Root().Writer, name)
	}
	return nil
}

var _ secretManager = (*service.SecretService)(nil)
