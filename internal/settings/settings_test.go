package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_ReadDotenv(t *testing.T) {
	t.Run("success - .env files is read into env variables", func(t *testing.T) {
		// arrange
		testDotEnvFile := filepath.Join(t.TempDir(), ".env.test")
		lines := []string{
			`#COMMENTED=asdf`,
			`RUNFLOW_TEST=1234`,
			``,
			`RUNFLOW_TEST2= "2345" `,
			`RUNFLOW_TEST3=a=b`,
		}
		require.NoError(t, os.WriteFile(testDotEnvFile, []byte(strings.Join(lines, "\n")), 0o644))
		t.Cleanup(func() {
			os.Unsetenv("RUNFLOW_TEST")
			os.Unsetenv("RUNFLOW_TEST2")
			os.Unsetenv("RUNFLOW_TEST3")
		})

		// act
		err := ReadDotenv(testDotEnvFile)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, "1234", os.Getenv("RUNFLOW_TEST"))
		assert.Equal(t, "2345", os.Getenv("RUNFLOW_TEST2"))
		assert.Equal(t, "a=b", os.Getenv("RUNFLOW_TEST3"))
		_, ok := os.LookupEnv("COMMENTED")
		assert.False(t, ok)
	})
	t.Run("success - missing file is ignored", func(t *testing.T) {
		assert.NoError(t, ReadDotenv(filepath.Join(t.TempDir(), "missing")))
	})
}

func TestNewSettings(t *testing.T) {
	t.Run("success - defaults", func(t *testing.T) {
		// act
		s, err := NewSettings(context.Background(), envconfig.MapLookuper(nil))

		// assert
		require.NoError(t, err)
		assert.Equal(t, ":8080", s.Port)
		assert.Equal(t, "sqlite", s.Secrets.Provider)
		assert.Equal(t, "secret", s.Secrets.Vault.Mount)
		assert.Equal(t, float64(20), s.RateLimit)
	})
	t.Run("success - prefixed variables", func(t *testing.T) {
		// act
		s, err := NewSettings(context.Background(), envconfig.MapLookuper(map[string]string{
			"RUNFLOW_PORT":               "9000",
			"RUNFLOW_SECRETS_PROVIDER":   "vault",
			"RUNFLOW_SECRETS_VAULT_ADDR": "http://127.0.0.1:8200",
			"RUNFLOW_WORKFLOWS_DIR":      "/srv/workflows",
		}))

		// assert
		require.NoError(t, err)
		assert.Equal(t, ":9000", s.Port)
		assert.Equal(t, "vault", s.Secrets.Provider)
		assert.Equal(t, "http://127.0.0.1:8200", s.Secrets.Vault.Address)
		assert.Equal(t, "/srv/workflows", s.WorkflowsDir)
	})
	t.Run("failure - unknown secret provider", func(t *testing.T) {
		_, err := NewSettings(context.Background(), envconfig.MapLookuper(map[string]string{
			"RUNFLOW_SECRETS_PROVIDER": "keychain",
		}))
		assert.Error(t, err)
	})
	t.Run("success - sqlite connection string", func(t *testing.T) {
		s := &AppSettings{SQLiteDatabase: "file:test.sqlite"}
		assert.Contains(t, s.SQLiteDbString(true), "mode=ro")
		assert.Contains(t, s.SQLiteDbString(false), "mode=rwc")
	})
}
