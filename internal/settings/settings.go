package settings

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

const EnvPrefix = "RUNFLOW_"

var Settings *AppSettings

type AppSettings struct {
	Port           string  `env:"PORT, default=:8080"`
	SQLiteDatabase string  `env:"DB_PATH, default=file:runflow.sqlite"`
	WorkflowsDir   string  `env:"WORKFLOWS_DIR, default=.runflow/workflows"`
	ConfigPath     string  `env:"CONFIG_PATH, default=config.json"`
	LogLevel       string  `env:"LOG_LEVEL, default=info"`
	WebhookKey     string  `env:"WEBHOOK_KEY"`
	EncryptionKey  string  `env:"ENCRYPTION_KEY"`
	RateLimit      float64 `env:"RATE_LIMIT, default=20"`
	Secrets        Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	// Provider is sqlite or vault.
	Provider string `env:"PROVIDER, default=sqlite"`
	Vault    Vault  `env:",prefix=VAULT_"`
}

type Vault struct {
	Address string `env:"ADDR"`
	Token   string `env:"TOKEN"`
	Mount   string `env:"MOUNT, default=secret"`
	Prefix  string `env:"PREFIX, default=runflow"`
}

// NewSettings reads RUNFLOW_* variables through l, or the process
// environment when l is nil.
func NewSettings(ctx context.Context, l envconfig.Lookuper) (*AppSettings, error) {
	if l == nil {
		l = envconfig.OsLookuper()
	}
	var settings AppSettings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &settings,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	if !strings.HasPrefix(settings.Port, ":") && !strings.Contains(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	switch settings.Secrets.Provider {
	case "sqlite", "vault":
	default:
		return nil, fmt.Errorf("unknown secret provider %q", settings.Secrets.Provider)
	}
	return &settings, nil
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "cache_size(-20000)")
	params.Add("_pragma", "foreign_keys(ON)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv sets the variables of a .env file that are not already set.
// A missing file is not an error.
func ReadDotenv(path string) error {
	re := regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*\s*=.*$`)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("err opening dotenv: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] == '#' || !re.MatchString(line) {
			continue
		}
		name, value, _ := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		value = strings.Trim(strings.TrimSpace(value), `"`)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		os.Setenv(name, value)
	}
	return scanner.Err()
}
