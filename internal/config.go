package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/util"
)

var Config *Configuration

type HoursDuration time.Duration

func NewHoursDuration(hours int64) HoursDuration {
	return HoursDuration(time.Duration(hours) * time.Hour)
}

func (hd HoursDuration) MarshalJSON() ([]byte, error) {
	hours := float64(time.Duration(hd)) / float64(time.Hour)
	return json.Marshal(hours)
}

func (hd *HoursDuration) UnmarshalJSON(data []byte) error {
	var hours float64
	if err := json.Unmarshal(data, &hours); err != nil {
		return err
	}
	*hd = HoursDuration(hours * float64(time.Hour))
	return nil
}

type MinutesDuration time.Duration

func NewMinutesDuration(minutes int64) MinutesDuration {
	return MinutesDuration(time.Duration(minutes) * time.Minute)
}

func (md MinutesDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(time.Duration(md)) / float64(time.Minute))
}

func (md *MinutesDuration) UnmarshalJSON(data []byte) error {
	var minutes float64
	if err := json.Unmarshal(data, &minutes); err != nil {
		return err
	}
	*md = MinutesDuration(minutes * float64(time.Minute))
	return nil
}

type Configuration struct {
	QueueSize          int64           `json:"queue_size"`
	MaxParallelJobs    int             `json:"max_parallel_jobs"`
	DefaultStepTimeout MinutesDuration `json:"default_step_timeout_minutes"`
	// RunRetentionHours is how long finished runs are kept. Zero keeps
	// them forever.
	RunRetentionHours HoursDuration       `json:"run_retention_hours"`
	WorkspaceRoot     string              `json:"workspace_root"`
	Agents            []executor.SSHAgent `json:"agents"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		QueueSize:          3,
		MaxParallelJobs:    4,
		DefaultStepTimeout: NewMinutesDuration(360),
		RunRetentionHours:  NewHoursDuration(30 * 24),
		WorkspaceRoot:      os.TempDir(),
		Agents:             []executor.SSHAgent{},
	}
}

// InitializeConfiguration reads the configuration file at path, creating
// it with defaults if it does not exist.
func InitializeConfiguration(path string) (*Configuration, error) {
	Config = DefaultConfiguration()

	configFileExists, _ := util.PathExists(path)
	if !configFileExists {
		if err := writeConfiguration(path, Config); err != nil {
			return nil, err
		}
		return Config, nil
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configBytes, &Config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := Config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Config, nil
}

func (c *Configuration) StepTimeout() time.Duration {
	return time.Duration(c.DefaultStepTimeout)
}

func (c *Configuration) RunRetention() time.Duration {
	return time.Duration(c.RunRetentionHours)
}

func (c *Configuration) Validate() error {
	if c.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if c.MaxParallelJobs < 0 {
		return errors.New("max_parallel_jobs must not be negative")
	}
	names := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" || a.Host == "" || a.User == "" || a.PrivateKeyPath == "" {
			return fmt.Errorf("agent %q: name, host, user and private_key_path are required", a.Name)
		}
		if names[a.Name] {
			return fmt.Errorf("agent %q is defined twice", a.Name)
		}
		names[a.Name] = true
	}
	return nil
}

func UpdateConfiguration(path string, config *Configuration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if err := writeConfiguration(path, config); err != nil {
		return err
	}
	Config = config
	return nil
}

func writeConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
