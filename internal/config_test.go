package internal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_UnmarshalJSON(t *testing.T) {
	t.Run("success - unmarshal json works as expected", func(t *testing.T) {
		// arrange
		jsonInput := []byte(`{"run_retention_hours": 24, "queue_size": 4, "default_step_timeout_minutes": 1.5}`)
		var config Configuration

		// act
		err := json.Unmarshal(jsonInput, &config)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, 24*time.Hour, time.Duration(config.RunRetentionHours))
		assert.Equal(t, 90*time.Second, time.Duration(config.DefaultStepTimeout))
		assert.Equal(t, int64(4), config.QueueSize)
	})
}

func TestConfig_MarshalJSON(t *testing.T) {
	t.Run("success - marshal json works as expected", func(t *testing.T) {
		// arrange
		config := Configuration{
			RunRetentionHours:  NewHoursDuration(24),
			DefaultStepTimeout: NewMinutesDuration(10),
			QueueSize:          5,
		}

		// act
		b, err := json.Marshal(config)

		// assert
		assert.NoError(t, err)
		assert.Contains(t, string(b), `"run_retention_hours":24`)
		assert.Contains(t, string(b), `"default_step_timeout_minutes":10`)
		assert.Contains(t, string(b), `"queue_size":5`)
	})
}

func TestInitializeConfiguration(t *testing.T) {
	t.Run("success - file is created with defaults", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")

		// act
		config, err := InitializeConfiguration(path)

		// assert
		require.NoError(t, err)
		assert.Equal(t, int64(3), config.QueueSize)
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})
	t.Run("success - existing file is read", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")
		data := `{"queue_size": 10, "agents": [{"name": "b1", "host": "10.0.0.2", "user": "ci", "private_key_path": "/keys/id", "labels": ["linux"]}]}`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

		// act
		config, err := InitializeConfiguration(path)

		// assert
		require.NoError(t, err)
		assert.Equal(t, int64(10), config.QueueSize)
		assert.Equal(t, 4, config.MaxParallelJobs)
		require.Len(t, config.Agents, 1)
		assert.Equal(t, []string{"linux"}, config.Agents[0].Labels)
	})
	t.Run("failure - agent without host", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"queue_size": 1, "agents": [{"name": "b1"}]}`), 0o644))

		// act
		_, err := InitializeConfiguration(path)

		// assert
		assert.Error(t, err)
	})
}

func TestUpdateConfiguration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	config := DefaultConfiguration()
	config.MaxParallelJobs = 8

	require.NoError(t, UpdateConfiguration(path, config))

	read, err := InitializeConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, 8, read.MaxParallelJobs)
}
