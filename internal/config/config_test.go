package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainerrors "github.com/listenupapp/fsjournal/internal/errors"
)

// noEnvFile points at a file that does not exist so a stray .env in the
// package directory cannot leak into tests.
func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	db := filepath.Join(t.TempDir(), "journal.db")

	cfg, err := Load(root, db, Flags{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, EngineSQLite, cfg.Store.Engine)
	assert.Equal(t, BackendAuto, cfg.Watch.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 50*time.Millisecond, cfg.Watch.RenameWindow)
	assert.Equal(t, 100, cfg.Persist.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Persist.FlushInterval)
	assert.Equal(t, 1024, cfg.Persist.QueueSize)
	assert.Equal(t, 5, cfg.Persist.RetryBudget)
	assert.Equal(t, 3, cfg.Watch.MaxRestarts)
	assert.Contains(t, cfg.Watch.IgnorePatterns, "*.swp")
	assert.False(t, cfg.Watch.IgnoreHidden)
	assert.True(t, filepath.IsAbs(cfg.Watch.Root))
}

func TestLoad_Precedence(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(
		"# journal settings\nFSJOURNAL_BATCH_SIZE=10\nFSJOURNAL_ENGINE=badger\nexport FSJOURNAL_DEBOUNCE=\"80ms\"\n",
	), 0o600))
	t.Setenv("FSJOURNAL_BATCH_SIZE", "20")
	t.Setenv("FSJOURNAL_ENGINE", "")
	t.Setenv("FSJOURNAL_DEBOUNCE", "")

	cfg, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "db"), Flags{
		EnvFile:      envFile,
		RenameWindow: "75ms",
	})
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Persist.BatchSize, "env beats .env")
	assert.Equal(t, EngineBadger, cfg.Store.Engine, ".env beats default")
	assert.Equal(t, 80*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 75*time.Millisecond, cfg.Watch.RenameWindow, "flag beats default")
}

func TestLoad_InvalidValuesAreValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
	}{
		{"bad duration", Flags{Debounce: "soon"}},
		{"bad integer", Flags{BatchSize: "many"}},
		{"zero batch", Flags{BatchSize: "0"}},
		{"unknown engine", Flags{Engine: "postgres"}},
		{"unknown backend", Flags{Backend: "kqueue"}},
		{"unknown level", Flags{LogLevel: "trace"}},
		{"unknown environment", Flags{Env: "test"}},
		{"negative restarts", Flags{MaxRestarts: "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.flags.EnvFile = noEnvFile(t)
			_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "db"), tt.flags)
			require.Error(t, err)
			assert.Equal(t, domainerrors.ExitValidation, domainerrors.ExitCode(err))
		})
	}
}

func TestLoad_LevelIsCaseInsensitive(t *testing.T) {
	cfg, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "db"), Flags{LogLevel: "DEBUG", EnvFile: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoad_DatabaseCannotBeTheRoot(t *testing.T) {
	root := t.TempDir()
	_, err := Load(root, root, Flags{EnvFile: noEnvFile(t)})
	require.Error(t, err)
	assert.True(t, domainerrors.Is(err, domainerrors.ErrValidation))
}

func TestLoad_MissingArguments(t *testing.T) {
	_, err := Load("", "", Flags{EnvFile: noEnvFile(t)})
	require.Error(t, err)

	var domainErr *domainerrors.Error
	require.ErrorAs(t, err, &domainErr)
	details, ok := domainErr.Details.(map[string]string)
	require.True(t, ok)
	assert.Contains(t, details, "--watch-dir")
	assert.Contains(t, details, "--db-path")
}

func TestLoadForQuery(t *testing.T) {
	db := filepath.Join(t.TempDir(), "journal.db")
	cfg, err := LoadForQuery(db, Flags{Engine: "badger", EnvFile: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, EngineBadger, cfg.Store.Engine)
	assert.Equal(t, filepath.ToSlash(db), cfg.Store.Path)
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/journal")
	require.NoError(t, err)
	assert.Equal(t, filepath.ToSlash(filepath.Join(homeDir, "journal")), got)

	got, err = expandPath("relative/path/")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
	assert.Contains(t, got, "relative/path")

	got, err = expandPath("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetConfigValue_Precedence(t *testing.T) {
	assert.Equal(t, "flag-value", getConfigValue("flag-value", "TEST_ENV_KEY", "default-value"))

	t.Setenv("TEST_ENV_KEY", "env-value")
	assert.Equal(t, "env-value", getConfigValue("", "TEST_ENV_KEY", "default-value"))

	t.Setenv("TEST_ENV_KEY", "")
	assert.Equal(t, "default-value", getConfigValue("", "TEST_ENV_KEY", "default-value"))
}

func TestGetBoolConfigValue(t *testing.T) {
	assert.True(t, getBoolConfigValue("yes", "TEST_BOOL", false))
	assert.True(t, getBoolConfigValue("1", "TEST_BOOL", false))
	assert.False(t, getBoolConfigValue("off", "TEST_BOOL", true))
	assert.True(t, getBoolConfigValue("", "TEST_BOOL_UNSET", true))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"*.tmp", "node_modules"}, splitList(" *.tmp, ,node_modules ,"))
	assert.Nil(t, splitList(""))
}
