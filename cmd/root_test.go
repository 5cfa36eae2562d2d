// cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/driveline/internal/config"
	"github.com/xkilldash9x/driveline/internal/launcher"
	"github.com/xkilldash9x/driveline/internal/observability"
)

// run executes args against a fresh command tree and returns what was
// written to stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	root, a := newRootCommand()
	defer a.teardown()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "driveline "+Version)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := run(t)
	require.NoError(t, err)
	assert.Contains(t, out, "launches and drives Chromium, Firefox and WebKit browsers")
	assert.Contains(t, out, "probe")
}

func TestLaunchCmd_InvalidEngine(t *testing.T) {
	_, err := run(t, "launch", "--engine", "netscape")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
	assert.Contains(t, err.Error(), `engine "netscape"`)
}

func TestLaunchCmd_Count(t *testing.T) {
	_, err := run(t, "launch", "--count", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--count must be at least 1")

	_, err = run(t, "launch", "--count", "2", "--user-data-dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent profile can only back one browser")
}

func TestLaunchCmd_MissingExecutable(t *testing.T) {
	exe := filepath.Join(t.TempDir(), "no-such-browser")
	_, err := run(t, "launch", "--executable", exe, "--timeout", "5s")
	require.Error(t, err)
	var le *launcher.LaunchError
	assert.ErrorAs(t, err, &le)
}

func TestProbeCmd_RequiresChromium(t *testing.T) {
	_, err := run(t, "probe", "--engine", "firefox")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `probe needs a chromium engine, not "firefox"`)
}

func TestInitializeConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.yaml")
	yaml := []byte("browser:\n  engine: webkit\n  timeout: 10s\n  channel: from-file\n")
	require.NoError(t, os.WriteFile(file, yaml, 0o600))
	t.Setenv("DRIVELINE_BROWSER_CHANNEL", "from-env")

	root, a := newRootCommand()
	defer a.teardown()
	launch, _, err := root.Find([]string{"launch"})
	require.NoError(t, err)
	require.NoError(t, launch.Flags().Parse([]string{"--engine", "firefox"}))

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(v, file, launch.Flags()))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	// flag > env > file > default
	assert.Equal(t, "firefox", cfg.Browser().Engine)
	assert.Equal(t, "from-env", cfg.Browser().Channel)
	assert.Equal(t, 10*time.Second, cfg.Browser().Timeout)
	assert.Equal(t, 20*time.Second, cfg.Browser().CloseTimeout)
	// Unchanged flags do not shadow the configuration.
	assert.True(t, cfg.Browser().Headless)
}

func TestInitializeConfig_BadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(file, []byte("browser: [unterminated"), 0o600))

	v := viper.New()
	err := initializeConfig(v, file, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}
