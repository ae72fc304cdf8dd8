package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
	"github.com/kode4food/cmdbus/internal/cli"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmdbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := cli.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, cli.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, cmdbus.DefaultConfig(), cfg.BusConfig())
	assert.Equal(t, cli.DefaultShutdownTimeout, cfg.Bus.ShutdownTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
store:
  backend: bolt
  path: /tmp/events.db
  snapshots: false
  saveTimeout: 2s
bus:
  cacheSize: 50
  pollLimit: 25
  shutdownTimeout: 1s
http:
  addr: ":9090"
`)
	cfg, err := cli.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, cli.BackendBolt, cfg.Store.Backend)
	assert.Equal(t, "/tmp/events.db", cfg.Store.Path)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Bus.ShutdownTimeout)

	bus := cfg.BusConfig()
	assert.False(t, bus.Store.Snapshots)
	assert.Equal(t, 2*time.Second, bus.Store.SaveTimeout)
	assert.Equal(t, 50, bus.CacheSize)
	assert.Equal(t, 25, bus.Stream.PollLimit)
	assert.Equal(t, cmdbus.DefaultWindowSize, bus.Stream.WindowSize)
	assert.True(t, bus.SerializeCommits)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := cli.LoadConfig(writeConfig(t, "store:\n  backend: floppy\n"))
	assert.ErrorContains(t, err, "unknown store backend")

	_, err = cli.LoadConfig(writeConfig(t, "store:\n  backend: postgres\n"))
	assert.ErrorContains(t, err, "store.dsn is required")

	_, err = cli.LoadConfig(writeConfig(t, "store: [\n"))
	assert.Error(t, err)

	_, err = cli.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLogger(t *testing.T) {
	cfg := cli.DefaultConfig()
	cfg.Log.JSON = true
	log, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, log)

	cfg.Log.Level = "loud"
	_, err = cfg.Logger()
	assert.Error(t, err)
}

func TestExecCommand(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")

	var out bytes.Buffer
	cmd := cli.NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"exec", calculator.AddNumbers, "--config", path,
		"--tenant", "acme", "--actor", "u1",
		"--data", `{"number1":1,"number2":2}`,
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var snap struct {
		Version int64                 `json:"version"`
		State   calculator.Calculator `json:"state"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, int64(0), snap.Version)
	assert.Equal(t, 3, snap.State.Total)

	cmd = cli.NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{
		"exec", calculator.AddNumbers, "--config", path,
		"--tenant", "acme", "--actor", "u1", "--data", "{",
	})
	assert.ErrorContains(t, cmd.ExecuteContext(context.Background()),
		"invalid --data JSON",
	)
}

func TestTailWithBoltBackend(t *testing.T) {
	ctx := context.Background()
	cfg := cli.DefaultConfig()
	cfg.Store.Backend = cli.BackendBolt
	cfg.Store.Path = filepath.Join(t.TempDir(), "tail.db")
	cfg.Store.Workers = 0
	path := writeConfig(t, "log:\n  level: error\nstore:\n  backend: bolt\n"+
		"  path: "+cfg.Store.Path+"\n",
	)

	store, err := cli.OpenBackend(ctx, cfg, cmdbus.NopTracer(), nil)
	require.NoError(t, err)
	bus, err := cmdbus.NewBus(cfg.BusConfig(), store,
		[]*cmdbus.AggregateType{calculator.NewType()},
	)
	require.NoError(t, err)

	actor := cmdbus.Actor{ID: "u1", Name: "u1", Tenant: "acme", Roles: []string{}}
	for range 3 {
		_, err := bus.Command(ctx, actor, calculator.AddNumbers,
			cmdbus.Payload{"number1": 1, "number2": 1},
		)
		require.NoError(t, err)
	}

	var out bytes.Buffer
	h := cli.PrintHandler("printer", calculator.StreamName, &out)
	require.NoError(t, cli.PollUntilCaughtUp(
		ctx, bus, "acme", calculator.StreamName, h, 1,
	))
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 3)

	bus.Close()
	require.NoError(t, store.Close())

	out.Reset()
	cmd := cli.NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{
		"tail", calculator.StreamName, "--config", path,
		"--tenant", "acme", "--handler", "cli",
	})
	require.NoError(t, cmd.ExecuteContext(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	var ev cmdbus.Event
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &ev))
	assert.Equal(t, int64(2), ev.Position)
}

func TestOpenBackendRejectsUnknown(t *testing.T) {
	cfg := cli.DefaultConfig()
	cfg.Store.Backend = "tape"
	_, err := cli.OpenBackend(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}
