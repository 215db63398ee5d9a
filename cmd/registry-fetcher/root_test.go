package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/app"
	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/config"
)

type idleDriver struct{ running bool }

func (d *idleDriver) Start(context.Context) error { d.running = true; return nil }
func (d *idleDriver) NewSession(context.Context, browser.Fingerprint) (browser.Session, error) {
	return nil, browser.ErrDriverStopped
}
func (d *idleDriver) Stop() error   { d.running = false; return nil }
func (d *idleDriver) Running() bool { return d.running }

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
logging:
  development: true
  level: error
cache:
  driver: memory
server:
  shutdown_grace: 1s
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func recordingFactory(seen *config.Config) appFactory {
	return func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		*seen = cfg
		return app.New(ctx, cfg, logger, app.WithDriver(&idleDriver{}), app.WithoutTracing())
	}
}

func TestLookupCommandPrintsResponseAndFailsOnInvalidKey(t *testing.T) {
	var seen config.Config
	cmd := newRootCmd(recordingFactory(&seen))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeConfig(t), "lookup", "not-a-key"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, out.String(), `"outcome": "invalid_key"`)
	assert.Equal(t, "memory", seen.Cache.Driver)
}

func TestLookupCommandRequiresKey(t *testing.T) {
	var seen config.Config
	cmd := newRootCmd(recordingFactory(&seen))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"lookup"})
	require.Error(t, cmd.Execute())
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	var seen config.Config
	cmd := newRootCmd(recordingFactory(&seen))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeConfig(t), "serve", "--port", "0", "--transport", "bogus"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestServeHTTPStopsOnCancel(t *testing.T) {
	var seen config.Config
	cmd := newRootCmd(recordingFactory(&seen))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", writeConfig(t), "serve", "--port", "18089"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
	assert.Equal(t, 18089, seen.Server.Port)
	assert.Equal(t, "http", seen.Server.Transport)
}

func TestHelpDoesNotBuildApp(t *testing.T) {
	called := false
	cmd := newRootCmd(func(context.Context, config.Config, *zap.Logger) (*app.App, error) {
		called = true
		return nil, nil
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	assert.False(t, called)
}
