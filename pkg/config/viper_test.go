package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFile(t *testing.T) {
	v, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)
	assert.Empty(t, v.ConfigFileUsed())
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gw.yaml"), []byte("server:\n  port: 9999\nrisk:\n  timeout: 750ms\n"), 0o600))

	v, err := Load(dir, "gw")
	require.NoError(t, err)
	assert.Equal(t, 9999, v.GetInt("server.port"))
	assert.Equal(t, 750*time.Millisecond, Duration(v, "risk.timeout", time.Second))
	assert.Equal(t, time.Second, Duration(v, "risk.connect_timeout", time.Second))
}

func TestBindFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("url", "ws://default", "")
	fs.Int("max-attempts", 10, "")
	fs.String("retry-initial", "1s", "")
	require.NoError(t, fs.Parse([]string{"--url=ws://gw:8090", "--retry-initial=bogus"}))

	v, err := Load(t.TempDir(), "none")
	require.NoError(t, err)
	require.NoError(t, BindFlags(v, fs, map[string]string{
		"server.url":                 "url",
		"reconnect.max_attempts":     "max-attempts",
		"reconnect.initial_interval": "retry-initial",
	}))

	assert.Equal(t, "ws://gw:8090", v.GetString("server.url"))
	assert.Equal(t, 10, v.GetInt("reconnect.max_attempts"))
	assert.Equal(t, 2*time.Second, Duration(v, "reconnect.initial_interval", 2*time.Second))
}

func TestBindFlagsUnknownFlag(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v, err := Load(t.TempDir(), "none")
	require.NoError(t, err)

	err = BindFlags(v, fs, map[string]string{"conn.namespace": "namespace"})
	assert.ErrorContains(t, err, "--namespace")
}
