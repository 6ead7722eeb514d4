package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wsmux/wsmux/config"
	"github.com/wsmux/wsmux/examples"
	"gopkg.in/yaml.v3"
)

// The embedded templates must parse into the config structs without unknown
// fields and carry the library defaults, so a generated file behaves exactly
// like an empty one until the operator edits it.

func TestServerConfigTemplateFields(t *testing.T) {
	content, err := examples.ServerConfig()
	require.NoError(t, err, "failed to load server config template")

	var cfg config.Server
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	err = decoder.Decode(&cfg)
	require.NoError(t, err, "server.yaml contains unknown fields or invalid YAML")

	assert.NotEmpty(t, cfg.Listen.IP, "listen ip should not be empty")
	assert.Equal(t, config.DefaultPort, cfg.Listen.Port)
	assert.Equal(t, config.DefaultPath, cfg.Path)
	assert.NotEmpty(t, cfg.Auth.Secret, "auth secret placeholder should not be empty")

	assert.Equal(t, config.DefaultMaxDrift, cfg.Auth.MaxDrift)
	assert.Equal(t, config.DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, config.DefaultIdleDeadline, cfg.IdleDeadline)
	assert.Equal(t, config.DefaultInvokeTimeout, cfg.InvokeTimeout)
	assert.Equal(t, config.DefaultPendingCap, cfg.Substream.PendingCap)
	assert.Equal(t, config.DefaultAttachTimeout, cfg.Substream.AttachTimeout)
	assert.Equal(t, config.DefaultHighWater, cfg.Substream.HighWater)
	assert.Equal(t, config.DefaultChunkSize, cfg.Substream.ChunkSize)

	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate(), "template should validate as-is")
}

func TestWriteTemplate(t *testing.T) {
	orig := outputFile
	t.Cleanup(func() { outputFile = orig })
	outputFile = filepath.Join(t.TempDir(), "server.yaml")

	require.NoError(t, writeTemplate("server", examples.ServerConfig))

	written, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	want, err := examples.ServerConfig()
	require.NoError(t, err)
	assert.Equal(t, want, written)

	err = writeTemplate("server", examples.ServerConfig)
	require.Error(t, err, "second write should refuse to clobber")
	assert.Contains(t, err.Error(), "already exists")
}

func TestClientConfigTemplateFields(t *testing.T) {
	content, err := examples.ClientConfig()
	require.NoError(t, err, "failed to load client config template")

	var cfg config.Client
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	err = decoder.Decode(&cfg)
	require.NoError(t, err, "client.yaml contains unknown fields or invalid YAML")

	assert.NotEmpty(t, cfg.ClientID, "client id placeholder should not be empty")
	assert.NotEmpty(t, cfg.Server, "server url should not be empty")
	assert.NotEmpty(t, cfg.Auth.Secret, "auth secret placeholder should not be empty")

	assert.Equal(t, config.DefaultClientVersion, cfg.Version)
	assert.Equal(t, config.DefaultAuthVersion, cfg.Auth.AuthVersion)
	assert.Equal(t, config.DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, config.DefaultInvokeTimeout, cfg.InvokeTimeout)
	assert.Equal(t, config.DefaultReconnectBackoff, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, config.DefaultReconnectMaxBackoff, cfg.Reconnect.MaxBackoff)

	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate(), "template should validate as-is")
}
