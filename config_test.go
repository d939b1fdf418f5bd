// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Millisecond, cfg.Latency)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, 16, cfg.KeyLen)
	assert.Equal(t, 8192, cfg.FlowWindow)
	assert.Equal(t, 1500, cfg.MTU)
	assert.NoError(t, cfg.validate())
}

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "srt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, `
latency: 250ms
peer_latency: 80ms
mode: file
stream_id: "#!::r=live/answer"
passphrase: hunter2
key_len: 32
max_bandwidth: 12500000
`))
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Latency)
	assert.Equal(t, 80*time.Millisecond, cfg.PeerLatency)
	assert.Equal(t, ModeFile, cfg.Mode)
	assert.Equal(t, "#!::r=live/answer", cfg.StreamID)
	assert.Equal(t, "hunter2", cfg.Passphrase)
	assert.Equal(t, 32, cfg.KeyLen)
	assert.Equal(t, int64(12500000), cfg.MaxBandwidth)

	// unset fields get defaults
	assert.Equal(t, 1500, cfg.MTU)
	assert.Equal(t, 8192, cfg.FlowWindow)
	assert.Equal(t, 4, cfg.MaxRexmitAttempts)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.KeepAliveInterval)
	assert.Equal(t, 5*time.Second, cfg.IdleTimeout)
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, *DefaultConfig(), *cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "latency: [not, a, duration]"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "mode: datagram"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "key_len: 15"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "mtu: 100"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "flow_window: 4"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfigFile(t, "latency: -10ms"))
	assert.Error(t, err)
}

func TestTransmissionModeYAML(t *testing.T) {
	out, err := yaml.Marshal(ModeFile)
	require.NoError(t, err)
	assert.Equal(t, "file\n", string(out))

	var m TransmissionMode
	require.NoError(t, yaml.Unmarshal([]byte(`"live"`), &m))
	assert.Equal(t, ModeLive, m)
	require.NoError(t, yaml.Unmarshal([]byte(`"file"`), &m))
	assert.Equal(t, ModeFile, m)

	assert.Equal(t, "live", ModeLive.String())
	assert.Equal(t, "file", ModeFile.String())
}

func TestConfigClone(t *testing.T) {
	var nilCfg *Config
	cloned := nilCfg.clone()
	require.NotNil(t, cloned)
	assert.Equal(t, *DefaultConfig(), *cloned)

	cfg := &Config{Latency: 40 * time.Millisecond}
	cloned = cfg.clone()
	cloned.Latency = time.Second
	assert.Equal(t, 40*time.Millisecond, cfg.Latency)
	assert.Equal(t, 16, cloned.KeyLen)
}

func TestConfigPayloadSize(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1500-28-16, cfg.payloadSize())
}
