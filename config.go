// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TransmissionMode selects the delivery contract of a connection.
type TransmissionMode int

const (
	// ModeLive is the latency-bounded mode: packets are released to the
	// application on a fixed latency schedule, and unrecoverable losses are
	// skipped rather than stalling delivery.
	ModeLive TransmissionMode = iota
	// ModeFile is the reliable bulk-transfer mode: no latency schedule, no
	// drops, AIMD congestion control.
	ModeFile
)

func (m TransmissionMode) String() string {
	if m == ModeFile {
		return "file"
	}
	return "live"
}

// UnmarshalYAML accepts "live" or "file".
func (m *TransmissionMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "live", "":
		*m = ModeLive
	case "file":
		*m = ModeFile
	default:
		return fmt.Errorf("unknown transmission mode %q", s)
	}
	return nil
}

// MarshalYAML emits "live" or "file".
func (m TransmissionMode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// Config carries the recognized connection options. The zero value is not
// usable; start from DefaultConfig or LoadConfig.
type Config struct {
	// Latency is the receive-side target latency: how long arriving packets
	// are buffered before release, which is also the retransmission budget.
	// The effective value is the maximum of this and the peer's PeerLatency.
	Latency time.Duration `yaml:"latency"`

	// PeerLatency is the latency we propose for the peer's receiving
	// direction.
	PeerLatency time.Duration `yaml:"peer_latency"`

	// Mode selects live or file transmission.
	Mode TransmissionMode `yaml:"mode"`

	// StreamID is an opaque identifier handed to the listener during the
	// handshake (access control, stream routing).
	StreamID string `yaml:"stream_id"`

	// Passphrase enables payload encryption when non-empty. Both peers must
	// configure the same value.
	Passphrase string `yaml:"passphrase"`

	// KeyLen is the AES key length in bytes: 16, 24, or 32.
	KeyLen int `yaml:"key_len"`

	// FlowWindow is the maximum number of unacknowledged packets in flight.
	FlowWindow int `yaml:"flow_window"`

	// MTU bounds the size of a datagram we will emit, headers included.
	MTU int `yaml:"mtu"`

	// MaxBandwidth caps the live-mode send rate, bytes per second including
	// protocol overhead. Zero means unpaced.
	MaxBandwidth int64 `yaml:"max_bandwidth"`

	// MaxRexmitAttempts bounds how often one packet is retransmitted before
	// the sender abandons it (live mode drops it; the receiver skips past).
	MaxRexmitAttempts int `yaml:"max_rexmit_attempts"`

	// ConnectTimeout bounds the whole handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// KeepAliveInterval is how often keep-alives are sent on an otherwise
	// idle connection; IdleTimeout is how long we tolerate total silence
	// from the peer before closing unilaterally.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the defaults for a live-mode connection.
func DefaultConfig() *Config {
	return &Config{
		Latency:           120 * time.Millisecond,
		Mode:              ModeLive,
		KeyLen:            16,
		FlowWindow:        8192,
		MTU:               ethernetMTU,
		MaxRexmitAttempts: 4,
		ConnectTimeout:    3 * time.Second,
		KeepAliveInterval: time.Second,
		IdleTimeout:       5 * time.Second,
	}
}

// UnmarshalYAML decodes a Config. yaml.v3 has no native handling for
// time.Duration, so the duration options are decoded from strings in
// time.ParseDuration syntax ("120ms", "1s").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Latency           string           `yaml:"latency"`
		PeerLatency       string           `yaml:"peer_latency"`
		Mode              TransmissionMode `yaml:"mode"`
		StreamID          string           `yaml:"stream_id"`
		Passphrase        string           `yaml:"passphrase"`
		KeyLen            int              `yaml:"key_len"`
		FlowWindow        int              `yaml:"flow_window"`
		MTU               int              `yaml:"mtu"`
		MaxBandwidth      int64            `yaml:"max_bandwidth"`
		MaxRexmitAttempts int              `yaml:"max_rexmit_attempts"`
		ConnectTimeout    string           `yaml:"connect_timeout"`
		KeepAliveInterval string           `yaml:"keepalive_interval"`
		IdleTimeout       string           `yaml:"idle_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"latency", raw.Latency, &c.Latency},
		{"peer_latency", raw.PeerLatency, &c.PeerLatency},
		{"connect_timeout", raw.ConnectTimeout, &c.ConnectTimeout},
		{"keepalive_interval", raw.KeepAliveInterval, &c.KeepAliveInterval},
		{"idle_timeout", raw.IdleTimeout, &c.IdleTimeout},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.out = parsed
	}
	c.Mode = raw.Mode
	c.StreamID = raw.StreamID
	c.Passphrase = raw.Passphrase
	c.KeyLen = raw.KeyLen
	c.FlowWindow = raw.FlowWindow
	c.MTU = raw.MTU
	c.MaxBandwidth = raw.MaxBandwidth
	c.MaxRexmitAttempts = raw.MaxRexmitAttempts
	return nil
}

// LoadConfig reads a YAML config file and fills in defaults for anything
// left unset.
func LoadConfig(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Latency == 0 {
		c.Latency = def.Latency
	}
	if c.KeyLen == 0 {
		c.KeyLen = def.KeyLen
	}
	if c.FlowWindow == 0 {
		c.FlowWindow = def.FlowWindow
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.MaxRexmitAttempts == 0 {
		c.MaxRexmitAttempts = def.MaxRexmitAttempts
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
}

func (c *Config) validate() error {
	switch c.KeyLen {
	case 16, 24, 32:
	default:
		return fmt.Errorf("key_len must be 16, 24, or 32 (got %d)", c.KeyLen)
	}
	if c.MTU < 256 {
		return fmt.Errorf("mtu %d is too small", c.MTU)
	}
	if c.FlowWindow < 32 {
		return fmt.Errorf("flow_window %d is too small", c.FlowWindow)
	}
	if c.Latency < 0 || c.PeerLatency < 0 {
		return fmt.Errorf("latency values must not be negative")
	}
	return nil
}

// clone returns a copy so a caller-owned Config can't be mutated behind the
// engine's back.
func (c *Config) clone() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	out.fillDefaults()
	return &out
}

// payloadSize is the usable payload bytes per data packet for this MTU.
func (c *Config) payloadSize() int {
	return c.MTU - udpIPv4Overhead - headerSize
}
