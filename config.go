package udpfetch

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default client settings.
const (
	// DefaultBindIP binds every local address.
	DefaultBindIP = "0.0.0.0"

	// DefaultDiscoveryPort is the well-known port servers listen on for SYN.
	DefaultDiscoveryPort = 5000

	// DefaultHandshakeTimeout bounds the wait for the SYN-ACK.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultListenTimeout bounds every receive after the handshake. It must
	// stay below the server's retransmission timeout, otherwise a lost ACK is
	// only repaired when the server gives up.
	DefaultListenTimeout = 3 * time.Second

	// DefaultTraceSize is the size of the in-memory segment trace in bytes.
	DefaultTraceSize = 16 * 1024
)

// Config holds the static client configuration, resolved before a session
// starts. All fields can be overridden from a YAML file with LoadConfig.
type Config struct {
	// BindIP is the local address to bind.
	BindIP string `yaml:"bind_ip"`

	// DiscoveryPort is the destination port of the broadcast SYN.
	DiscoveryPort int `yaml:"discovery_port"`

	// DiscoveryAddr overrides the destination address of the SYN.
	// Empty means the interface broadcast address.
	DiscoveryAddr string `yaml:"discovery_addr"`

	// InterfaceName selects the interface for broadcast. Empty auto-detects.
	InterfaceName string `yaml:"interface"`

	// HandshakeTimeout bounds the single SYN-ACK receive.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ListenTimeout bounds each receive during metadata and data transfer.
	ListenTimeout time.Duration `yaml:"listen_timeout"`

	// FetchMetadata enables the metadata exchange before the transfer.
	FetchMetadata bool `yaml:"fetch_metadata"`

	// MaxRetries bounds consecutive listen timeouts during the transfer.
	// 0 retries forever.
	MaxRetries int `yaml:"max_retries"`

	// TraceSize is the byte size of the segment trace kept for diagnostics.
	// 0 disables the trace.
	TraceSize int64 `yaml:"trace_size"`

	// ShowSegments logs every received segment in full.
	ShowSegments bool `yaml:"-"`

	// ShowPayload logs a hex dump of every received payload.
	ShowPayload bool `yaml:"-"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BindIP:           DefaultBindIP,
		DiscoveryPort:    DefaultDiscoveryPort,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ListenTimeout:    DefaultListenTimeout,
		FetchMetadata:    true,
		MaxRetries:       0, // Unbounded
		TraceSize:        DefaultTraceSize,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Keys missing from the
// file keep their defaults. Durations use Go syntax ("3s", "500ms").
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the session cannot run with.
func (c *Config) Validate() error {
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%w: discovery_port %d out of range", ErrInvalidConfig, c.DiscoveryPort)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.ListenTimeout <= 0 {
		return fmt.Errorf("%w: listen_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidConfig)
	}
	if c.TraceSize < 0 {
		return fmt.Errorf("%w: trace_size must not be negative", ErrInvalidConfig)
	}
	if c.DiscoveryAddr != "" {
		if _, err := netip.ParseAddr(c.DiscoveryAddr); err != nil {
			return fmt.Errorf("%w: discovery_addr: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Default responder settings.
const (
	// DefaultChunkSize fills a segment to MaxSegmentSize.
	DefaultChunkSize = MaxPayloadSize

	// DefaultRetransmitTimeout is how long the responder waits for an ACK
	// before resending. It must exceed the client's listen timeout.
	DefaultRetransmitTimeout = 5 * time.Second

	// DefaultResponderRetries bounds resends of a single segment.
	DefaultResponderRetries = 20
)

// ResponderConfig configures the sending side of a transfer.
type ResponderConfig struct {
	// ChunkSize is the payload size of each data segment.
	ChunkSize int `yaml:"chunk_size"`

	// RetransmitTimeout is the wait for an ACK before resending.
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`

	// MaxRetries bounds resends of one segment (and of the FIN).
	MaxRetries int `yaml:"max_retries"`

	// Metadata, when set, is sent once right after the handshake.
	Metadata *Metadata `yaml:"-"`

	// Access restricts which clients are answered. Nil answers anyone.
	Access *AccessListConfig `yaml:"-"`
}

// DefaultResponderConfig returns the default responder configuration.
func DefaultResponderConfig() *ResponderConfig {
	return &ResponderConfig{
		ChunkSize:         DefaultChunkSize,
		RetransmitTimeout: DefaultRetransmitTimeout,
		MaxRetries:        DefaultResponderRetries,
	}
}

// Validate checks the responder configuration.
func (c *ResponderConfig) Validate() error {
	if c.ChunkSize <= 0 || c.ChunkSize > MaxPayloadSize {
		return fmt.Errorf("%w: chunk_size must be in 1..%d", ErrInvalidConfig, MaxPayloadSize)
	}
	if c.RetransmitTimeout <= 0 {
		return fmt.Errorf("%w: retransmit_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("%w: max_retries must be positive", ErrInvalidConfig)
	}
	if c.Access != nil && c.Access.Mode == AccessListModeWhitelist && len(c.Access.Prefixes) == 0 {
		return fmt.Errorf("%w: whitelist without prefixes rejects every client", ErrInvalidConfig)
	}
	return nil
}
