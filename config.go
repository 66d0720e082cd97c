package quic

import (
	"errors"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

const (
	// DefaultHandshakeIdleTimeout is used when Config.HandshakeIdleTimeout is unset.
	DefaultHandshakeIdleTimeout = 5 * time.Second
	// DefaultIdleTimeout is used when Config.MaxIdleTimeout is unset.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultConnectionIDLength is used when Config.ConnectionIDLength is unset; 0 would mean
	// "omit connection IDs", which this implementation doesn't support on either endpoint.
	DefaultConnectionIDLength = 4
	// DefaultInitialStreamReceiveWindow is used when Config.InitialStreamReceiveWindow is unset.
	DefaultInitialStreamReceiveWindow uint64 = 512 * (1 << 10)
	// DefaultMaxStreamReceiveWindow caps how far a stream's receive window can autotune up to.
	DefaultMaxStreamReceiveWindow uint64 = 6 * (1 << 20)
	// DefaultInitialConnectionReceiveWindow is used when Config.InitialConnectionReceiveWindow is unset.
	DefaultInitialConnectionReceiveWindow uint64 = 512 * (1 << 10)
	// DefaultMaxConnectionReceiveWindow caps how far the connection-level receive window autotunes.
	DefaultMaxConnectionReceiveWindow uint64 = 15 * (1 << 20)
	// DefaultMaxIncomingStreams is used when Config.MaxIncomingStreams is unset.
	DefaultMaxIncomingStreams = 100
	// DefaultMaxIncomingUniStreams is used when Config.MaxIncomingUniStreams is unset.
	DefaultMaxIncomingUniStreams = 100
	// DefaultActiveConnectionIDLimit is used when Config.ActiveConnectionIDLimit is unset.
	DefaultActiveConnectionIDLimit = 2
	// DefaultBatchSize is used when Config.BatchSize is unset; matches the teacher's sys_conn
	// batch constant. 1 would disable batching outright.
	DefaultBatchSize = 8
	// DefaultAckElicitingThreshold is used when Config.EnableAckFrequency is set but
	// Config.AckElicitingThreshold is unset: ack every other eliciting packet.
	DefaultAckElicitingThreshold uint64 = 2
	// DefaultAckFrequencyMaxAckDelay is used when Config.EnableAckFrequency is set but
	// Config.MaxAckDelay is unset.
	DefaultAckFrequencyMaxAckDelay = 25 * time.Millisecond
	// DefaultAckFrequencyReorderingThreshold is used when Config.EnableAckFrequency is set but
	// Config.ReorderingThreshold is unset.
	DefaultAckFrequencyReorderingThreshold uint64 = 1
	// maxStreamGroupsCeiling bounds Config.MaxStreamGroups: an application asking for more
	// concurrent groups than this is almost certainly a misconfiguration, not a real need.
	maxStreamGroupsCeiling = 1 << 16
)

// Clone returns a shallow copy of c. TLSConfig and TokenStore are shared with the original, not
// copied, matching how (*tls.Config).Clone is documented to behave for its own pointer fields.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

func validateConfig(config *Config) error {
	if config == nil {
		return nil
	}
	if config.MaxIncomingStreams < 0 || config.MaxIncomingStreams > 1<<60 {
		return errors.New("quic: invalid Config.MaxIncomingStreams")
	}
	if config.MaxIncomingUniStreams < 0 || config.MaxIncomingUniStreams > 1<<60 {
		return errors.New("quic: invalid Config.MaxIncomingUniStreams")
	}
	if config.MaxStreamGroups > maxStreamGroupsCeiling {
		return errors.New("quic: Config.MaxStreamGroups too large")
	}
	if config.InitialStreamReceiveWindow > config.MaxStreamReceiveWindow && config.MaxStreamReceiveWindow != 0 {
		return errors.New("quic: Config.InitialStreamReceiveWindow exceeds Config.MaxStreamReceiveWindow")
	}
	if config.InitialConnectionReceiveWindow > config.MaxConnectionReceiveWindow && config.MaxConnectionReceiveWindow != 0 {
		return errors.New("quic: Config.InitialConnectionReceiveWindow exceeds Config.MaxConnectionReceiveWindow")
	}
	return nil
}

// populateConfig fills in every unset field of config with its default, returning a fresh Config
// so the caller's original is never mutated. It may be called with a nil config.
func populateConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	} else {
		config = config.Clone()
	}

	if config.HandshakeIdleTimeout == 0 {
		config.HandshakeIdleTimeout = DefaultHandshakeIdleTimeout
	}
	if config.MaxIdleTimeout == 0 {
		config.MaxIdleTimeout = DefaultIdleTimeout
	}
	if config.InitialPacketSize == 0 {
		config.InitialPacketSize = uint16(protocol.MinInitialPacketSize)
	}
	if config.InitialStreamReceiveWindow == 0 {
		config.InitialStreamReceiveWindow = DefaultInitialStreamReceiveWindow
	}
	if config.MaxStreamReceiveWindow == 0 {
		config.MaxStreamReceiveWindow = DefaultMaxStreamReceiveWindow
	}
	if config.InitialConnectionReceiveWindow == 0 {
		config.InitialConnectionReceiveWindow = DefaultInitialConnectionReceiveWindow
	}
	if config.MaxConnectionReceiveWindow == 0 {
		config.MaxConnectionReceiveWindow = DefaultMaxConnectionReceiveWindow
	}
	if config.MaxIncomingStreams == 0 {
		config.MaxIncomingStreams = DefaultMaxIncomingStreams
	}
	if config.MaxIncomingUniStreams == 0 {
		config.MaxIncomingUniStreams = DefaultMaxIncomingUniStreams
	}
	if config.ConnectionIDLength == 0 {
		config.ConnectionIDLength = DefaultConnectionIDLength
	}
	if config.ActiveConnectionIDLimit == 0 {
		config.ActiveConnectionIDLimit = DefaultActiveConnectionIDLimit
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.EnableAckFrequency {
		if config.AckElicitingThreshold == 0 {
			config.AckElicitingThreshold = DefaultAckElicitingThreshold
		}
		if config.MaxAckDelay == 0 {
			config.MaxAckDelay = DefaultAckFrequencyMaxAckDelay
		}
		if config.ReorderingThreshold == 0 {
			config.ReorderingThreshold = DefaultAckFrequencyReorderingThreshold
		}
	}
	return config
}
