package common

import "github.com/spf13/viper"

// ===============================================================================
// Target Stream Service Related Config

// TargetConfig defines parameters for reaching the WebSocket stream service
type TargetConfig struct {
	// Host is the stream service hostname
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// Port is the stream service port. Port 443 implies TLS (wss://)
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0"`
	// AppKey is the application key presented during the connection handshake
	AppKey string `mapstructure:"app_key" json:"app_key" validate:"required"`
	// Channel is the channel to subscribe against
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines per-session protocol parameters
type SessionConfig struct {
	// SubscribeTimeout is the max duration to wait for a subscribe ACK in seconds.
	// The connection handshake wait is folded into the same bound.
	SubscribeTimeout int `mapstructure:"subscribe_timeout_sec" json:"subscribe_timeout_sec" validate:"gte=1"`
	// FilterUpdateInterval is the period between live filter replacements in
	// milliseconds. Only used by the periodic update scenario.
	FilterUpdateInterval int `mapstructure:"filter_update_interval_ms" json:"filter_update_interval_ms" validate:"gte=100"`
	// InboundBuffer is the per-session inbound message buffer depth
	InboundBuffer int `mapstructure:"inbound_buffer" json:"inbound_buffer" validate:"gte=1"`
}

// ===============================================================================
// Token Pool Related Config

// TokenPoolConfig defines where filter token addresses come from
type TokenPoolConfig struct {
	// File is a JSON file containing an array of token addresses. When the file
	// is missing, a synthetic pool is generated instead.
	File string `mapstructure:"file" json:"file"`
	// SyntheticSize is the size of the generated pool when no file is available
	SyntheticSize int `mapstructure:"synthetic_size" json:"synthetic_size" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// EngineConfig defines the benchmark engine config shared by every scenario run
type EngineConfig struct {
	// Target are the stream service connection parameters
	Target TargetConfig `mapstructure:"target" json:"target" validate:"required,dive"`
	// Session are the per-session protocol parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Tokens are the filter token pool parameters
	Tokens TokenPoolConfig `mapstructure:"tokens" json:"tokens" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default target settings
	viper.SetDefault("target.host", "stream-v2.projectscylla.com")
	viper.SetDefault("target.port", 443)
	viper.SetDefault("target.app_key", "knife-library-likely")
	viper.SetDefault("target.channel", "trident_filter_tokens_v1")

	// Default session settings
	viper.SetDefault("session.subscribe_timeout_sec", 10)
	viper.SetDefault("session.filter_update_interval_ms", 5000)
	viper.SetDefault("session.inbound_buffer", 256)

	// Default token pool settings
	viper.SetDefault("tokens.file", "token-addresses.json")
	viper.SetDefault("tokens.synthetic_size", 10000)
}
