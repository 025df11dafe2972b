package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultListenAddr        = ":8080"
	DefaultUserLimit         = 5
	DefaultRelayMode         = "mesh"
	DefaultSendBuffer        = 256
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultDepartedTTL       = 30 * time.Second

	DefaultServerURL            = "ws://localhost:8080/ws"
	DefaultSTUN                 = "stun:stun.l.google.com:19302"
	DefaultMaxPendingCandidates = 64
)

// EnvPrefix is prepended to every environment variable, e.g.
// WARPMESH_LISTEN_ADDR.
const EnvPrefix = "WARPMESH"

var (
	ErrInvalidRelayMode = errors.New("relay_mode must be \"mesh\" or \"pair\"")
	ErrForceRelayNoTURN = errors.New("force_relay requires a TURN server")
)

// ServerConfig configures the signaling relay.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	UserLimit         int           `mapstructure:"user_limit"`
	RelayMode         string        `mapstructure:"relay_mode"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	DepartedTTL       time.Duration `mapstructure:"departed_ttl"`
}

// ClientConfig configures a mesh participant.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Msgpack   bool   `mapstructure:"msgpack"`

	// ICE servers for WebRTC
	STUNServer string `mapstructure:"stun_server"`
	TURNServer string `mapstructure:"turn_server"`
	TURNUser   string `mapstructure:"turn_user"`
	TURNPass   string `mapstructure:"turn_pass"`
	ForceRelay bool   `mapstructure:"force_relay"`

	MaxPendingCandidates int  `mapstructure:"max_pending_candidates"`
	ReceiveAudio         bool `mapstructure:"receive_audio"`
	ReceiveVideo         bool `mapstructure:"receive_video"`
}

// LoadDotEnv reads a .env file from the working directory if there is one.
// Variables already set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// New returns a viper instance with every default registered and the
// environment wired in. Priority is flags > environment > config file >
// defaults.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("user_limit", DefaultUserLimit)
	v.SetDefault("relay_mode", DefaultRelayMode)
	v.SetDefault("send_buffer", DefaultSendBuffer)
	v.SetDefault("max_message_bytes", DefaultMaxMessageBytes)
	v.SetDefault("messages_per_second", DefaultMessagesPerSecond)
	v.SetDefault("departed_ttl", DefaultDepartedTTL)

	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("msgpack", false)
	v.SetDefault("stun_server", DefaultSTUN)
	v.SetDefault("turn_server", "")
	v.SetDefault("turn_user", "")
	v.SetDefault("turn_pass", "")
	v.SetDefault("force_relay", false)
	v.SetDefault("max_pending_candidates", DefaultMaxPendingCandidates)
	v.SetDefault("receive_audio", false)
	v.SetDefault("receive_video", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Unprefixed names kept for existing deployments.
	_ = v.BindEnv("stun_server", EnvPrefix+"_STUN_SERVER", "STUN_SERVER")
	_ = v.BindEnv("turn_server", EnvPrefix+"_TURN_SERVER", "TURN_SERVER")
	_ = v.BindEnv("turn_user", EnvPrefix+"_TURN_USER", "TURN_USERNAME")
	_ = v.BindEnv("turn_pass", EnvPrefix+"_TURN_PASS", "TURN_PASSWORD")

	return v
}

// BindFlags binds every flag in fs to the key of the same name with dashes
// turned into underscores, so --listen-addr sets listen_addr.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// ReadFile merges the config file at path into v. An empty path looks for
// an optional warpmesh.{yaml,json,toml} in the working directory.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("warpmesh")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// LoadServer decodes and validates the relay settings.
func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings and applies the pair mode room cap.
func (c *ServerConfig) Validate() error {
	c.RelayMode = strings.ToLower(strings.TrimSpace(c.RelayMode))
	switch c.RelayMode {
	case "mesh":
	case "pair":
		c.UserLimit = 2
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidRelayMode, c.RelayMode)
	}

	if c.ListenAddr == "" {
		return errors.New("listen_addr must not be empty")
	}
	if c.UserLimit < 1 {
		return fmt.Errorf("user_limit must be at least 1, got %d", c.UserLimit)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1, got %d", c.SendBuffer)
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", c.MaxMessageBytes)
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("messages_per_second must not be negative, got %v", c.MessagesPerSecond)
	}
	if c.DepartedTTL <= 0 {
		return fmt.Errorf("departed_ttl must be positive, got %s", c.DepartedTTL)
	}
	return nil
}

// LoadClient decodes and validates the participant settings.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings.
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server_url %q is not a valid URL", c.ServerURL)
	}
	if c.ForceRelay && c.TURNServer == "" {
		return ErrForceRelayNoTURN
	}
	if c.MaxPendingCandidates < 1 {
		return fmt.Errorf("max_pending_candidates must be at least 1, got %d", c.MaxPendingCandidates)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *ClientConfig) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured. A bare host expands
// to the usual UDP, TCP and TLS endpoints; a host with a port is used as is.
func (c *ClientConfig) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := c.TURNServer
	for _, scheme := range []string{"turns:", "turn:"} {
		if strings.HasPrefix(host, scheme) {
			host = strings.TrimPrefix(host, scheme)
			break
		}
	}
	if strings.Contains(host, ":") || strings.Contains(host, "?") {
		if strings.HasPrefix(c.TURNServer, "turn") {
			return []string{c.TURNServer}
		}
		return []string{"turn:" + host}
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *ClientConfig) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
