// Package config loads the settings of the relay and the participant
// binaries. Values come from defaults, an optional config file, MESH_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stv0g/pion-mesh/pkg"
	"github.com/stv0g/pion-mesh/pkg/rtc"
)

const EnvPrefix = "MESH"

const (
	BackendWebsocket = "websocket"
	BackendRedis     = "redis"
)

type Relay struct {
	Address     string `mapstructure:"addr"`
	APIUsername string `mapstructure:"api-username"`
	APIPassword string `mapstructure:"api-password"`
	APIToken    string `mapstructure:"api-token"`
	LogLevel    string `mapstructure:"log-level"`
}

type Redis struct {
	Address  string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Client struct {
	Backend      string `mapstructure:"backend"`
	SignalingURL string `mapstructure:"url"`
	Redis        Redis  `mapstructure:"redis"`

	Room        string `mapstructure:"room"`
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"name"`
	Context     string `mapstructure:"context"`

	ICEServers    []string `mapstructure:"ice-servers"`
	ICEUsername   string   `mapstructure:"ice-username"`
	ICECredential string   `mapstructure:"ice-credential"`

	AudioFile  string `mapstructure:"audio-file"`
	VideoFile  string `mapstructure:"video-file"`
	ScreenFile string `mapstructure:"screen-file"`
	Loop       bool   `mapstructure:"loop"`

	MicEnabled bool `mapstructure:"mic"`
	CamEnabled bool `mapstructure:"cam"`

	MetricsAddress string `mapstructure:"metrics-addr"`
	LogLevel       string `mapstructure:"log-level"`
}

func (c *Client) ParticipantID() pkg.ParticipantID {
	return pkg.ParticipantID(c.ID)
}

// RTC returns the peer connection settings.
func (c *Client) RTC() rtc.Config {
	return rtc.Config{
		ICEServers: c.ICEServers,
		Username:   c.ICEUsername,
		Credential: c.ICECredential,
	}
}

func (c *Client) Validate() error {
	switch c.Backend {
	case BackendWebsocket:
		if c.SignalingURL == "" {
			return errors.New("missing signaling url")
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return errors.New("missing redis address")
		}
	default:
		return fmt.Errorf("unknown signaling backend: %s", c.Backend)
	}

	if c.Room == "" {
		return errors.New("missing room")
	}

	return nil
}

// LoadRelay parses args (without the program name).
func LoadRelay(args []string) (*Relay, error) {
	fs := pflag.NewFlagSet("mesh-relay", pflag.ContinueOnError)
	fs.String("config", "", "Path of a config file")
	fs.String("addr", ":8080", "HTTP service address")
	fs.String("api-username", "admin", "Username for API endpoint")
	fs.String("api-password", "", "Password for API endpoint")
	fs.String("api-token", "", "Bearer token for authentication")
	fs.String("log-level", "info", "Log level")

	v, err := load(fs, args)
	if err != nil {
		return nil, err
	}

	cfg := &Relay{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadClient parses args (without the program name).
func LoadClient(args []string) (*Client, error) {
	fs := pflag.NewFlagSet("mesh-client", pflag.ContinueOnError)
	fs.String("config", "", "Path of a config file")
	fs.String("backend", BackendWebsocket, "Signaling backend: websocket or redis")
	fs.String("url", "ws://localhost:8080/", "Base URL of the signaling relay")
	fs.String("redis.addr", "localhost:6379", "Address of the redis server")
	fs.String("redis.password", "", "Password of the redis server")
	fs.Int("redis.db", 0, "Redis database")
	fs.String("room", "default", "Room to join")
	fs.String("id", "", "Participant id (assigned by the relay if empty)")
	fs.String("name", "", "Display name")
	fs.String("context", pkg.ContextVideoCall, "Signaling context tag")
	fs.StringSlice("ice-servers", rtc.DefaultICEServers, "ICE server URLs")
	fs.String("ice-username", "", "Username for TURN servers")
	fs.String("ice-credential", "", "Credential for TURN servers")
	fs.String("audio-file", "", "Ogg/Opus file played as microphone")
	fs.String("video-file", "", "IVF/VP8 file played as camera")
	fs.String("screen-file", "", "IVF/VP8 file played as screen")
	fs.Bool("loop", false, "Restart media files when they end")
	fs.Bool("mic", true, "Start with the microphone enabled")
	fs.Bool("cam", true, "Start with the camera enabled")
	fs.String("metrics-addr", "", "Serve prometheus metrics on this address")
	fs.String("log-level", "info", "Log level")

	v, err := load(fs, args)
	if err != nil {
		return nil, err
	}

	cfg := &Client{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func load(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if fn := v.GetString("config"); fn != "" {
		v.SetConfigFile(fn)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", fn, err)
		}
	}

	return v, nil
}

// SetupLogging applies a log level name to the standard logger.
func SetupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return nil
}
