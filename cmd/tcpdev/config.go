package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-tcpdev/device"
	"github.com/arloliu/go-tcpdev/parser"
	"github.com/mcuadros/go-defaults"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cliConfig is the configuration shared by all commands.
//
// Values are resolved from flags, TCPDEV_* environment variables and the optional
// config file, in this order; the struct tags hold the defaults.
type cliConfig struct {
	Host              string        `mapstructure:"host" default:"127.0.0.1"`
	Port              int           `mapstructure:"port" default:"5025"`
	ReconnectInterval time.Duration `mapstructure:"reconnect-interval" default:"3s"`
	ResponseTimeout   time.Duration `mapstructure:"response-timeout" default:"3s"`
	Parser            string        `mapstructure:"parser" default:"readline"`
	Delimiter         string        `mapstructure:"delimiter" default:"\\n"`
	FrameLength       int           `mapstructure:"frame-length" default:"0"`
	EOL               string        `mapstructure:"eol" default:"\\n"`
	ConnectWait       time.Duration `mapstructure:"connect-wait" default:"10s"`
	LogLevel          string        `mapstructure:"log-level" default:"info"`
	LogFile           string        `mapstructure:"log-file" default:""`
	LogMaxSize        int           `mapstructure:"log-max-size" default:"100"`
	LogMaxBackups     int           `mapstructure:"log-max-backups" default:"3"`
	MetricsAddr       string        `mapstructure:"metrics-addr" default:""`
}

func newDefaultConfig() *cliConfig {
	cfg := &cliConfig{}
	defaults.SetDefaults(cfg)

	return cfg
}

// addConfigFlags registers the persistent flags of the root command.
func addConfigFlags(cmd *cobra.Command) {
	def := newDefaultConfig()
	flags := cmd.PersistentFlags()

	flags.String("config", "", "Config file (yaml, toml or json)")
	flags.String("host", def.Host, "Host of the device")
	flags.Int("port", def.Port, "TCP port of the device")
	flags.Duration("reconnect-interval", def.ReconnectInterval, "Delay before reconnecting after the connection was lost")
	flags.Duration("response-timeout", def.ResponseTimeout, "Timeout of the TCP handshake and of each request")
	flags.String("parser", def.Parser, "Frame parser: none, readline, delimiter or bytelength")
	flags.String("delimiter", def.Delimiter, "Delimiter of the readline and delimiter parsers, escape sequences allowed")
	flags.Int("frame-length", def.FrameLength, "Frame length of the bytelength parser")
	flags.String("eol", def.EOL, "Suffix appended to each command, escape sequences allowed")
	flags.Duration("connect-wait", def.ConnectWait, "How long send and request wait for the connection")
	flags.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-file", def.LogFile, "Write logs to this file with rotation instead of stderr")
	flags.Int("log-max-size", def.LogMaxSize, "Maximum size in megabytes of the log file before it is rotated")
	flags.Int("log-max-backups", def.LogMaxBackups, "Maximum number of rotated log files to retain")
	flags.String("metrics-addr", def.MetricsAddr, "Serve prometheus metrics on this address, e.g. :9100")
}

// loadConfig resolves the configuration of cmd.
func loadConfig(cmd *cobra.Command) (*cliConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("TCPDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := newDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// deviceOptions converts cfg to device options.
func (cfg *cliConfig) deviceOptions() ([]device.ConfigOption, error) {
	opts := []device.ConfigOption{
		device.WithReconnectInterval(cfg.ReconnectInterval),
		device.WithResponseTimeout(cfg.ResponseTimeout),
	}

	p, err := cfg.parser()
	if err != nil {
		return nil, err
	}
	if p != nil {
		opts = append(opts, device.WithParser(p))
	}

	return opts, nil
}

func (cfg *cliConfig) parser() (parser.Transform, error) {
	delim, err := unescape(cfg.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("invalid delimiter: %w", err)
	}

	switch cfg.Parser {
	case "", "none":
		return nil, nil
	case "readline":
		return parser.NewReadline(delim), nil
	case "delimiter":
		return parser.NewDelimiter([]byte(delim), false), nil
	case "bytelength":
		if cfg.FrameLength <= 0 {
			return nil, errors.New("the bytelength parser requires a positive --frame-length")
		}
		return parser.NewByteLength(cfg.FrameLength), nil
	default:
		return nil, fmt.Errorf("unknown parser %q", cfg.Parser)
	}
}

// unescape interprets Go escape sequences such as \n, \r\n or \x03 in s.
func unescape(s string) (string, error) {
	return strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
}
