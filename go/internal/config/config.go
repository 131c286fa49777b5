// Package config loads the room node configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, the YAML file
// named by --config, a .env file, ROOM_* environment variables, command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const envPrefix = "ROOM_"

// Config is the complete node configuration.
type Config struct {
	NATSUser      string `yaml:"nats_user"`
	NATSPassword  string `yaml:"nats_password"`
	NATSURLScheme string `yaml:"nats_url_scheme"`
	ResultsStream string `yaml:"results_stream"`

	ServiceType     string   `yaml:"service_type"`
	ServiceDomain   string   `yaml:"service_domain"`
	FallbackAddress string   `yaml:"fallback_address"`
	FallbackPort    int      `yaml:"fallback_port"`
	Interfaces      []string `yaml:"interfaces"`
	Spy             bool     `yaml:"spy"`

	GameLength         time.Duration `yaml:"game_length"`
	Debug              bool          `yaml:"debug"`
	TimerBackend       string        `yaml:"timer_backend"`
	AutoPlayBackground bool          `yaml:"auto_play_background"`

	HTTPAddr        string `yaml:"http_addr"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	ShutdownCommand string `yaml:"shutdown_command"`
	RebootCommand   string `yaml:"reboot_command"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		NATSURLScheme:      "nats",
		ServiceType:        "_team._tcp",
		ServiceDomain:      "local.",
		FallbackAddress:    "192.168.1.200",
		FallbackPort:       51000,
		Interfaces:         []string{"eth0", "wlan0"},
		GameLength:         300 * time.Second,
		TimerBackend:       "clock",
		AutoPlayBackground: true,
		HTTPAddr:           ":8080",
		LogLevel:           "info",
		LogFormat:          "console",
		ShutdownCommand:    "sudo shutdown -h now",
		RebootCommand:      "sudo reboot",
	}
}

// field binds one configuration key to its place in Config.
type field struct {
	key   string
	usage string
	ptr   any
}

func (c *Config) fields() []field {
	return []field{
		{"nats_user", "NATS user name", &c.NATSUser},
		{"nats_password", "NATS password", &c.NATSPassword},
		{"nats_url_scheme", "URL scheme used to dial the discovered server", &c.NATSURLScheme},
		{"results_stream", "JetStream stream for game results (empty publishes core NATS)", &c.ResultsStream},
		{"service_type", "mDNS service type of the server", &c.ServiceType},
		{"service_domain", "mDNS domain", &c.ServiceDomain},
		{"fallback_address", "server address used when discovery keeps failing", &c.FallbackAddress},
		{"fallback_port", "server port used when discovery keeps failing", &c.FallbackPort},
		{"interfaces", "comma separated network interfaces, in search order", &c.Interfaces},
		{"spy", "identify as a monitoring connection", &c.Spy},
		{"game_length", "default game length", &c.GameLength},
		{"debug", "synthesize server and door events", &c.Debug},
		{"timer_backend", "countdown backend: clock or loop", &c.TimerBackend},
		{"auto_play_background", "start background music when a game starts", &c.AutoPlayBackground},
		{"http_addr", "listen address for health, metrics and the status feed", &c.HTTPAddr},
		{"log_level", "debug, info, warn or error", &c.LogLevel},
		{"log_format", "console or json", &c.LogFormat},
		{"shutdown_command", "command run on a shutdown request", &c.ShutdownCommand},
		{"reboot_command", "command run on a reboot request", &c.RebootCommand},
	}
}

// FlagName returns the command line flag for key.
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// EnvName returns the environment variable for key.
func EnvName(key string) string {
	return envPrefix + strings.ToUpper(key)
}

// Load builds the configuration from args (without the program name) and the process
// environment.
func Load(args []string) (Config, error) {
	cfg := Default()

	flagSet := pflag.NewFlagSet("roomnode", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML configuration file")
	envFile := flagSet.String("env-file", ".env", "path to a .env file")
	for _, f := range cfg.fields() {
		registerFlag(flagSet, f)
	}
	if err := flagSet.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return Config{}, err
		}
	}

	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", *envFile, err)
	}

	for _, f := range cfg.fields() {
		raw, ok := os.LookupEnv(EnvName(f.key))
		if !ok {
			continue
		}
		if err := set(f.ptr, raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvName(f.key), err)
		}
	}

	for _, f := range cfg.fields() {
		name := FlagName(f.key)
		if !flagSet.Changed(name) {
			continue
		}
		if err := set(f.ptr, flagSet.Lookup(name).Value.String()); err != nil {
			return Config{}, fmt.Errorf("--%s: %w", name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// registerFlag declares the flag for f. Values are read back as strings once the other
// sources have been applied, so the flag defaults only show in --help.
func registerFlag(flagSet *pflag.FlagSet, f field) {
	name := FlagName(f.key)
	switch p := f.ptr.(type) {
	case *bool:
		flagSet.Bool(name, *p, f.usage)
	case *int:
		flagSet.Int(name, *p, f.usage)
	case *time.Duration:
		flagSet.Duration(name, *p, f.usage)
	case *[]string:
		flagSet.String(name, strings.Join(*p, ","), f.usage)
	case *string:
		flagSet.String(name, *p, f.usage)
	}
}

func set(ptr any, raw string) error {
	switch p := ptr.(type) {
	case *string:
		*p = raw
	case *bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = v
	case *int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = v
	case *time.Duration:
		v, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = v
	case *[]string:
		var out []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported field type %T", ptr)
	}
	return nil
}

// Validate checks the values the node cannot run without.
func (c Config) Validate() error {
	if c.FallbackAddress == "" {
		return fmt.Errorf("%w: fallback_address is empty", ErrInvalid)
	}
	if c.FallbackPort <= 0 || c.FallbackPort > 65535 {
		return fmt.Errorf("%w: fallback_port %d out of range", ErrInvalid, c.FallbackPort)
	}
	if c.GameLength <= 0 {
		return fmt.Errorf("%w: game_length must be positive, got %s", ErrInvalid, c.GameLength)
	}
	switch c.TimerBackend {
	case "clock", "loop":
	default:
		return fmt.Errorf("%w: unknown timer_backend %q", ErrInvalid, c.TimerBackend)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: unknown log_format %q", ErrInvalid, c.LogFormat)
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("%w: interfaces is empty", ErrInvalid)
	}
	return nil
}
