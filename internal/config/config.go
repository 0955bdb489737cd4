package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LogLevel     string        `mapstructure:"log_level"`

	ICEServers       []string      `mapstructure:"ice_servers"`
	UDPPortMin       uint16        `mapstructure:"udp_port_min"`
	UDPPortMax       uint16        `mapstructure:"udp_port_max"`
	RenegotiateDelay time.Duration `mapstructure:"renegotiate_delay"`
	ICEGatherTimeout time.Duration `mapstructure:"ice_gather_timeout"`

	// RoomRate is the sustained new_room rate per channel, in rooms per second.
	RoomRate  float64 `mapstructure:"room_rate"`
	RoomBurst int     `mapstructure:"room_burst"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// BindFlags registers command line flags for the most common keys and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("mode", "release", "gin mode: debug or release")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("static-path", "./web", "directory of the static web client")
	fs.String("log-level", "info", "log level")
	fs.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	fs.Uint16("udp-port-min", 0, "lowest UDP port for media")
	fs.Uint16("udp-port-max", 0, "highest UDP port for media")

	for _, name := range []string{"mode", "port", "static-path", "log-level", "ice-servers", "udp-port-min", "udp-port-max"} {
		if err := v.BindPFlag(strings.ReplaceAll(name, "-", "_"), fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("udp_port_min", 0)
	v.SetDefault("udp_port_max", 0)
	v.SetDefault("renegotiate_delay", "200ms")
	v.SetDefault("ice_gather_timeout", "0s")
	v.SetDefault("room_rate", 1.0)
	v.SetDefault("room_burst", 5)
}

// Load reads defaults, the yaml file selected by CONFIG_ENV and SFU_* environment variables into v.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("SFU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	file := ""
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		file = fileName
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.File = file
	if cfg.UDPPortMin > cfg.UDPPortMax {
		return nil, fmt.Errorf("udp_port_min %d above udp_port_max %d", cfg.UDPPortMin, cfg.UDPPortMax)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and passes the result to onChange.
// It is a no-op when no file was loaded.
func Watch(v *viper.Viper, cfg *Config, onChange func(*Config)) {
	if cfg.File == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Error().Str("module", "config").Err(err).Msg("reload config")
			return
		}
		next.File = cfg.File
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		onChange(next)
	})
	v.WatchConfig()
}

// ApplyLogLevel sets the global zerolog level.
func ApplyLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
