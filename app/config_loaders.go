package relay

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

var defaults = map[string]any{
	"port":              8000,
	"hostname":          "0.0.0.0",
	"allowedOrigins":    []string{"*"},
	"tls.crt":           "",
	"tls.key":           "",
	"log.level":         "info",
	"log.format":        "text",
	"ws.path":           "/ws",
	"ws.maxMessageSize": 8 << 20,
	"ws.sendQueueSize":  64,
	"ws.writeWait":      10 * time.Second,
	"ws.pongWait":       60 * time.Second,
	"ws.debounceWindow": 2 * time.Second,
	"ws.reportErrors":   false,
	"shutdownTimeout":   10 * time.Second,
}

// ViperConfigLoader loads the configuration from an optional .env file, an
// optional config file and environment variables, in increasing order of
// precedence. Variables carry the RELAY_ prefix and nested keys use "_" for
// ".", e.g. RELAY_WS_DEBOUNCEWINDOW=500ms.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
type ViperConfigLoader struct {
	// EnvFile defaults to ".env".
	EnvFile string
	// ConfigName is the config file name without extension. Defaults to "config".
	ConfigName string
	// ConfigPaths are searched for the config file. Defaults to the working directory.
	ConfigPaths []string
}

func (l *ViperConfigLoader) Load() (*Config, error) {
	envFile := l.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	name := l.ConfigName
	if name == "" {
		name = "config"
	}
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	paths := l.ConfigPaths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

// DefaultConfigLoader returns the built-in defaults without reading anything.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	c := &Config{
		Port:            8000,
		Hostname:        "0.0.0.0",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 10 * time.Second,
	}
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.WS.Path = "/ws"
	c.WS.MaxMessageSize = 8 << 20
	c.WS.SendQueueSize = 64
	c.WS.WriteWait = 10 * time.Second
	c.WS.PongWait = 60 * time.Second
	c.WS.DebounceWindow = 2 * time.Second
	return c, nil
}

// LoadConfig loads the configuration with the default ViperConfigLoader.
func LoadConfig() (*Config, error) {
	return (&ViperConfigLoader{}).Load()
}
