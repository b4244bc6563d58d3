// Package config loads server settings from defaults, an optional config
// file and PRINTER_LINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/scheduler"
)

// EnvPrefix prefixes every environment variable, e.g. PRINTER_LINK_SERVER_ADDR
const EnvPrefix = "PRINTER_LINK"

// Config holds the server settings
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Registry struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"registry"`
	Scheduler struct {
		MaxWorkers int `mapstructure:"max_workers"`
	} `mapstructure:"scheduler"`
	Serial struct {
		Baud int `mapstructure:"baud"`
	} `mapstructure:"serial"`
	Port struct {
		ReadTimeout time.Duration `mapstructure:"read_timeout"`
	} `mapstructure:"port"`
	Network struct {
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"network"`
	Monitor struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"monitor"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	TUI struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tui"`
}

// Load reads the configuration. file may be empty; a missing file named
// explicitly is an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// SERVER_PORT predates the prefixed variables
	if p := os.Getenv("SERVER_PORT"); p != "" && os.Getenv(EnvPrefix+"_SERVER_ADDR") == "" {
		cfg.Server.Addr = "0.0.0.0:" + p
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = DefaultRegistryPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := port.DefaultOptions()

	v.SetDefault("server.addr", "0.0.0.0:12212")
	v.SetDefault("registry.path", "")
	v.SetDefault("scheduler.max_workers", scheduler.DefaultMaxWorkers())
	v.SetDefault("serial.baud", d.Baud)
	v.SetDefault("port.read_timeout", d.ReadTimeout)
	v.SetDefault("network.dial_timeout", d.DialTimeout)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("tui.enabled", false)
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Scheduler.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_workers must be positive, got %d", c.Scheduler.MaxWorkers))
	}
	if c.Serial.Baud < 1 {
		errs = append(errs, fmt.Errorf("serial.baud must be positive, got %d", c.Serial.Baud))
	}
	if c.Monitor.Enabled && c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PortOptions returns the transport settings
func (c *Config) PortOptions() port.Options {
	return port.Options{
		Baud:        c.Serial.Baud,
		ReadTimeout: c.Port.ReadTimeout,
		DialTimeout: c.Network.DialTimeout,
	}
}

// NewLogger builds the process logger from the log settings
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// NewLoggerTo builds a logger writing to w without colors, for sinks such
// as the terminal dashboard
func (c *Config) NewLoggerTo(w zapcore.WriteSyncer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	if c.Log.Format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	return zap.New(zapcore.NewCore(enc, w, level)), nil
}

// DefaultRegistryPath places the registry next to the executable when that
// directory is writable, then falls back to the working directory and
// finally to the user config directory.
func DefaultRegistryPath() string {
	const name = "printer_registry.json"

	if exePath, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exePath)
		testFile := filepath.Join(exeDir, ".printer-link-write-test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return filepath.Join(exeDir, name)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, name)
	}

	var configDir string
	if runtime.GOOS == "windows" {
		configDir = filepath.Join(os.Getenv("APPDATA"), "printer-link")
	} else if home := os.Getenv("HOME"); home != "" {
		configDir = filepath.Join(home, ".config", "printer-link")
	}
	if configDir != "" {
		os.MkdirAll(configDir, 0755)
		return filepath.Join(configDir, name)
	}
	return name
}
