// Package config resolves tghistory settings from defaults, an optional
// config file, a .env file and TGHISTORY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/leonletto/tghistory/internal/types"
)

const envPrefix = "TGHISTORY"

// Config is the resolved configuration. It is passed explicitly to every
// component that needs it.
type Config struct {
	Port           int           // backend TCP port
	RequestDelay   time.Duration // wait before every history page request
	SavePath       string        // output directory for saved histories
	StartupTimeout time.Duration // max wait for backend readiness, also the per-command answer timeout
	Executable     string        // backend binary
	DialogLimit    int
	PageSize       int
	MaxPages       int // 0 = unbounded
	DeletePolicy   types.DeletePolicy
	DeleteRate     float64 // deletes per second, 0 = unthrottled
	StateDir       string  // PID file, journal, logs
	KeepBackend    bool    // leave the backend running on exit
	Log            LogConfig
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string
	Format string // text or json
	File   string // "-" logs to stderr
}

// SetDefaults registers default values. They match the usual
// telegram-cli setup: port 44134, 2s between pages, ./messages/.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 44134)
	v.SetDefault("request_delay", 2*time.Second)
	v.SetDefault("save_path", "./messages/")
	v.SetDefault("startup_timeout", 20*time.Second)
	v.SetDefault("executable", "telegram-cli")
	v.SetDefault("dialog_limit", 999)
	v.SetDefault("page_size", 100)
	v.SetDefault("max_pages", 0)
	v.SetDefault("delete_policy", string(types.DeleteAbort))
	v.SetDefault("delete_rate", 0.0)
	v.SetDefault("state_dir", "~/.tghistory")
	v.SetDefault("keep_backend", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Load reads configuration into v and decodes it.
// configFile may be empty, in which case tghistory.{yaml,json,toml} is
// looked up in the working directory and in the state directory.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("tghistory")
		v.AddConfigPath(".")
		if dir, err := expandHome(v.GetString("state_dir")); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return Decode(v)
}

// Decode builds a Config from the values in v and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetInt("port"),
		SavePath:    v.GetString("save_path"),
		Executable:  v.GetString("executable"),
		DialogLimit: v.GetInt("dialog_limit"),
		PageSize:    v.GetInt("page_size"),
		MaxPages:    v.GetInt("max_pages"),
		DeleteRate:  v.GetFloat64("delete_rate"),
		KeepBackend: v.GetBool("keep_backend"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
	}

	var err error
	if cfg.RequestDelay, err = seconds(v, "request_delay"); err != nil {
		return nil, err
	}
	if cfg.StartupTimeout, err = seconds(v, "startup_timeout"); err != nil {
		return nil, err
	}
	if cfg.DeletePolicy, err = types.ParseDeletePolicy(v.GetString("delete_policy")); err != nil {
		return nil, err
	}
	if cfg.StateDir, err = expandHome(v.GetString("state_dir")); err != nil {
		return nil, err
	}
	if cfg.SavePath, err = expandHome(cfg.SavePath); err != nil {
		return nil, err
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.StateDir, "tghistory.log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request_delay must not be negative")
	}
	if c.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive")
	}
	if c.SavePath == "" {
		return fmt.Errorf("save_path must not be empty")
	}
	if c.DialogLimit < 1 {
		return fmt.Errorf("dialog_limit must be positive, got %d", c.DialogLimit)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max_pages must not be negative, got %d", c.MaxPages)
	}
	if c.DeleteRate < 0 {
		return fmt.Errorf("delete_rate must not be negative")
	}
	return nil
}

// JournalPath is the delete journal database.
func (c *Config) JournalPath() string {
	return filepath.Join(c.StateDir, "journal.db")
}

// seconds reads a duration. Bare numbers are seconds, as in a plain
// REQUEST_DELAY=2 setting; strings with a unit ("1500ms") are parsed as Go
// durations.
func seconds(v *viper.Viper, key string) (time.Duration, error) {
	switch val := v.Get(key).(type) {
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(val)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
		return d, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid %s value %v", key, val)
	}
}

// expandHome replaces a leading "~" with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
