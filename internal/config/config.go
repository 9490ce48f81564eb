package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultWorkMinutes  = 25
	defaultBreakMinutes = 5
	defaultTickInterval = 10 * time.Millisecond
	defaultLogLevel     = "info"
	defaultBell         = true

	appDirName     = ".intervals"
	configFileName = "config.toml"
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	WorkMinutes  int
	BreakMinutes int
	// TargetLoops is 0 when sessions run until killed.
	TargetLoops  int
	TickInterval time.Duration
	HistoryDB    string
	StateFile    string
	LogLevel     string
	Bell         bool
}

type fileConfig struct {
	WorkMinutes  *int          `toml:"work_minutes"`
	BreakMinutes *int          `toml:"break_minutes"`
	TargetLoops  *int          `toml:"target_loops"`
	TickInterval *string       `toml:"tick_interval"`
	HistoryDB    *string       `toml:"history_db"`
	StateFile    *string       `toml:"state_file"`
	LogLevel     *string       `toml:"log_level"`
	Notify       *notifyConfig `toml:"notify"`
}

type notifyConfig struct {
	Bell *bool `toml:"bell"`
}

// Load reads config from ~/.intervals/config.toml and overlays a project-local
// .intervals/config.toml.
func Load(ctx context.Context) (*Config, error) {
	paths, err := Paths()
	if err != nil {
		return nil, err
	}
	return LoadFrom(ctx, paths...)
}

// Paths returns the config files Load consults, lowest precedence first.
func Paths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	home := filepath.Join(homeDir, appDirName, configFileName)
	project := filepath.Join(workingDir, appDirName, configFileName)
	if project == home {
		return []string{home}, nil
	}
	return []string{home, project}, nil
}

// LoadFrom applies defaults and then each existing file in order.
func LoadFrom(ctx context.Context, paths ...string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg := defaults(homeDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path, homeDir); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults(homeDir string) Config {
	return Config{
		WorkMinutes:  defaultWorkMinutes,
		BreakMinutes: defaultBreakMinutes,
		TickInterval: defaultTickInterval,
		HistoryDB:    filepath.Join(homeDir, appDirName, "history.db"),
		StateFile:    filepath.Join(homeDir, appDirName, "session.json"),
		LogLevel:     defaultLogLevel,
		Bell:         defaultBell,
	}
}

func overlayFromFile(cfg *Config, path, homeDir string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyTickOverride(cfg, decoded, path); err != nil {
		return err
	}
	applyPathOverrides(cfg, decoded, path, homeDir)
	applyNotifyOverrides(cfg, decoded)
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.WorkMinutes != nil {
		if *decoded.WorkMinutes < 0 {
			return fmt.Errorf("parse work_minutes in %q: must be >= 0", path)
		}
		cfg.WorkMinutes = *decoded.WorkMinutes
	}
	if decoded.BreakMinutes != nil {
		if *decoded.BreakMinutes < 0 {
			return fmt.Errorf("parse break_minutes in %q: must be >= 0", path)
		}
		cfg.BreakMinutes = *decoded.BreakMinutes
	}
	if decoded.TargetLoops != nil {
		if *decoded.TargetLoops < 0 {
			return fmt.Errorf("parse target_loops in %q: must be >= 0", path)
		}
		cfg.TargetLoops = *decoded.TargetLoops
	}
	return nil
}

func applyTickOverride(cfg *Config, decoded fileConfig, path string) error {
	if decoded.TickInterval == nil {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(*decoded.TickInterval))
	if err != nil {
		return fmt.Errorf("parse tick_interval in %q: %w", path, err)
	}
	if parsed <= 0 || parsed > time.Second {
		return fmt.Errorf("parse tick_interval in %q: must be in (0s, 1s]", path)
	}
	cfg.TickInterval = parsed
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig, path, homeDir string) {
	if decoded.HistoryDB != nil {
		cfg.HistoryDB = resolvePath(*decoded.HistoryDB, path, homeDir)
	}
	if decoded.StateFile != nil {
		cfg.StateFile = resolvePath(*decoded.StateFile, path, homeDir)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
}

func applyNotifyOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Notify != nil && decoded.Notify.Bell != nil {
		cfg.Bell = *decoded.Notify.Bell
	}
}

// resolvePath expands a leading ~ and anchors relative paths at the
// directory of the config file that named them.
func resolvePath(value, configPath, homeDir string) string {
	value = strings.TrimSpace(value)
	switch {
	case value == "~":
		return homeDir
	case strings.HasPrefix(value, "~/"):
		return filepath.Join(homeDir, value[2:])
	case filepath.IsAbs(value):
		return filepath.Clean(value)
	default:
		return filepath.Join(filepath.Dir(configPath), value)
	}
}
