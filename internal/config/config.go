package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fieldop-service/internal/domain/fieldop"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server       ServerConfig
	Auth         AuthConfig
	Database     DatabaseConfig
	Workspace    WorkspaceConfig
	Media        MediaConfig
	Transcribe   TranscribeConfig
	Window       WindowConfig
	Verify       VerifyConfig
	Capabilities CapabilitiesConfig
	// Keywords overrides the built-in trigger patterns, keyed by operation name.
	Keywords map[string][]string
	Log      LogConfig
}

type ServerConfig struct {
	Address     string
	CORSOrigins []string
	QueueSize   int
}

type AuthConfig struct {
	JWTSecret string
}

type DatabaseConfig struct {
	DSN string
	// RunRetention is how long finished run records are kept.
	RunRetention time.Duration
}

type WorkspaceConfig struct {
	Base            string
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
	// Root is the only directory HTTP callers may reference by path. Empty
	// disables video_path requests.
	Root string
}

type TranscribeConfig struct {
	Command string
	Args    []string
}

type WindowConfig struct {
	Before   float64
	After    float64
	Interval float64
}

type VerifyConfig struct {
	PoolSize  int
	Timeout   time.Duration
	EarlyStop bool
}

type CapabilitiesConfig struct {
	// Detector is shared by both rolling operations unless overridden below.
	Detector      DetectorConfig
	AntiRolling   DetectorOverride
	RemoveRolling DetectorOverride
	Recognizer    RecognizerConfig
}

// DetectorOverride replaces the set fields of the shared detector config for
// one operation type.
type DetectorOverride struct {
	Command         string
	Args            []string
	PositiveClasses []string
	ConfThreshold   *float64
}

// DetectorFor returns the detector config for a rolling operation.
func (c CapabilitiesConfig) DetectorFor(op fieldop.OperationType) DetectorConfig {
	out := c.Detector
	var o DetectorOverride
	switch op {
	case fieldop.AntiRolling:
		o = c.AntiRolling
	case fieldop.RemoveRolling:
		o = c.RemoveRolling
	default:
		return out
	}

	if o.Command != "" {
		out.Command = o.Command
		out.Args = o.Args
	} else if len(o.Args) > 0 {
		out.Args = o.Args
	}
	if len(o.PositiveClasses) > 0 {
		out.PositiveClasses = o.PositiveClasses
	}
	if o.ConfThreshold != nil {
		out.ConfThreshold = *o.ConfThreshold
	}
	return out
}

type DetectorConfig struct {
	Command         string
	Args            []string
	PositiveClasses []string
	ConfThreshold   float64
}

type RecognizerConfig struct {
	Command string
	Args    []string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.queue_size", 64)

	v.SetDefault("database.run_retention", "720h")

	v.SetDefault("workspace.base", "data/workspaces")
	v.SetDefault("workspace.max_age", "24h")
	v.SetDefault("workspace.cleanup_interval", "1h")

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")

	v.SetDefault("window.before", 2.0)
	v.SetDefault("window.after", 4.0)
	v.SetDefault("window.interval", 1.0)

	v.SetDefault("verify.pool_size", 5)
	v.SetDefault("verify.timeout", "30s")
	v.SetDefault("verify.early_stop", false)

	v.SetDefault("capabilities.detector.positive_classes", []string{"person", "barrier"})
	v.SetDefault("capabilities.detector.conf_threshold", 0.8)
	v.SetDefault("capabilities.recognizer.args", []string{"-j"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads the optional YAML file at path, then FIELDOP_* environment
// variables, on top of the built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("verify.pool_size", "FIELDOP_VERIFY_POOL_SIZE", "MAX_CONCURRENT_MODELS"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:     v.GetString("server.address"),
			CORSOrigins: v.GetStringSlice("server.cors_origins"),
			QueueSize:   v.GetInt("server.queue_size"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Database: DatabaseConfig{
			DSN:          v.GetString("database.dsn"),
			RunRetention: v.GetDuration("database.run_retention"),
		},
		Workspace: WorkspaceConfig{
			Base:            v.GetString("workspace.base"),
			MaxAge:          v.GetDuration("workspace.max_age"),
			CleanupInterval: v.GetDuration("workspace.cleanup_interval"),
		},
		Media: MediaConfig{
			FFmpegPath:  v.GetString("media.ffmpeg_path"),
			FFprobePath: v.GetString("media.ffprobe_path"),
			Root:        v.GetString("media.root"),
		},
		Transcribe: TranscribeConfig{
			Command: v.GetString("transcribe.command"),
			Args:    v.GetStringSlice("transcribe.args"),
		},
		Window: WindowConfig{
			Before:   v.GetFloat64("window.before"),
			After:    v.GetFloat64("window.after"),
			Interval: v.GetFloat64("window.interval"),
		},
		Verify: VerifyConfig{
			PoolSize:  v.GetInt("verify.pool_size"),
			Timeout:   v.GetDuration("verify.timeout"),
			EarlyStop: v.GetBool("verify.early_stop"),
		},
		Capabilities: CapabilitiesConfig{
			Detector: DetectorConfig{
				Command:         v.GetString("capabilities.detector.command"),
				Args:            v.GetStringSlice("capabilities.detector.args"),
				PositiveClasses: v.GetStringSlice("capabilities.detector.positive_classes"),
				ConfThreshold:   v.GetFloat64("capabilities.detector.conf_threshold"),
			},
			AntiRolling:   loadOverride(v, "capabilities.anti_rolling"),
			RemoveRolling: loadOverride(v, "capabilities.remove_rolling"),
			Recognizer: RecognizerConfig{
				Command: v.GetString("capabilities.recognizer.command"),
				Args:    v.GetStringSlice("capabilities.recognizer.args"),
			},
		},
		Keywords: v.GetStringMapStringSlice("keywords"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects values out of range.
func loadOverride(v *viper.Viper, prefix string) DetectorOverride {
	o := DetectorOverride{
		Command:         v.GetString(prefix + ".command"),
		Args:            v.GetStringSlice(prefix + ".args"),
		PositiveClasses: v.GetStringSlice(prefix + ".positive_classes"),
	}
	if v.IsSet(prefix + ".conf_threshold") {
		t := v.GetFloat64(prefix + ".conf_threshold")
		o.ConfThreshold = &t
	}
	return o
}

func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = 64
	}
	if c.Database.RunRetention <= 0 {
		c.Database.RunRetention = 30 * 24 * time.Hour
	}
	if c.Workspace.Base == "" {
		c.Workspace.Base = "data/workspaces"
	}
	if c.Workspace.MaxAge <= 0 {
		c.Workspace.MaxAge = 24 * time.Hour
	}
	if c.Workspace.CleanupInterval <= 0 {
		c.Workspace.CleanupInterval = time.Hour
	}
	if c.Media.FFmpegPath == "" {
		c.Media.FFmpegPath = "ffmpeg"
	}
	if c.Media.FFprobePath == "" {
		c.Media.FFprobePath = "ffprobe"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if !finite(c.Window.Before) || !finite(c.Window.After) || !finite(c.Window.Interval) {
		return fmt.Errorf("%w: window values must be finite", ErrInvalidConfig)
	}
	if c.Window.Before < 0 || c.Window.After < 0 {
		return fmt.Errorf("%w: window bounds must not be negative", ErrInvalidConfig)
	}
	if c.Window.Interval <= 0 {
		return fmt.Errorf("%w: window.interval must be positive", ErrInvalidConfig)
	}
	if c.Verify.PoolSize < 1 {
		return fmt.Errorf("%w: verify.pool_size must be at least 1", ErrInvalidConfig)
	}
	if c.Verify.Timeout < 0 {
		return fmt.Errorf("%w: verify.timeout must not be negative", ErrInvalidConfig)
	}
	if t := c.Capabilities.Detector.ConfThreshold; !(t >= 0 && t <= 1) {
		return fmt.Errorf("%w: capabilities.detector.conf_threshold must be within [0,1]", ErrInvalidConfig)
	}
	for name, o := range map[string]DetectorOverride{
		"anti_rolling":   c.Capabilities.AntiRolling,
		"remove_rolling": c.Capabilities.RemoveRolling,
	} {
		if o.ConfThreshold != nil && !(*o.ConfThreshold >= 0 && *o.ConfThreshold <= 1) {
			return fmt.Errorf("%w: capabilities.%s.conf_threshold must be within [0,1]", ErrInvalidConfig, name)
		}
	}
	for name := range c.Keywords {
		if _, err := fieldop.ParseOperationType(name); err != nil {
			return fmt.Errorf("%w: keywords: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Patterns converts keyword overrides to the detector's form. It returns nil
// when no overrides are configured.
func (c *Config) Patterns() map[fieldop.OperationType][]string {
	if len(c.Keywords) == 0 {
		return nil
	}
	out := make(map[fieldop.OperationType][]string, len(c.Keywords))
	for name, patterns := range c.Keywords {
		if op, err := fieldop.ParseOperationType(name); err == nil {
			out[op] = patterns
		}
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
