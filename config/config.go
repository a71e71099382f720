package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量前缀，例如 TICKARENA_LISTEN=:27500
const EnvPrefix = "TICKARENA_"

type Config struct {
	// Listen 传输监听地址；ws 模式下同时是 HTTP 地址
	Listen         string `yaml:"listen"`
	Transport      string `yaml:"transport"` // udp | ws
	TickRateHz     int    `yaml:"tick_rate_hz"`
	SnapshotStride int    `yaml:"snapshot_stride"`
	AdminListen    string `yaml:"admin_listen"` // 为空则不启动管理接口
	RecordPath     string `yaml:"record_path"`  // 为空则不录制快照

	Log Log `yaml:"log"`
}

// Log 日志滚动与级别
type Log struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Stderr     bool   `yaml:"stderr"`
}

func Default() Config {
	return Config{
		Listen:         ":27500",
		Transport:      "udp",
		TickRateHz:     60,
		SnapshotStride: 1,
		AdminListen:    ":8080",
		Log: Log{
			File:       "app.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load 默认值 <- YAML 文件（可选）<- .env / 环境变量
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf(".env: %w", err)
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("LISTEN", &cfg.Listen)
	str("TRANSPORT", &cfg.Transport)
	str("ADMIN_LISTEN", &cfg.AdminListen)
	str("RECORD_PATH", &cfg.RecordPath)
	str("LOG_FILE", &cfg.Log.File)
	str("LOG_LEVEL", &cfg.Log.Level)
	if err := num("TICK_RATE_HZ", &cfg.TickRateHz); err != nil {
		return err
	}
	if err := num("SNAPSHOT_STRIDE", &cfg.SnapshotStride); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "LOG_STDERR"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sLOG_STDERR: %w", EnvPrefix, err)
		}
		cfg.Log.Stderr = b
	}
	return nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Transport) {
	case "udp", "ws":
	default:
		return fmt.Errorf("transport %q: want udp or ws", c.Transport)
	}
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	if c.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be positive, got %d", c.TickRateHz)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level %q", c.Log.Level)
	}
	return nil
}
