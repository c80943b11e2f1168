package ngflush

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultCacheLevels = "1:2"
	defaultGetParam    = "ngflush"
	defaultKeyFormat   = "$scheme$host$request_uri"
)

type Config struct {
	Nginx struct {
		CachePath   string `yaml:"cachePath"`
		CacheLevels string `yaml:"cacheLevels"`
		KeyFormat   string `yaml:"keyFormat"`
	} `yaml:"nginx"`

	Flusher struct {
		Port         int    `yaml:"port"`
		GetParameter string `yaml:"getParameter"`
		Debug        bool   `yaml:"debug"`
		MaxScans     int    `yaml:"maxScans"`
		ReadBuffer   string `yaml:"readBuffer"`
	} `yaml:"flusher"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	Journal struct {
		Path string `yaml:"path"`
		Max  int    `yaml:"max"`
	} `yaml:"journal"`

	// compiled
	levels        []int
	readBufBytes  int
	statsEveryDur time.Duration
}

// Levels returns the parsed nginx cache levels.
func (c Config) Levels() []int { return append([]int(nil), c.levels...) }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	cfg.Nginx.CachePath = strings.TrimSpace(cfg.Nginx.CachePath)
	if cfg.Nginx.CachePath == "" {
		return fmt.Errorf("%w: nginx.cachePath is required", ErrConfig)
	}
	if !filepath.IsAbs(cfg.Nginx.CachePath) {
		return fmt.Errorf("%w: nginx.cachePath must be absolute, got %q", ErrConfig, cfg.Nginx.CachePath)
	}
	cfg.Nginx.CachePath = filepath.Clean(cfg.Nginx.CachePath)

	if cfg.Nginx.CacheLevels == "" {
		cfg.Nginx.CacheLevels = defaultCacheLevels
	}
	levels, err := ParseLevels(cfg.Nginx.CacheLevels)
	if err != nil {
		return fmt.Errorf("nginx.cacheLevels: %w", err)
	}
	// Same checks the resolver applies, so a bad layout fails at load time.
	if _, err := NewResolver(cfg.Nginx.CachePath, levels); err != nil {
		return fmt.Errorf("nginx.cacheLevels: %w", err)
	}
	cfg.levels = levels

	if cfg.Nginx.KeyFormat == "" {
		cfg.Nginx.KeyFormat = defaultKeyFormat
	}

	if cfg.Flusher.Port == 0 {
		cfg.Flusher.Port = 8000
	}
	cfg.Flusher.GetParameter = strings.TrimSpace(cfg.Flusher.GetParameter)
	if cfg.Flusher.GetParameter == "" {
		cfg.Flusher.GetParameter = defaultGetParam
	}
	if cfg.Flusher.MaxScans <= 0 {
		cfg.Flusher.MaxScans = 2
	}
	cfg.readBufBytes = defaultReadBuffer
	if cfg.Flusher.ReadBuffer != "" {
		n, err := parseBytes(cfg.Flusher.ReadBuffer)
		if err != nil {
			return fmt.Errorf("flusher.readBuffer: %w", err)
		}
		if n < 16 || n > maxLineLen {
			return fmt.Errorf("%w: flusher.readBuffer %q out of range", ErrConfig, cfg.Flusher.ReadBuffer)
		}
		cfg.readBufBytes = int(n)
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.statsEveryDur = d
	}

	if cfg.Journal.Max <= 0 {
		cfg.Journal.Max = 10000
	}
	return nil
}

var sizeSuffixes = []struct {
	suffix string
	mult   float64
}{
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"b", 1},
}

// parseBytes accepts sizes like "512", "512b", "4k", "4kb", "1.5mb".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := 1.0
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			mult = sfx.mult
			break
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * mult), nil
}
