package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Telegram TelegramConfig `yaml:"telegram"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Checker  CheckerConfig  `yaml:"checker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Cache    CacheConfig    `yaml:"cache"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type TelegramConfig struct {
	Token       string   `yaml:"token"`
	RatePerSec  int      `yaml:"rate_per_sec"`
	CallTimeout Duration `yaml:"call_timeout"`
}

type YouTubeConfig struct {
	Token    string   `yaml:"token"`
	Timeout  Duration `yaml:"timeout"`
	MaxPages int      `yaml:"max_pages"`
}

type CheckerConfig struct {
	Interval         Duration `yaml:"interval"`
	CleanInterval    Duration `yaml:"clean_interval"`
	SyncTimeout      Duration `yaml:"sync_timeout"`
	Backfill         Duration `yaml:"backfill"`
	FetchParallelism int      `yaml:"fetch_parallelism"`
}

type DispatchConfig struct {
	Interval      Duration `yaml:"interval"`
	Slots         int      `yaml:"slots"`
	PageSize      int      `yaml:"page_size"`
	SendDelay     Duration `yaml:"send_delay"`
	SendTimeout   Duration `yaml:"send_timeout"`
	MaxStepErrors int      `yaml:"max_step_errors"`
}

type SweepConfig struct {
	Interval    Duration `yaml:"interval"`
	PageSize    int      `yaml:"page_size"`
	Parallelism int      `yaml:"parallelism"`
}

type CacheConfig struct {
	TTL Duration `yaml:"ttl"`
}

// Default returns the config all loads start from; file values override it.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Path: "./data/tubewatch.db", BusyTimeout: Duration(5 * time.Second)},
		Telegram: TelegramConfig{
			RatePerSec:  30,
			CallTimeout: Duration(60 * time.Second),
		},
		YouTube: YouTubeConfig{
			Timeout:  Duration(60 * time.Second),
			MaxPages: 5,
		},
		Checker: CheckerConfig{
			Interval:         Duration(5 * time.Minute),
			CleanInterval:    Duration(time.Hour),
			SyncTimeout:      Duration(5 * time.Minute),
			Backfill:         Duration(7 * 24 * time.Hour),
			FetchParallelism: 4,
		},
		Dispatch: DispatchConfig{
			Interval:      Duration(5 * time.Minute),
			Slots:         10,
			PageSize:      10,
			SendDelay:     Duration(150 * time.Millisecond),
			SendTimeout:   Duration(5 * time.Minute),
			MaxStepErrors: 3,
		},
		Sweep: SweepConfig{
			Interval:    Duration(6 * time.Hour),
			PageSize:    100,
			Parallelism: 10,
		},
		Cache: CacheConfig{TTL: Duration(time.Second)},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.YouTube.Token) == "" {
		return errors.New("youtube.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if c.Dispatch.Slots < 1 {
		return fmt.Errorf("dispatch.slots must be >= 1, got %d", c.Dispatch.Slots)
	}
	if c.Dispatch.PageSize < 1 {
		return fmt.Errorf("dispatch.page_size must be >= 1, got %d", c.Dispatch.PageSize)
	}
	if c.Checker.Interval <= 0 || c.Dispatch.Interval <= 0 {
		return errors.New("checker.interval and dispatch.interval must be positive")
	}
	return nil
}
