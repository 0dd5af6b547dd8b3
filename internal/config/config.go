// Package config loads the service configuration from a YAML file, then
// applies INSPECTFLOW_* environment overrides.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	HTTPAddr  string
	DBPath    string
	Scheduler SchedulerConfig
	Notifier  NotifierConfig
	Log       LogConfig
}

type SchedulerConfig struct {
	RunCron           string
	ScheduleWorkers   int
	AssetWorkers      int
	GenerateAheadDays int
	LookupTimeout     time.Duration
	StoreTimeout      time.Duration
	PollInterval      time.Duration
	EventBatchSize    int
	OverdueBatchSize  int
}

type NotifierConfig struct {
	QueueSize      int
	RatePerSec     int
	RetryMax       int
	WebhookURL     string
	WebhookHeaders map[string]string
	WebhookTimeout time.Duration
}

type LogConfig struct {
	Level   string
	Console bool
}

// file mirrors the YAML layout. Durations stay strings until Load parses them.
type file struct {
	HTTPAddr  string `yaml:"http_addr"`
	DBPath    string `yaml:"db_path"`
	Scheduler struct {
		RunCron           string `yaml:"run_cron"`
		ScheduleWorkers   int    `yaml:"schedule_workers"`
		AssetWorkers      int    `yaml:"asset_workers"`
		GenerateAheadDays int    `yaml:"generate_ahead_days"`
		LookupTimeout     string `yaml:"lookup_timeout"`
		StoreTimeout      string `yaml:"store_timeout"`
		PollInterval      string `yaml:"poll_interval"`
		EventBatchSize    int    `yaml:"event_batch_size"`
		OverdueBatchSize  int    `yaml:"overdue_batch_size"`
	} `yaml:"scheduler"`
	Notifier struct {
		QueueSize      int               `yaml:"queue_size"`
		RatePerSec     int               `yaml:"rate_per_sec"`
		RetryMax       int               `yaml:"retry_max"`
		WebhookURL     string            `yaml:"webhook_url"`
		WebhookHeaders map[string]string `yaml:"webhook_headers"`
		WebhookTimeout string            `yaml:"webhook_timeout"`
	} `yaml:"notifier"`
	Log struct {
		Level   string `yaml:"level"`
		Console *bool  `yaml:"console"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		DBPath:   "inspectflow.db",
		Scheduler: SchedulerConfig{
			RunCron:           "@every 1m",
			ScheduleWorkers:   4,
			AssetWorkers:      8,
			GenerateAheadDays: 14,
			LookupTimeout:     5 * time.Second,
			StoreTimeout:      5 * time.Second,
			PollInterval:      time.Hour,
			EventBatchSize:    100,
			OverdueBatchSize:  200,
		},
		Notifier: NotifierConfig{
			QueueSize:      256,
			RatePerSec:     10,
			RetryMax:       3,
			WebhookTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Console: true},
	}
}

// Load reads path (optional; empty means defaults only) and the environment.
// Every invalid field is reported, not just the first.
func Load(path string) (Config, error) {
	cfg := Default()
	var errs []error

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		f, err := parse(b)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
		errs = append(errs, f.apply(&cfg)...)
	}
	errs = append(errs, applyEnv(&cfg)...)
	errs = append(errs, cfg.Validate())

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parse(b []byte) (file, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return file{}, fmt.Errorf("yaml decode: %w", err)
	}
	return f, nil
}

func (f file) apply(cfg *Config) []error {
	var errs []error
	duration := func(path, raw string, dst *time.Duration) {
		d, err := ParseDurationOrDefault(path, raw, *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.DBPath, f.DBPath)

	s := &cfg.Scheduler
	setString(&s.RunCron, f.Scheduler.RunCron)
	setInt(&s.ScheduleWorkers, f.Scheduler.ScheduleWorkers)
	setInt(&s.AssetWorkers, f.Scheduler.AssetWorkers)
	setInt(&s.GenerateAheadDays, f.Scheduler.GenerateAheadDays)
	setInt(&s.EventBatchSize, f.Scheduler.EventBatchSize)
	setInt(&s.OverdueBatchSize, f.Scheduler.OverdueBatchSize)
	duration("scheduler.lookup_timeout", f.Scheduler.LookupTimeout, &s.LookupTimeout)
	duration("scheduler.store_timeout", f.Scheduler.StoreTimeout, &s.StoreTimeout)
	duration("scheduler.poll_interval", f.Scheduler.PollInterval, &s.PollInterval)

	n := &cfg.Notifier
	setInt(&n.QueueSize, f.Notifier.QueueSize)
	setInt(&n.RatePerSec, f.Notifier.RatePerSec)
	setInt(&n.RetryMax, f.Notifier.RetryMax)
	setString(&n.WebhookURL, f.Notifier.WebhookURL)
	if len(f.Notifier.WebhookHeaders) > 0 {
		n.WebhookHeaders = f.Notifier.WebhookHeaders
	}
	duration("notifier.webhook_timeout", f.Notifier.WebhookTimeout, &n.WebhookTimeout)

	setString(&cfg.Log.Level, f.Log.Level)
	if f.Log.Console != nil {
		cfg.Log.Console = *f.Log.Console
	}
	return errs
}

func applyEnv(cfg *Config) []error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid positive integer %q", key, v))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		d, err := ParseDurationOrDefault(key, os.Getenv(key), *dst)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = d
	}

	str("INSPECTFLOW_HTTP_ADDR", &cfg.HTTPAddr)
	str("INSPECTFLOW_DB_PATH", &cfg.DBPath)
	str("INSPECTFLOW_RUN_CRON", &cfg.Scheduler.RunCron)
	num("INSPECTFLOW_SCHEDULE_WORKERS", &cfg.Scheduler.ScheduleWorkers)
	num("INSPECTFLOW_ASSET_WORKERS", &cfg.Scheduler.AssetWorkers)
	num("INSPECTFLOW_GENERATE_AHEAD_DAYS", &cfg.Scheduler.GenerateAheadDays)
	dur("INSPECTFLOW_LOOKUP_TIMEOUT", &cfg.Scheduler.LookupTimeout)
	dur("INSPECTFLOW_STORE_TIMEOUT", &cfg.Scheduler.StoreTimeout)
	dur("INSPECTFLOW_POLL_INTERVAL", &cfg.Scheduler.PollInterval)
	str("INSPECTFLOW_WEBHOOK_URL", &cfg.Notifier.WebhookURL)
	str("INSPECTFLOW_LOG_LEVEL", &cfg.Log.Level)
	return errs
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := cronParser.Parse(c.Scheduler.RunCron); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.run_cron: %w", err))
	}
	if c.Scheduler.ScheduleWorkers <= 0 || c.Scheduler.AssetWorkers <= 0 {
		errs = append(errs, errors.New("scheduler workers must be > 0"))
	}
	if c.Scheduler.GenerateAheadDays <= 0 {
		errs = append(errs, errors.New("scheduler.generate_ahead_days must be > 0"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
