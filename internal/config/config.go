package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/0xPuncker/fleetcron/pkg/types"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Debug     bool            `json:"debug" yaml:"debug"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Scheduler types.JobConfig `json:"scheduler" yaml:"scheduler"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Lease     LeaseConfig     `json:"lease" yaml:"lease"`
	Node      NodeConfig      `json:"node" yaml:"node"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Poller    PollerConfig    `json:"poller" yaml:"poller"`
	Slack     SlackConfig     `json:"slack" yaml:"slack"`
	SeedFile  string          `json:"seed_file" yaml:"seed_file"`
}

type ServerConfig struct {
	Listen       string `json:"listen" yaml:"listen"`
	HTTPListen   string `json:"http_listen" yaml:"http_listen"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
}

type WorkerConfig struct {
	// Listen is where the worker pool binds.
	Listen string `json:"listen" yaml:"listen"`

	// Addr is where schedulers dial the worker pool.
	Addr string `json:"addr" yaml:"addr"`

	Count       int    `json:"count" yaml:"count"`
	Codec       string `json:"codec" yaml:"codec"`
	DialTimeout string `json:"dial_timeout" yaml:"dial_timeout"`
}

type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver"`
	DSN             string `json:"dsn" yaml:"dsn"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	CrontabTable    string `json:"crontab_table" yaml:"crontab_table"`
	CrontabLogTable string `json:"crontab_log_table" yaml:"crontab_log_table"`
}

type RedisConfig struct {
	Addrs     []string `json:"addrs" yaml:"addrs"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	Timeout   string   `json:"timeout" yaml:"timeout"`
}

type LeaseConfig struct {
	TaskTTL   string `json:"task_ttl" yaml:"task_ttl"`
	ServerTTL string `json:"server_ttl" yaml:"server_ttl"`
}

type NodeConfig struct {
	ID                   string `json:"id" yaml:"id"`
	AllowMissingIdentity bool   `json:"allow_missing_identity" yaml:"allow_missing_identity"`
}

type DispatchConfig struct {
	AllowEval      bool   `json:"allow_eval" yaml:"allow_eval"`
	HTTPTimeout    string `json:"http_timeout" yaml:"http_timeout"`
	CommandTimeout string `json:"command_timeout" yaml:"command_timeout"`
	MaxOutput      int    `json:"max_output" yaml:"max_output"`
}

type PollerConfig struct {
	Interval string `json:"interval" yaml:"interval"`
}

type SlackConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load reads a yaml or json config file. When the file is missing the
// configuration is built from defaults and the environment.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load(".env.local")
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := decode(configPath, data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		fmt.Printf("Config file %s not found. Using defaults and environment variables.\n", configPath)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Debug: false,
		Server: ServerConfig{
			Listen:       "0.0.0.0:2345",
			HTTPListen:   "0.0.0.0:8080",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Scheduler: types.JobConfig{
			Count:           1,
			RunInBackground: false,
			WriteLog:        true,
		},
		Worker: WorkerConfig{
			Listen:      "0.0.0.0:2346",
			Addr:        "127.0.0.1:2346",
			Count:       10,
			Codec:       "json",
			DialTimeout: "5s",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "fleetcron.db",
			Prefix:          "th_",
			CrontabTable:    "system_crontab",
			CrontabLogTable: "system_crontab_log",
		},
		Redis: RedisConfig{
			Addrs:     []string{"127.0.0.1:6379"},
			KeyPrefix: "fleetcron/",
			Timeout:   "3s",
		},
		Lease: LeaseConfig{
			TaskTTL:   "1h",
			ServerTTL: "1h",
		},
		Dispatch: DispatchConfig{
			HTTPTimeout:    "30s",
			CommandTimeout: "1h",
			MaxOutput:      64 * 1024,
		},
		Poller: PollerConfig{
			Interval: "5m",
		},
	}
}

func (c *Config) applyEnv() {
	c.Debug = getEnvBool("FLEETCRON_DEBUG", c.Debug)
	c.Server.Listen = getEnv("FLEETCRON_LISTEN", c.Server.Listen)
	c.Server.HTTPListen = getEnv("FLEETCRON_HTTP_LISTEN", c.Server.HTTPListen)
	c.Worker.Listen = getEnv("FLEETCRON_WORKER_LISTEN", c.Worker.Listen)
	c.Worker.Addr = getEnv("FLEETCRON_WORKER_ADDR", c.Worker.Addr)
	c.Database.Driver = getEnv("FLEETCRON_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnv("FLEETCRON_DB_DSN", c.Database.DSN)
	c.Database.Prefix = getEnv("FLEETCRON_DB_PREFIX", c.Database.Prefix)
	if addrs := getEnv("FLEETCRON_REDIS_ADDRS", ""); addrs != "" {
		c.Redis.Addrs = strings.Split(addrs, ",")
	}
	c.Redis.Password = getEnv("FLEETCRON_REDIS_PASSWORD", c.Redis.Password)
	c.Node.ID = getEnv("FLEETCRON_NODE_ID", c.Node.ID)
	c.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", c.Slack.WebhookURL)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Count != 1 {
		errs = append(errs, fmt.Errorf("scheduler.count must be 1, got %d", c.Scheduler.Count))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count))
	}
	if err := dialable(c.Worker.Addr); err != nil {
		errs = append(errs, fmt.Errorf("worker.addr: %w", err))
	}
	switch c.Worker.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("worker.codec must be json or msgpack, got %q", c.Worker.Codec))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Database.CrontabTable == "" || c.Database.CrontabLogTable == "" {
		errs = append(errs, errors.New("database table names must not be empty"))
	}

	durations := map[string]string{
		"server.read_timeout":      c.Server.ReadTimeout,
		"server.write_timeout":     c.Server.WriteTimeout,
		"worker.dial_timeout":      c.Worker.DialTimeout,
		"redis.timeout":            c.Redis.Timeout,
		"lease.task_ttl":           c.Lease.TaskTTL,
		"lease.server_ttl":         c.Lease.ServerTTL,
		"dispatch.http_timeout":    c.Dispatch.HTTPTimeout,
		"dispatch.command_timeout": c.Dispatch.CommandTimeout,
		"poller.interval":          c.Poller.Interval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// dialable rejects empty and wildcard hosts, which only make sense for binding.
func dialable(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("%q has no host", addr)
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return fmt.Errorf("%q is a bind address, not a peer", addr)
	}
	return nil
}

// Duration parses a validated duration string, returning fallback when empty.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
