package shigoto

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/TonyTheTaiga/doraemon/shigoto/broker"
)

// Channel types accepted in configuration.
const (
	ChannelQueue        = "queue"
	ChannelProcQueue    = "procqueue"
	ChannelRedis        = "redis"
	ChannelAsyncRedis   = "async_redis"
	ChannelPublish      = "publish"
	ChannelSubscription = "subscription"
	ChannelPubSub       = "pubsub"
)

// Broker types accepted in configuration.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
	BrokerGossip = "gossip"
)

// Config represents the top-level topology configuration file.
type Config struct {
	Redis    RedisYAML    `yaml:"redis" toml:"redis"`
	App      AppConfig    `yaml:"app" toml:"app"`
	Brokers  []BrokerDef  `yaml:"brokers" toml:"brokers"`
	Channels []ChannelDef `yaml:"channels" toml:"channels"`
	Workers  []WorkerDef  `yaml:"workers" toml:"workers"`
	Taskers  []TaskerDef  `yaml:"taskers" toml:"taskers"`
}

// RedisYAML holds Redis connection settings.
type RedisYAML struct {
	URL      string `yaml:"url" toml:"url"`
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// AppConfig holds process-level settings.
type AppConfig struct {
	LogLevel          string `yaml:"log_level" toml:"log_level"`
	LogFile           string `yaml:"log_file" toml:"log_file"`
	LogMaxSizeMB      int    `yaml:"log_max_size_mb" toml:"log_max_size_mb"`
	LogMaxBackups     int    `yaml:"log_max_backups" toml:"log_max_backups"`
	LogMaxAgeDays     int    `yaml:"log_max_age_days" toml:"log_max_age_days"`
	ShutdownTimeout   int    `yaml:"shutdown_timeout" toml:"shutdown_timeout"`     // seconds
	HeartbeatInterval int    `yaml:"heartbeat_interval" toml:"heartbeat_interval"` // seconds, 0 = off

	// MonitorAddr starts the HTTP status API on this address when set.
	MonitorAddr    string   `yaml:"monitor_addr" toml:"monitor_addr"`
	MonitorAPIKeys []string `yaml:"monitor_api_keys" toml:"monitor_api_keys"`
}

// BrokerDef declares a named broker used by publish/subscription channels.
type BrokerDef struct {
	Name        string   `yaml:"name" toml:"name"`
	Type        string   `yaml:"type" toml:"type"`
	MaxLen      int64    `yaml:"max_len" toml:"max_len"`           // redis
	ListenAddrs []string `yaml:"listen_addrs" toml:"listen_addrs"` // gossip
	Bootstrap   []string `yaml:"bootstrap" toml:"bootstrap"`       // gossip
}

// ChannelDef declares a named channel.
type ChannelDef struct {
	Name         string `yaml:"name" toml:"name"`
	Type         string `yaml:"type" toml:"type"`
	Codec        string `yaml:"codec" toml:"codec"`
	MaxSize      int    `yaml:"maxsize" toml:"maxsize"`           // queue, procqueue
	Address      string `yaml:"address" toml:"address"`           // procqueue
	Key          string `yaml:"key" toml:"key"`                   // redis list key, default name
	Broker       string `yaml:"broker" toml:"broker"`             // publish, subscription, pubsub
	Topic        string `yaml:"topic" toml:"topic"`               // default name
	Subscription string `yaml:"subscription" toml:"subscription"` // default name
}

// WorkerDef declares a pool of workers.
type WorkerDef struct {
	Name        string   `yaml:"name" toml:"name"`
	Input       string   `yaml:"input" toml:"input"`
	Outputs     []string `yaml:"outputs" toml:"outputs"`
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	Mode        string   `yaml:"mode" toml:"mode"`
}

// TaskerDef declares a pool of taskers.
type TaskerDef struct {
	Name        string `yaml:"name" toml:"name"`
	Input       string `yaml:"input" toml:"input"`
	Output      string `yaml:"output" toml:"output"`
	Concurrency int    `yaml:"concurrency" toml:"concurrency"`
	Mode        string `yaml:"mode" toml:"mode"`
	Schedule    string `yaml:"schedule" toml:"schedule"` // memory (default) or redis
}

// LoadConfig parses YAML bytes and validates the resulting configuration.
func LoadConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadConfigTOML parses TOML bytes and validates the resulting configuration.
func LoadConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config toml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML file, or a TOML file when the extension is
// .toml, and returns a validated Config.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return LoadConfigTOML(data)
	}
	return LoadConfig(data)
}

// validate performs structural validation of the configuration.
func (c *Config) validate() error {
	// Redis
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0")
	}

	// App
	if c.App.LogLevel != "" {
		if _, ok := parseLevel(c.App.LogLevel); !ok {
			return fmt.Errorf("app.log_level: must be one of debug, info, warn, error; got %q", c.App.LogLevel)
		}
	}
	if c.App.ShutdownTimeout < 0 {
		return fmt.Errorf("app.shutdown_timeout must be >= 0")
	}
	if c.App.HeartbeatInterval < 0 {
		return fmt.Errorf("app.heartbeat_interval must be >= 0")
	}
	if c.App.LogMaxSizeMB < 0 || c.App.LogMaxBackups < 0 || c.App.LogMaxAgeDays < 0 {
		return fmt.Errorf("app log rotation settings must be >= 0")
	}
	if c.App.MonitorAddr != "" && c.App.HeartbeatInterval == 0 {
		return fmt.Errorf("app.monitor_addr needs app.heartbeat_interval > 0 to report nodes")
	}
	for i, k := range c.App.MonitorAPIKeys {
		if k == "" {
			return fmt.Errorf("app.monitor_api_keys[%d] is empty", i)
		}
	}

	// Brokers
	brokers := make(map[string]string, len(c.Brokers))
	for i, b := range c.Brokers {
		if err := validateChannelName(b.Name); err != nil {
			return fmt.Errorf("brokers[%d].name: %w", i, err)
		}
		if _, dup := brokers[b.Name]; dup {
			return fmt.Errorf("brokers[%d].name %q: duplicate broker name", i, b.Name)
		}
		switch b.Type {
		case BrokerMemory, BrokerRedis, BrokerGossip:
		default:
			return fmt.Errorf("brokers[%d] %q: type must be memory, redis, or gossip; got %q", i, b.Name, b.Type)
		}
		if b.MaxLen < 0 {
			return fmt.Errorf("brokers[%d] %q: max_len must be >= 0", i, b.Name)
		}
		brokers[b.Name] = b.Type
	}

	// Channels
	channels := make(map[string]ChannelDef, len(c.Channels))
	for i, ch := range c.Channels {
		if err := validateChannelName(ch.Name); err != nil {
			return fmt.Errorf("channels[%d].name: %w", i, err)
		}
		if _, dup := channels[ch.Name]; dup {
			return fmt.Errorf("channels[%d].name %q: duplicate channel name", i, ch.Name)
		}
		switch ch.Codec {
		case "", "task", "json", "proto", "opaque":
		default:
			return fmt.Errorf("channels[%d] %q: codec must be task, json, proto, or opaque; got %q", i, ch.Name, ch.Codec)
		}
		if ch.MaxSize < 0 {
			return fmt.Errorf("channels[%d] %q: maxsize must be >= 0", i, ch.Name)
		}
		switch ch.Type {
		case ChannelQueue, ChannelProcQueue:
		case ChannelRedis, ChannelAsyncRedis:
			if ch.Key != "" {
				if err := validateChannelName(ch.Key); err != nil {
					return fmt.Errorf("channels[%d] %q: key: %w", i, ch.Name, err)
				}
			}
		case ChannelPublish, ChannelSubscription, ChannelPubSub:
			if _, ok := brokers[ch.Broker]; !ok {
				return fmt.Errorf("channels[%d] %q: unknown broker %q", i, ch.Name, ch.Broker)
			}
			for _, name := range []string{ch.Topic, ch.Subscription} {
				if name == "" {
					continue
				}
				if err := validateChannelName(name); err != nil {
					return fmt.Errorf("channels[%d] %q: %w", i, ch.Name, err)
				}
			}
		default:
			return fmt.Errorf("channels[%d] %q: type must be one of queue, procqueue, redis, async_redis, publish, subscription, pubsub; got %q",
				i, ch.Name, ch.Type)
		}
		channels[ch.Name] = ch
	}

	// Nodes share one namespace: it keys process re-execution and heartbeats.
	nodes := make(map[string]bool, len(c.Workers)+len(c.Taskers))
	checkNode := func(field string, i int, name, mode string, concurrency int) error {
		if err := validateChannelName(name); err != nil {
			return fmt.Errorf("%s[%d].name: %w", field, i, err)
		}
		if nodes[name] {
			return fmt.Errorf("%s[%d].name %q: duplicate node name", field, i, name)
		}
		nodes[name] = true
		if concurrency < 0 {
			return fmt.Errorf("%s[%d] %q: concurrency must be >= 0", field, i, name)
		}
		if _, err := ParseUnitMode(mode); err != nil {
			return fmt.Errorf("%s[%d] %q: %w", field, i, name, err)
		}
		return nil
	}
	checkRef := func(field string, i int, node, ref string, wantInput, wantOutput, process bool) error {
		ch, ok := channels[ref]
		if !ok {
			return fmt.Errorf("%s[%d] %q: unknown channel %q", field, i, node, ref)
		}
		if wantInput && ch.Type == ChannelPublish {
			return fmt.Errorf("%s[%d] %q: channel %q is output-only", field, i, node, ref)
		}
		if wantOutput && ch.Type == ChannelSubscription {
			return fmt.Errorf("%s[%d] %q: channel %q is input-only", field, i, node, ref)
		}
		if process {
			if ch.Type == ChannelQueue {
				return fmt.Errorf("%s[%d] %q: channel %q is process-local and cannot be used in process mode", field, i, node, ref)
			}
			if ch.Type == ChannelProcQueue && ch.Address == "" {
				return fmt.Errorf("%s[%d] %q: procqueue %q needs an address to be used in process mode", field, i, node, ref)
			}
			if ch.Type == ChannelPublish || ch.Type == ChannelSubscription || ch.Type == ChannelPubSub {
				if brokers[ch.Broker] == BrokerMemory {
					return fmt.Errorf("%s[%d] %q: channel %q uses a memory broker and cannot be used in process mode", field, i, node, ref)
				}
			}
		}
		return nil
	}

	for i, w := range c.Workers {
		if err := checkNode("workers", i, w.Name, w.Mode, w.Concurrency); err != nil {
			return err
		}
		process := w.Mode == string(ModeProcess)
		if err := checkRef("workers", i, w.Name, w.Input, true, false, process); err != nil {
			return err
		}
		for _, out := range w.Outputs {
			if err := checkRef("workers", i, w.Name, out, false, true, process); err != nil {
				return err
			}
		}
	}

	for i, t := range c.Taskers {
		if err := checkNode("taskers", i, t.Name, t.Mode, t.Concurrency); err != nil {
			return err
		}
		process := t.Mode == string(ModeProcess)
		if err := checkRef("taskers", i, t.Name, t.Input, true, true, process); err != nil {
			return err
		}
		if err := checkRef("taskers", i, t.Name, t.Output, false, true, process); err != nil {
			return err
		}
		switch t.Schedule {
		case "", "memory":
		case "redis":
		default:
			return fmt.Errorf("taskers[%d] %q: schedule must be memory or redis; got %q", i, t.Name, t.Schedule)
		}
	}

	return nil
}

// redisOptions converts the redis section to client options.
func (r RedisYAML) redisOptions() []RedisOption {
	var opts []RedisOption
	if r.URL != "" {
		opts = append(opts, WithRedisURL(r.URL))
	}
	if r.Addr != "" {
		opts = append(opts, WithRedisAddr(r.Addr))
	}
	if r.Password != "" {
		opts = append(opts, WithRedisPassword(r.Password))
	}
	if r.DB != 0 {
		opts = append(opts, WithRedisDB(r.DB))
	}
	if r.Prefix != "" {
		opts = append(opts, WithPrefix(r.Prefix))
	}
	return opts
}

// RedisClient opens the connection described by the redis section.
func (c *Config) RedisClient() (*RedisClient, error) {
	return NewRedisClient(c.Redis.redisOptions()...)
}

// usesRedis reports whether any component needs the Redis connection.
func (c *Config) usesRedis() bool {
	if c.App.HeartbeatInterval > 0 {
		return true
	}
	for _, b := range c.Brokers {
		if b.Type == BrokerRedis {
			return true
		}
	}
	for _, ch := range c.Channels {
		if ch.Type == ChannelRedis || ch.Type == ChannelAsyncRedis {
			return true
		}
	}
	for _, t := range c.Taskers {
		if t.Schedule == "redis" {
			return true
		}
	}
	return false
}

// gossipConfig converts a gossip broker declaration.
func (b BrokerDef) gossipConfig() broker.GossipConfig {
	return broker.GossipConfig{ListenAddrs: b.ListenAddrs, Bootstrap: b.Bootstrap}
}
