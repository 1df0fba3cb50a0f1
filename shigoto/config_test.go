package shigoto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- LoadConfig / validation tests ---

const validYAML = `
redis:
  addr: "localhost:6380"
  password: "secret"
  db: 2
  prefix: "myapp:"

app:
  log_level: debug
  log_file: /var/log/shigoto.log
  log_max_size_mb: 50
  shutdown_timeout: 20
  heartbeat_interval: 5
  monitor_addr: ":9090"
  monitor_api_keys: ["secret-key"]

brokers:
  - name: events
    type: redis
    max_len: 10000
  - name: mesh
    type: gossip
    listen_addrs: ["/ip4/127.0.0.1/tcp/0"]

channels:
  - name: tasks
    type: procqueue
    codec: task
    maxsize: 100
    address: /tmp/shigoto-tasks.sock
  - name: scheduled
    type: queue
  - name: results
    type: redis
    codec: json
    key: app:results
  - name: audit
    type: publish
    codec: json
    broker: events
  - name: inbox
    type: subscription
    codec: json
    broker: events
    topic: audit
    subscription: auditors
  - name: fanout
    type: pubsub
    codec: opaque
    broker: mesh

workers:
  - name: compute
    input: tasks
    outputs: [results, audit]
    concurrency: 4
    mode: process
  - name: auditor
    input: inbox

taskers:
  - name: ticker
    input: scheduled
    output: tasks
    schedule: redis
`

func TestLoadConfig_ValidFull(t *testing.T) {
	cfg, err := LoadConfig([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6380" || cfg.Redis.DB != 2 || cfg.Redis.Prefix != "myapp:" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.App.LogLevel != "debug" || cfg.App.ShutdownTimeout != 20 || cfg.App.HeartbeatInterval != 5 {
		t.Errorf("app = %+v", cfg.App)
	}
	if cfg.App.MonitorAddr != ":9090" || len(cfg.App.MonitorAPIKeys) != 1 {
		t.Errorf("monitor settings = %q %v", cfg.App.MonitorAddr, cfg.App.MonitorAPIKeys)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0].MaxLen != 10000 {
		t.Errorf("brokers = %+v", cfg.Brokers)
	}
	if gc := cfg.Brokers[1].gossipConfig(); len(gc.ListenAddrs) != 1 {
		t.Errorf("gossip config = %+v", gc)
	}
	if len(cfg.Channels) != 6 {
		t.Fatalf("channels = %d, want 6", len(cfg.Channels))
	}
	if ch := cfg.Channels[0]; ch.Type != ChannelProcQueue || ch.MaxSize != 100 || ch.Address == "" {
		t.Errorf("channels[0] = %+v", ch)
	}
	if w := cfg.Workers[0]; w.Concurrency != 4 || w.Mode != "process" || len(w.Outputs) != 2 {
		t.Errorf("workers[0] = %+v", w)
	}
	if tk := cfg.Taskers[0]; tk.Schedule != "redis" || tk.Output != "tasks" {
		t.Errorf("taskers[0] = %+v", tk)
	}
	if !cfg.usesRedis() {
		t.Error("usesRedis() = false")
	}
}

func TestLoadConfigTOML(t *testing.T) {
	data := `
[app]
log_level = "info"

[[channels]]
name = "in"
type = "queue"

[[channels]]
name = "out"
type = "queue"
codec = "json"

[[workers]]
name = "w"
input = "in"
outputs = ["out"]
concurrency = 2
`
	cfg, err := LoadConfigTOML([]byte(data))
	if err != nil {
		t.Fatalf("LoadConfigTOML: %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1].Codec != "json" {
		t.Errorf("channels = %+v", cfg.Channels)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Concurrency != 2 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.usesRedis() {
		t.Error("usesRedis() = true for a local topology")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "shigoto.yaml")
	if err := os.WriteFile(yamlPath, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(yamlPath); err != nil {
		t.Errorf("yaml file: %v", err)
	}

	tomlPath := filepath.Join(dir, "shigoto.TOML")
	toml := "[[channels]]\nname = \"a\"\ntype = \"queue\"\n"
	if err := os.WriteFile(tomlPath, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(tomlPath)
	if err != nil {
		t.Fatalf("toml file: %v", err)
	}
	if len(cfg.Channels) != 1 {
		t.Errorf("channels = %+v", cfg.Channels)
	}

	if _, err := LoadConfigFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad yaml", "channels: [", "parsing config yaml"},
		{"negative db", "redis:\n  db: -1", "redis.db"},
		{"bad log level", "app:\n  log_level: loud", "app.log_level"},
		{"negative shutdown", "app:\n  shutdown_timeout: -1", "shutdown_timeout"},
		{"negative heartbeat", "app:\n  heartbeat_interval: -5", "heartbeat_interval"},
		{"negative rotation", "app:\n  log_max_backups: -1", "log rotation"},
		{"monitor without heartbeat", "app:\n  monitor_addr: \":8080\"", "monitor_addr"},
		{"empty monitor key", "app:\n  heartbeat_interval: 1\n  monitor_addr: \":8080\"\n  monitor_api_keys: [\"\"]", "monitor_api_keys"},
		{"bad broker type", "brokers:\n  - name: b\n    type: kafka", "type must be memory, redis, or gossip"},
		{"duplicate broker", "brokers:\n  - name: b\n    type: memory\n  - name: b\n    type: memory", "duplicate broker"},
		{"bad channel name", "channels:\n  - name: a b\n    type: queue", "channels[0].name"},
		{"duplicate channel", "channels:\n  - name: a\n    type: queue\n  - name: a\n    type: queue", "duplicate channel"},
		{"bad codec", "channels:\n  - name: a\n    type: queue\n    codec: xml", "codec must be"},
		{"bad channel type", "channels:\n  - name: a\n    type: kafka", "type must be one of"},
		{"negative maxsize", "channels:\n  - name: a\n    type: queue\n    maxsize: -1", "maxsize"},
		{"bad redis key", "channels:\n  - name: a\n    type: redis\n    key: a/b", "key"},
		{"unknown broker", "channels:\n  - name: a\n    type: publish\n    broker: nope", "unknown broker"},
		{
			"unknown input",
			"workers:\n  - name: w\n    input: nope",
			"unknown channel",
		},
		{
			"publish as input",
			"brokers:\n  - name: b\n    type: memory\nchannels:\n  - name: p\n    type: publish\n    broker: b\nworkers:\n  - name: w\n    input: p",
			"output-only",
		},
		{
			"subscription as output",
			"brokers:\n  - name: b\n    type: memory\nchannels:\n  - name: s\n    type: subscription\n    broker: b\n  - name: q\n    type: queue\nworkers:\n  - name: w\n    input: q\n    outputs: [s]",
			"input-only",
		},
		{
			"duplicate node",
			"channels:\n  - name: q\n    type: queue\nworkers:\n  - name: n\n    input: q\ntaskers:\n  - name: n\n    input: q\n    output: q",
			"duplicate node",
		},
		{
			"bad mode",
			"channels:\n  - name: q\n    type: queue\nworkers:\n  - name: w\n    input: q\n    mode: thread",
			"unknown unit mode",
		},
		{
			"negative concurrency",
			"channels:\n  - name: q\n    type: queue\nworkers:\n  - name: w\n    input: q\n    concurrency: -2",
			"concurrency",
		},
		{
			"local queue in process mode",
			"channels:\n  - name: q\n    type: queue\nworkers:\n  - name: w\n    input: q\n    mode: process",
			"process-local",
		},
		{
			"procqueue without address in process mode",
			"channels:\n  - name: q\n    type: procqueue\nworkers:\n  - name: w\n    input: q\n    mode: process",
			"needs an address",
		},
		{
			"memory broker in process mode",
			"brokers:\n  - name: b\n    type: memory\nchannels:\n  - name: q\n    type: pubsub\n    broker: b\nworkers:\n  - name: w\n    input: q\n    mode: process",
			"memory broker",
		},
		{
			"tasker input is input-only",
			"brokers:\n  - name: b\n    type: memory\nchannels:\n  - name: s\n    type: subscription\n    broker: b\n  - name: q\n    type: queue\ntaskers:\n  - name: t\n    input: s\n    output: q",
			"input-only",
		},
		{
			"bad schedule",
			"channels:\n  - name: q\n    type: queue\ntaskers:\n  - name: t\n    input: q\n    output: q\n    schedule: disk",
			"schedule must be",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRedisYAML_Options(t *testing.T) {
	r := RedisYAML{Addr: "h:1", Password: "pw", DB: 3, Prefix: "x:"}
	cfg := &RedisConfig{}
	for _, opt := range r.redisOptions() {
		opt(cfg)
	}
	if cfg.Addr != "h:1" || cfg.Password != "pw" || cfg.DB != 3 || cfg.Prefix != "x:" {
		t.Errorf("config = %+v", cfg)
	}
	if len((RedisYAML{}).redisOptions()) != 0 {
		t.Error("empty section should produce no options")
	}
	if opts := (RedisYAML{URL: "redis://h:2/1"}).redisOptions(); len(opts) != 1 {
		t.Errorf("url section produced %d options", len(opts))
	}
}

func TestConfig_UsesRedis(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"empty", Config{}, false},
		{"heartbeat", Config{App: AppConfig{HeartbeatInterval: 1}}, true},
		{"redis broker", Config{Brokers: []BrokerDef{{Type: BrokerRedis}}}, true},
		{"gossip broker", Config{Brokers: []BrokerDef{{Type: BrokerGossip}}}, false},
		{"async redis channel", Config{Channels: []ChannelDef{{Type: ChannelAsyncRedis}}}, true},
		{"redis schedule", Config{Taskers: []TaskerDef{{Schedule: "redis"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.usesRedis(); got != tt.want {
				t.Errorf("usesRedis() = %v, want %v", got, tt.want)
			}
		})
	}
}
