package shigoto

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"testing"
	"time"
)

func testRedisAddr() string {
	if addr := os.Getenv("SHIGOTO_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// testRedisClient connects to the test Redis under a fresh key prefix and
// removes every key under that prefix when the test ends. It skips the test
// when Redis is unreachable.
func testRedisClient(t *testing.T) *RedisClient {
	t.Helper()
	prefix := fmt.Sprintf("shigoto:test:%d:", time.Now().UnixNano())
	rc, err := NewRedisClient(
		WithRedisAddr(testRedisAddr()),
		WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("creating redis client: %v", err)
	}

	ctx := context.Background()
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		t.Skipf("requires Redis: %v", err)
	}

	t.Cleanup(func() {
		iter := rc.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			rc.rdb.Del(ctx, iter.Val())
		}
		rc.Close()
	})
	return rc
}

func TestRedisClient_Ping(t *testing.T) {
	rc := testRedisClient(t)
	if err := rc.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestRedisClient_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		parts  []string
		want   string
	}{
		{
			name:   "default prefix",
			prefix: "shigoto:",
			parts:  []string{"schedule", "ticker"},
			want:   "shigoto:schedule:ticker",
		},
		{
			name:   "custom prefix",
			prefix: "myapp:",
			parts:  []string{"node", "worker-1"},
			want:   "myapp:node:worker-1",
		},
		{
			name:   "single part",
			prefix: "shigoto:",
			parts:  []string{"nodes"},
			want:   "shigoto:nodes",
		},
		{
			name:   "empty prefix",
			prefix: "",
			parts:  []string{"tasks"},
			want:   "tasks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := &RedisClient{prefix: tt.prefix}
			if got := rc.Key(tt.parts...); got != tt.want {
				t.Errorf("Key(%v) = %q, want %q", tt.parts, got, tt.want)
			}
		})
	}
}

func TestNewRedisClient_Defaults(t *testing.T) {
	rc, err := NewRedisClient()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	if rc.Prefix() != defaultPrefix {
		t.Errorf("prefix = %q, want %q", rc.Prefix(), defaultPrefix)
	}
	if !rc.owned {
		t.Error("client created by NewRedisClient should be owned")
	}
}

func TestNewRedisClient_URL(t *testing.T) {
	rc, err := NewRedisClient(WithRedisURL("redis://:secret@example.com:6380/3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()

	opts := rc.Unwrap().Options()
	if opts.Addr != "example.com:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Errorf("options = %s/%s/%d", opts.Addr, opts.Password, opts.DB)
	}

	if _, err := NewRedisClient(WithRedisURL("http://nope")); err == nil {
		t.Error("expected error for non-redis URL")
	}
}

func TestNewRedisClient_InjectedNotClosed(t *testing.T) {
	owner, err := NewRedisClient(WithRedisAddr("localhost:6380"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer owner.Close()

	rc, err := NewRedisClient(WithRedisClient(owner.Unwrap()), WithPrefix("custom:"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.Unwrap() != owner.Unwrap() {
		t.Error("injected client not used")
	}
	if err := rc.Close(); err != nil {
		t.Errorf("Close on injected client: %v", err)
	}
	if rc.Prefix() != "custom:" {
		t.Errorf("prefix = %q, want custom:", rc.Prefix())
	}
}

func TestWithRedisTLS(t *testing.T) {
	cfg := &RedisConfig{}
	WithRedisTLS(nil)(cfg)
	if cfg.TLSConfig == nil || cfg.TLSConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("TLSConfig = %+v, want system pool with TLS 1.2 minimum", cfg.TLSConfig)
	}
	custom := &tls.Config{ServerName: "cache.internal"}
	WithRedisTLS(custom)(cfg)
	if cfg.TLSConfig != custom {
		t.Error("custom TLS config should be kept as given")
	}
}
