package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/aurora.yaml"
	content := `
upstream:
  base_url: http://backend.internal:9090
  token: secret
server:
  listen: ":9999"
refresh:
  interval: 10s
cache:
  backend: redis
  redis:
    addr: redis.internal:6379
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Upstream.BaseURL != "http://backend.internal:9090" {
		t.Errorf("upstream.base_url = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.Token != "secret" {
		t.Errorf("upstream.token = %q", cfg.Upstream.Token)
	}
	if cfg.Server.Listen != ":9999" {
		t.Errorf("server.listen = %q", cfg.Server.Listen)
	}
	if cfg.Refresh.Interval != "10s" {
		t.Errorf("refresh.interval = %q", cfg.Refresh.Interval)
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("cache.backend = %q", cfg.Cache.Backend)
	}
	if cfg.Cache.Redis.Addr != "redis.internal:6379" {
		t.Errorf("cache.redis.addr = %q", cfg.Cache.Redis.Addr)
	}

	// Values not present in the file keep their defaults.
	if cfg.Upstream.IdentityHeader != "X-Aurora-User" {
		t.Errorf("upstream.identity_header = %q, want X-Aurora-User", cfg.Upstream.IdentityHeader)
	}
	if !cfg.Refresh.Enabled {
		t.Error("refresh.enabled should default to true")
	}
	if !cfg.Alerts.Stdout.Enabled {
		t.Error("alerts.stdout.enabled should default to true")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"10s", time.Minute, 10 * time.Second},
		{"1h30m", time.Minute, 90 * time.Minute},
		{"", time.Minute, time.Minute},
		{"bogus", 5 * time.Second, 5 * time.Second},
		{"-3s", 5 * time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := Duration(tt.value, tt.def); got != tt.want {
			t.Errorf("Duration(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}
