package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
app:
  name: admitq-test
  env: production
  log_level: debug
server:
  addr: ":9090"
  api_key: secret
redis:
  addr: "127.0.0.1:6380"
  db: 2
backpressure:
  pause_threshold: 0.9
  resume_threshold: 0.7
  max_total_depth: 5000
breaker:
  window: 60s
  volume_threshold: 10
  error_threshold: 0.5
  reset_timeout: 30s
rate_limit:
  window: 1m
  max: 100
queues:
  - name: emails
    concurrency: 4
    max_size: 1000
    rate_limit:
      ops: 10
      per: 1s
    schedules:
      - cron: "0 * * * *"
        payload: '{"kind":"digest"}'
  - name: webhooks
    concurrency: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.App.Name != "admitq-test" || cfg.App.LogLevel != "debug" {
		t.Errorf("Unexpected app config: %+v", cfg.App)
	}
	if cfg.Redis.Addr != "127.0.0.1:6380" || cfg.Redis.DB != 2 {
		t.Errorf("Unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Breaker.Window != time.Minute || cfg.Breaker.ErrorThreshold != 0.5 {
		t.Errorf("Unexpected breaker config: %+v", cfg.Breaker)
	}
	if len(cfg.Queues) != 2 {
		t.Fatalf("Expected 2 queues, got %d", len(cfg.Queues))
	}
	emails := cfg.Queues[0]
	if emails.RateLimit == nil || emails.RateLimit.Ops != 10 || emails.RateLimit.Per != time.Second {
		t.Errorf("Unexpected queue rate limit: %+v", emails.RateLimit)
	}
	if len(emails.Schedules) != 1 || emails.Schedules[0].Cron != "0 * * * *" {
		t.Errorf("Unexpected schedules: %+v", emails.Schedules)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
queues:
  - name: work
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.App.Name != "admitq" {
		t.Errorf("Expected default app name, got %q", cfg.App.Name)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Expected default server addr, got %q", cfg.Server.Addr)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("Expected default redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.RateLimit.Window != time.Minute || cfg.RateLimit.Max != 60 {
		t.Errorf("Expected default rate limit, got %+v", cfg.RateLimit)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no queues",
			yaml: "app:\n  name: x\n",
			want: "at least one queue",
		},
		{
			name: "duplicate queue",
			yaml: "queues:\n  - name: a\n  - name: a\n",
			want: "duplicate queue",
		},
		{
			name: "inverted hysteresis",
			yaml: "queues:\n  - name: a\nbackpressure:\n  pause_threshold: 0.7\n  resume_threshold: 0.9\n",
			want: "resume_threshold",
		},
		{
			name: "bad error threshold",
			yaml: "queues:\n  - name: a\nbreaker:\n  error_threshold: 1.5\n",
			want: "error_threshold",
		},
		{
			name: "zero-op rate limit",
			yaml: "queues:\n  - name: a\n    rate_limit:\n      ops: 0\n      per: 1s\n",
			want: "rate_limit",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}
