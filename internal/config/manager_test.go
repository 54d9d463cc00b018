package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
engine:
  tick: 500ms
  dispatch_limit: 4
  retry_max_delay: 2m
health:
  interval: 10s
  down_threshold: 0.6
store:
  driver: sqlite
  path: /var/lib/herald/inbox.db
  inbox_cap: 50
metrics:
  enabled: true
  addr: 127.0.0.1:9191
channels:
  - id: mail
    type: email
    endpoint: https://mail.example.com/send
    rate_per_minute: 30
  - id: ops-chat
    type: chat_webhook
    telegram:
      token: "123:abc"
      chat_id: -100200300
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Engine.Tick != "500ms" || cfg.Engine.DispatchLimit != 4 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Health.DownThreshold != 0.6 {
		t.Errorf("health.down_threshold = %v", cfg.Health.DownThreshold)
	}
	if cfg.Store == nil || cfg.Store.Driver != "sqlite" || cfg.Store.InboxCap != 50 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Metrics == nil || !cfg.Metrics.Enabled || cfg.Metrics.Addr != "127.0.0.1:9191" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("channels = %+v", cfg.Channels)
	}
	if cfg.Channels[0].RatePerMinute != 30 {
		t.Errorf("channel[0] = %+v", cfg.Channels[0])
	}
	tg := cfg.Channels[1].Telegram
	if tg == nil || tg.Token != "123:abc" || tg.ChatID != -100200300 {
		t.Errorf("telegram = %+v", tg)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "engine:\n  tick: 1s\n  workers: 4\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseRejectsInvalidYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "engine: [unbalanced\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("broken yaml must be rejected")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"engine":{"dispatch_limit":7}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.DispatchLimit != 7 {
		t.Errorf("dispatch_limit = %d", cfg.Engine.DispatchLimit)
	}
}

func TestParseJSONRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"engine":{}}{"extra":true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("trailing tokens must be rejected")
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)

	cfg := &Config{}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("subscriber did not receive config")
	}

	// A full buffer keeps the newest update.
	older, newer := &Config{}, &Config{}
	m.publish(older)
	m.publish(newer)
	if got := <-ch; got != newer {
		t.Fatal("slow subscriber must see the newest config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel must be closed")
	}
	m.publish(cfg) // must not panic
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"  ", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{"2m", 2 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationField("engine.tick", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: want error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("%q: got (%v, %v), want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("health.interval", "", 30*time.Second); err != nil || d != 30*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if d, err := ParseDurationOrDefault("health.interval", "10s", 30*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("got (%v, %v)", d, err)
	}
	if _, err := ParseDurationOrDefault("health.interval", "later", time.Second); err == nil {
		t.Fatal("want error")
	}
}

func TestHashBytes(t *testing.T) {
	t.Parallel()
	if hashBytes(nil) != 0 {
		t.Fatal("empty input must hash to 0")
	}
	a, b := hashBytes([]byte("a")), hashBytes([]byte("b"))
	if a == b {
		t.Fatal("distinct inputs should hash differently")
	}
	if a != hashBytes([]byte("a")) {
		t.Fatal("hash must be stable")
	}
}
