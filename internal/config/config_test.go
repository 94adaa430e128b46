package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
node_id: node-a
access_log: /var/log/xray/access.log
proxy_config: /etc/xray/config.json
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Stats.Binary != "xray" || cfg.Stats.APIServer != "127.0.0.1:10085" {
		t.Errorf("stats defaults = %+v", cfg.Stats)
	}
	if cfg.Cron.Interval != 60 || cfg.Cron.Timeout != 300 || cfg.Cron.Watchdog != 120 {
		t.Errorf("cron defaults = %+v", cfg.Cron)
	}
	if cfg.Abuse.WindowMinutes != 5 || cfg.Abuse.MaxConnections != 3 || cfg.Abuse.RoutingTag != "baduser" {
		t.Errorf("abuse defaults = %+v", cfg.Abuse)
	}
	if cfg.Billing.DefaultExpireDays != 30 {
		t.Errorf("billing defaults = %+v", cfg.Billing)
	}
	if cfg.Sync.Interval != 300 || cfg.Sync.PeerTimeout != 10 {
		t.Errorf("sync defaults = %+v", cfg.Sync)
	}
	if len(cfg.RestartCommand) == 0 || cfg.RestartCommand[0] != "systemctl" {
		t.Errorf("restart command = %v", cfg.RestartCommand)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing node id",
			content: "access_log: a.log\nproxy_config: c.json\n",
			wantErr: "node_id",
		},
		{
			name:    "missing access log",
			content: "node_id: n\nproxy_config: c.json\n",
			wantErr: "access_log",
		},
		{
			name:    "missing proxy config",
			content: "node_id: n\naccess_log: a.log\n",
			wantErr: "proxy_config",
		},
		{
			name:    "watchdog not shorter than timeout",
			content: minimal + "cron:\n  timeout: 100\n  watchdog: 100\n",
			wantErr: "watchdog",
		},
		{
			name:    "sync listen without key",
			content: minimal + "sync:\n  listen: \":8080\"\n",
			wantErr: "api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.in}
		if got := cfg.ParseLogLevel(); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
