package proxyconf

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		Inbounds: []Inbound{{
			Tag: "vless-in",
			Settings: InboundSettings{Clients: []Client{
				{Email: "alice", ID: "a-1"},
				{Email: "bob", ID: "b-1"},
			}},
		}},
		Routing: Routing{Rules: []RoutingRule{
			{Type: "field", OutboundTag: "baduser"},
		}},
	}
}

func TestSetActiveDeactivate(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	if !cfg.SetActive("alice", false, "Multi IP usage: 4 IPs", "baduser", now) {
		t.Fatal("SetActive returned false")
	}

	c, _ := cfg.FindClient("alice")
	if c.Active() {
		t.Error("alice still active")
	}
	if c.DeActiveReason != "Multi IP usage: 4 IPs" {
		t.Errorf("reason = %q", c.DeActiveReason)
	}
	rule := cfg.Routing.Rules[0]
	if len(rule.Users) != 1 || rule.Users[0] != "alice" {
		t.Errorf("rule users = %v, want [alice]", rule.Users)
	}

	// Deactivating twice changes nothing.
	if cfg.SetActive("alice", false, "other", "baduser", now) {
		t.Error("second deactivation reported a change")
	}
	if len(cfg.Routing.Rules[0].Users) != 1 {
		t.Errorf("rule users duplicated: %v", cfg.Routing.Rules[0].Users)
	}
}

func TestSetActiveReactivate(t *testing.T) {
	cfg := testConfig()
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	cfg.SetActive("alice", false, "Multi IP usage", "baduser", now)

	if !cfg.SetActive("alice", true, "", "baduser", now.Add(time.Hour)) {
		t.Fatal("reactivation returned false")
	}
	c, _ := cfg.FindClient("alice")
	if !c.Active() || c.DeActiveReason != "" {
		t.Errorf("alice not cleanly reactivated: %+v", c)
	}
	if len(cfg.Routing.Rules[0].Users) != 0 {
		t.Errorf("rule users = %v, want empty", cfg.Routing.Rules[0].Users)
	}
}

func TestSetActiveCreatesRule(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.Rules = nil

	cfg.SetActive("bob", false, "reason", "baduser", time.Now())
	if len(cfg.Routing.Rules) != 1 {
		t.Fatalf("rules = %v", cfg.Routing.Rules)
	}
	r := cfg.Routing.Rules[0]
	if r.OutboundTag != "baduser" || len(r.Users) != 1 || r.Users[0] != "bob" {
		t.Errorf("rule = %+v", r)
	}
}

func TestSetActiveUnknownClient(t *testing.T) {
	cfg := testConfig()
	if cfg.SetActive("nobody", false, "x", "baduser", time.Now()) {
		t.Error("SetActive reported a change for an unknown client")
	}
}

func TestMutatorSaveBacksUpPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"inbounds":[],"routing":{"rules":[]}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewMutator(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Inbounds = append(cfg.Inbounds, Inbound{Tag: "new-in"})
	if err := m.Save(cfg); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	backups := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "config.json.bak-") {
			backups++
		}
	}
	if backups != 1 {
		t.Errorf("got %d backups, want 1", backups)
	}

	reloaded, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Inbounds) != 1 || reloaded.Inbounds[0].Tag != "new-in" {
		t.Errorf("reloaded inbounds = %+v", reloaded.Inbounds)
	}
}

func TestLoadKeepsEngineSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
  "inbounds": [{
    "tag": "vless-in",
    "settings": {"clients": [{"email": "alice", "id": "a-1"}]},
    "streamSettings": {"network": "tcp"}
  }],
  "routing": {"rules": []}
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewMutator(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(cfg); err != nil {
		t.Fatal(err)
	}

	reloaded, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if string(reloaded.Inbounds[0].StreamSettings) == "" {
		t.Error("streamSettings lost across a save")
	}
}
