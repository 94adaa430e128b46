package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "configs/fleet.yaml", "path to config file")
	nodeID := fs.String("node", "", "unique id of this node in the fleet")
	accessLog := fs.String("access-log", "/var/log/xray/access.log", "path to the proxy access log")
	proxyConfig := fs.String("proxy-config", "/usr/local/etc/xray/config.json", "path to the proxy config file")
	fs.Parse(args)

	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "error: -node is required")
		fs.Usage()
		os.Exit(1)
	}

	content := fmt.Sprintf(`log_level: info
node_id: "%s"
access_log: "%s"
ledger_db: "ledger.sqlite"
proxy_config: "%s"

stats:
  binary: xray
  api_server: "127.0.0.1:10085"
  timeout: 30

cron:
  interval: 60
  timeout: 300
  watchdog: 120

abuse:
  window_minutes: 5
  max_connections: 3
  reactivate: false
  routing_tag: baduser
  peer_timeout: 5

billing:
  default_expire_days: 30

sync:
  # listen: ":8080"
  # api_key: "change-me"
  interval: 300
  peer_timeout: 10

restart_command: ["systemctl", "restart", "xray"]

observability_http:
  addr: ""
  pprof: false
  metrics: false
`, *nodeID, *accessLog, *proxyConfig)

	dir := filepath.Dir(*configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("failed to create config directory", "err", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*configPath, []byte(content), 0o600); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Config initialized ===")
	fmt.Printf("Config:  %s\n", *configPath)
	fmt.Printf("Node:    %s\n", *nodeID)
	fmt.Println()
	fmt.Println("Edit the sync section to join this node to a fleet.")
}
