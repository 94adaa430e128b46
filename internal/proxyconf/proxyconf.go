// Package proxyconf reads and mutates the proxy engine's configuration
// file: client lookup, activation changes, and routing-rule tagging. Every
// write is preceded by a timestamped backup copy.
package proxyconf

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"
)

// Client is one provisioned account in the proxy configuration.
type Client struct {
	Email string `json:"email"`
	ID    string `json:"id"`

	CreateDate       time.Time `json:"createDate,omitempty"`
	FirstConnect     time.Time `json:"firstConnect,omitempty"`
	BillingStartDate time.Time `json:"billingStartDate,omitempty"`

	ExpireDays     int   `json:"expireDays,omitempty"`
	QuotaLimit     int64 `json:"quotaLimit,omitempty"`
	MaxConnections int   `json:"maxConnections,omitempty"`

	DeActiveDate   time.Time `json:"deActiveDate,omitempty"`
	DeActiveReason string    `json:"deActiveReason,omitempty"`
}

// Active reports whether the client is currently enabled.
func (c *Client) Active() bool {
	return c.DeActiveDate.IsZero()
}

// Inbound is one listener in the proxy configuration. RemoteNodeID, when
// set, marks the inbound's client list as a mirror of the named peer node.
type Inbound struct {
	Tag          string          `json:"tag"`
	Protocol     string          `json:"protocol,omitempty"`
	RemoteNodeID string          `json:"remoteNodeId,omitempty"`
	Settings     InboundSettings `json:"settings"`

	// Engine-owned sections are carried through writes untouched.
	StreamSettings json.RawMessage `json:"streamSettings,omitempty"`
	Sniffing       json.RawMessage `json:"sniffing,omitempty"`
}

type InboundSettings struct {
	Clients []Client `json:"clients"`
}

// RoutingRule routes the listed users to an outbound tag. The bad-user tag
// is one of these rules.
type RoutingRule struct {
	Type        string   `json:"type,omitempty"`
	OutboundTag string   `json:"outboundTag"`
	Users       []string `json:"user,omitempty"`
}

type Routing struct {
	Rules []RoutingRule `json:"rules"`
}

// Config is the subset of the proxy configuration this system owns. Unknown
// engine sections are ignored on read and absent on write; the engine
// config referenced here is the panel-managed document, not the full engine
// runtime config.
type Config struct {
	Inbounds []Inbound `json:"inbounds"`
	Routing  Routing   `json:"routing"`
}

// FindClient returns the client with the given email and its inbound, or
// nil when absent.
func (c *Config) FindClient(email string) (*Client, *Inbound) {
	for i := range c.Inbounds {
		in := &c.Inbounds[i]
		for j := range in.Settings.Clients {
			if in.Settings.Clients[j].Email == email {
				return &in.Settings.Clients[j], in
			}
		}
	}
	return nil, nil
}

// EachClient calls fn for every client across all inbounds. The pointers
// alias the config, so mutations stick until the next Save.
func (c *Config) EachClient(fn func(*Client)) {
	for i := range c.Inbounds {
		for j := range c.Inbounds[i].Settings.Clients {
			fn(&c.Inbounds[i].Settings.Clients[j])
		}
	}
}

// SetActive activates or deactivates the client with the given email. On
// deactivation the reason is recorded and the user is added to the routing
// rule for tag; on activation both are cleared. Returns whether anything
// changed.
func (c *Config) SetActive(email string, active bool, reason, tag string, now time.Time) bool {
	client, _ := c.FindClient(email)
	if client == nil {
		return false
	}

	if active {
		if client.Active() {
			return false
		}
		client.DeActiveDate = time.Time{}
		client.DeActiveReason = ""
		c.removeFromRule(email, tag)
		return true
	}

	if !client.Active() {
		return false
	}
	client.DeActiveDate = now
	client.DeActiveReason = reason
	c.addToRule(email, tag)
	return true
}

func (c *Config) addToRule(email, tag string) {
	for i := range c.Routing.Rules {
		r := &c.Routing.Rules[i]
		if r.OutboundTag != tag {
			continue
		}
		if !slices.Contains(r.Users, email) {
			r.Users = append(r.Users, email)
		}
		return
	}
	c.Routing.Rules = append(c.Routing.Rules, RoutingRule{
		Type:        "field",
		OutboundTag: tag,
		Users:       []string{email},
	})
}

func (c *Config) removeFromRule(email, tag string) {
	for i := range c.Routing.Rules {
		r := &c.Routing.Rules[i]
		if r.OutboundTag != tag {
			continue
		}
		r.Users = slices.DeleteFunc(r.Users, func(u string) bool { return u == email })
	}
}

// Mutator loads and saves the proxy configuration file.
type Mutator struct {
	path   string
	logger *slog.Logger
}

func NewMutator(path string, logger *slog.Logger) *Mutator {
	return &Mutator{path: path, logger: logger}
}

// Load reads and parses the configuration.
func (m *Mutator) Load() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("proxyconf: read %q: %w", m.path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("proxyconf: parse %q: %w", m.path, err)
	}
	return &cfg, nil
}

// Save writes the configuration back, creating a timestamped backup of the
// previous file first. Errors propagate: an unpersisted activation decision
// must not silently diverge from the in-memory one.
func (m *Mutator) Save(cfg *Config) error {
	if prev, err := os.ReadFile(m.path); err == nil {
		backup := fmt.Sprintf("%s.bak-%s", m.path, time.Now().Format("20060102-150405"))
		if err := os.WriteFile(backup, prev, 0o600); err != nil {
			return fmt.Errorf("proxyconf: backup %q: %w", backup, err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("proxyconf: marshal: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("proxyconf: write %q: %w", m.path, err)
	}
	return nil
}
