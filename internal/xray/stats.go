// Package xray invokes the proxy engine's external stats command.
package xray

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Stat is one counter from the engine's stats query, named
// "type>>>name>>>_>>>direction".
type Stat struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

type statsResponse struct {
	Stat []Stat `json:"stat"`
}

// Command queries the proxy engine's traffic counters by running its stats
// command. The query resets the engine's internal counters as a side
// effect, so returned values are per-run deltas, not absolutes.
type Command struct {
	Binary    string
	APIServer string
	Timeout   time.Duration

	logger *slog.Logger
}

// NewCommand builds a stats command invoker.
func NewCommand(binary, apiServer string, timeout time.Duration, logger *slog.Logger) *Command {
	return &Command{
		Binary:    binary,
		APIServer: apiServer,
		Timeout:   timeout,
		logger:    logger,
	}
}

// Query runs the stats command once and parses its JSON output. A non-zero
// exit or unparsable output is returned as an error; the caller aborts its
// traffic run for this tick.
func (c *Command) Query(ctx context.Context) ([]Stat, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Binary,
		"api", "statsquery",
		"--server="+c.APIServer,
		"-reset",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("xray: stats command: %w", err)
	}

	var resp statsResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("xray: parse stats output: %w", err)
	}

	c.logger.Debug("stats query completed", "counters", len(resp.Stat))
	return resp.Stat, nil
}

// ParseStatName splits a counter name of the form
// "type>>>name>>>_>>>direction". ok is false for any other shape.
func ParseStatName(s string) (typ, name, direction string, ok bool) {
	parts := strings.Split(s, ">>>")
	if len(parts) != 4 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[3], true
}
