package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/soyeahso/omnidesk/internal/config"
)

// DefaultCommandTimeout bounds a shell hook when the entry sets no timeout.
const DefaultCommandTimeout = 10 * time.Second

// commandWaitDelay bounds how long a killed hook may hold its output pipes.
const commandWaitDelay = time.Second

// CommandHandler returns a Handler that runs entry.Command through the shell
// with the JSON-encoded payload on stdin.
func CommandHandler(entry config.HookEntry) Handler {
	timeout := DefaultCommandTimeout
	if entry.Timeout > 0 {
		timeout = time.Duration(entry.Timeout) * time.Millisecond
	}

	return func(ctx context.Context, p Payload) error {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding hook payload: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", entry.Command)
		cmd.Stdin = bytes.NewReader(body)
		cmd.Env = append(cmd.Environ(), "OMNIDESK_HOOK_EVENT="+p.Event)
		// Children of the shell are killed with it on timeout.
		killProcessGroup(cmd)
		cmd.WaitDelay = commandWaitDelay

		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("hook %q: %w: %s", entry.Command, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// RegisterCommands wires the shell hooks from cfg into m and returns how many
// were registered.
func RegisterCommands(m *Manager, cfg config.HooksConfig) int {
	byEvent := map[string][]config.HookEntry{
		EventChannelConnecting:   cfg.ChannelConnecting,
		EventChannelAwaitingScan: cfg.ChannelAwaitingScan,
		EventChannelConnected:    cfg.ChannelConnected,
		EventChannelDisconnected: cfg.ChannelDisconnected,
		EventChannelFailed:       cfg.ChannelFailed,
		EventGatewayStart:        cfg.GatewayStart,
		EventGatewayStop:         cfg.GatewayStop,
	}

	n := 0
	for _, event := range AllEvents {
		for i, entry := range byEvent[event] {
			m.On(event, fmt.Sprintf("config:%s[%d]", event, i), CommandHandler(entry))
			n++
		}
	}
	return n
}
