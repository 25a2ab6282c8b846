package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/soyeahso/omnidesk/internal/domain"
	"github.com/soyeahso/omnidesk/internal/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command against a throwaway home directory set up
// by the caller.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "silent"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func useTempHome(t *testing.T) {
	t.Helper()
	t.Setenv("OMNIDESK_HOME", t.TempDir())
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"FALSE", false},
		{"42", 42},
		{"-7", -7},
		{"1.5", 1.5},
		{"loopback", "loopback"},
		{"12abc", "12abc"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseValue(tt.in))
		})
	}
}

func TestVersionCmd(t *testing.T) {
	useTempHome(t)
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "omnidesk")
}

func TestChannelsAddListRemove(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "channels", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No channels registered.")

	out, err = run(t, "channels", "add", "Support", "--type", "telegram")
	require.NoError(t, err)
	assert.Contains(t, out, "Added channel Support (telegram)")

	out, err = run(t, "channels", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Support")
	assert.Contains(t, out, "telegram")
	assert.Contains(t, out, "disconnected")

	_, err = run(t, "channels", "add", "Support")
	require.ErrorIs(t, err, store.ErrDuplicateName)

	out, err = run(t, "channels", "remove", "Support")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed channel Support")

	out, err = run(t, "channels", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No channels registered.")
}

func TestChannelsAdd_UnknownType(t *testing.T) {
	useTempHome(t)
	_, err := run(t, "channels", "add", "Fax", "--type", "fax")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel type")
}

func TestChannelsRemove_Unknown(t *testing.T) {
	useTempHome(t)
	_, err := run(t, "channels", "remove", "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannelsPair_SimulatedScan(t *testing.T) {
	useTempHome(t)

	_, err := run(t, "config", "set", "transport.qrDelayMs", "5")
	require.NoError(t, err)
	_, err = run(t, "channels", "add", "Sales", "--type", "whatsapp")
	require.NoError(t, err)

	out, err := run(t, "channels", "pair", "Sales", "--simulate-scan", "--timeout", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "Scan this code with whatsapp:")
	assert.Contains(t, out, "omnidesk:")
	assert.Contains(t, out, "Channel Sales connected.")
}

func TestChannelsPair_Timeout(t *testing.T) {
	useTempHome(t)

	_, err := run(t, "config", "set", "transport.qrDelayMs", "5")
	require.NoError(t, err)
	_, err = run(t, "channels", "add", "Sales")
	require.NoError(t, err)

	_, err = run(t, "channels", "pair", "Sales", "--timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWaitPaired_ReportsFailureReason(t *testing.T) {
	l := &pairListener{events: make(chan domain.Event, 4)}
	l.OnEvent(domain.Event{Kind: domain.EventStatus, State: domain.StateFailed})
	l.OnEvent(domain.Event{Kind: domain.EventError, Payload: "pairing expired"})

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	rec := domain.ChannelRecord{ID: "c1", Name: "Sales", Type: domain.ChannelTypeWhatsApp}

	err := waitPaired(context.Background(), cmd, &services{}, rec, l, false)
	require.Error(t, err)
	assert.Equal(t, "pairing Sales failed: pairing expired", err.Error())
	assert.Contains(t, out.String(), "State: failed")
}

func TestConfigSetGetUnset(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "config", "set", "pairing.expirySeconds", "120")
	require.NoError(t, err)
	assert.Contains(t, out, "Set pairing.expirySeconds = 120")

	out, err = run(t, "config", "get", "pairing.expirySeconds")
	require.NoError(t, err)
	assert.Equal(t, "120\n", out)

	out, err = run(t, "config", "get", "pairing")
	require.NoError(t, err)
	assert.Contains(t, out, "expirySeconds: 120")

	_, err = run(t, "config", "unset", "pairing.expirySeconds")
	require.NoError(t, err)

	_, err = run(t, "config", "get", "pairing.expirySeconds")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConfigValidate(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Config OK")

	_, err = run(t, "config", "set", "gateway.bind", "nowhere")
	require.NoError(t, err)

	out, err = run(t, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "gateway.bind")
}

func TestStatusCmd(t *testing.T) {
	useTempHome(t)

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Gateway:")
	assert.Contains(t, out, "Transport:   kind=sim")
	assert.Contains(t, out, "(no database yet)")

	_, err = run(t, "channels", "add", "Support")
	require.NoError(t, err)

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Channels:    1 (0 last seen connected)")
	assert.Contains(t, out, "Schema:      v2")
}

func TestStatusCmd_ListsHooks(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OMNIDESK_HOME", home)

	cfg := `hooks:
  channelConnected:
    - command: "true"
    - command: "echo connected"
  gatewayStart:
    - command: "true"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o600))

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Hooks:       channel_connected(2) gateway_start(1)")
}
