package main

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseArgs runs the CLI grammar against argv without side effects.
func parseArgs(t *testing.T, args ...string) {
	t.Helper()
	cli = options{}
	parser, err := kong.New(&cli, kong.Name("ouroborosfs"))
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
}

// TestCLIPortOnly verifies the collaborator contract: the binary takes the
// port as its single positional argument and everything else defaults.
func TestCLIPortOnly(t *testing.T) {
	parseArgs(t, "7001")

	assert.Equal(t, "7001", cli.Port)
	assert.Equal(t, "127.0.0.1", cli.Host)
	assert.Equal(t, "", cli.Next)
	assert.Equal(t, time.Second, cli.GossipInterval)
	assert.Equal(t, 500*time.Millisecond, cli.ProbeTimeout)
	assert.Equal(t, 5*time.Second, cli.RespawnWait)
	assert.Equal(t, 30*time.Second, cli.RelayTimeout)
}

// TestCLIOverrides verifies flags override the defaults.
func TestCLIOverrides(t *testing.T) {
	parseArgs(t, "127.0.0.1:7002", "--next", "7003", "--gossip-interval", "250ms")

	assert.Equal(t, "127.0.0.1:7002", cli.Port)
	assert.Equal(t, "7003", cli.Next)
	assert.Equal(t, 250*time.Millisecond, cli.GossipInterval)
}

// TestCLIRequiresPort verifies a missing port is a parse error, not a node
// on a default port.
func TestCLIRequiresPort(t *testing.T) {
	parser, err := kong.New(&cli, kong.Name("ouroborosfs"))
	require.NoError(t, err)
	_, err = parser.Parse(nil)
	assert.Error(t, err)
}
