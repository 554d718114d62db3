// Package integration exercises a real OuroborosFS ring: it builds the node
// binary, spawns one process per node, stitches them into a cycle over the
// wire, and drives the client-facing protocol end to end, including a kill
// and heal.
package integration

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixed high ports: the heal path respawns a node on the same port, so the
// ring cannot use ephemeral addresses.
var ringPorts = []int{17101, 17102, 17103}

// TestRing represents the system under test.
type TestRing struct {
	t     *testing.T
	bin   string
	dir   string
	nodes map[int]*exec.Cmd
	addrs []string
}

// NewTestRing builds the node binary once into a temp dir.
func NewTestRing(t *testing.T) *TestRing {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "ouroborosfs")

	t.Log("Building node binary...")
	build := exec.Command("go", "build", "-o", bin, "../../cmd/ouroborosfs")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	require.NoError(t, build.Run(), "failed to build node binary")

	addrs := make([]string, len(ringPorts))
	for i, port := range ringPorts {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", port)
	}
	return &TestRing{t: t, bin: bin, dir: dir, nodes: make(map[int]*exec.Cmd), addrs: addrs}
}

// Start spawns every node and wires the cycle over the wire, the way the
// bootstrap launcher does.
func (tr *TestRing) Start() {
	tr.t.Helper()
	for _, port := range ringPorts {
		tr.spawn(port)
	}
	for _, addr := range tr.addrs {
		tr.waitAlive(addr)
	}

	// Stitch the ring and install the shared tables.
	netmap := make([]string, len(tr.addrs))
	topology := make([]string, len(tr.addrs))
	for i, addr := range tr.addrs {
		next := tr.addrs[(i+1)%len(tr.addrs)]
		require.Equal(tr.t, "OK\n", tr.request(addr, "NODE NEXT "+next))
		netmap[i] = addr + "=Alive"
		topology[i] = addr + "->" + next
	}
	for _, addr := range tr.addrs {
		require.Equal(tr.t, "OK\n", tr.request(addr, "NETMAP SET "+strings.Join(netmap, ",")))
		require.Equal(tr.t, "OK\n", tr.request(addr, "TOPOLOGY SET "+strings.Join(topology, ";")))
	}
}

func (tr *TestRing) spawn(port int) {
	tr.t.Helper()
	cmd := exec.Command(tr.bin, fmt.Sprint(port),
		"--gossip-interval", "200ms",
		"--probe-timeout", "150ms",
		"--respawn-wait", "5s")
	cmd.Dir = tr.dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	require.NoError(tr.t, cmd.Start(), "failed to start node on %d", port)
	tr.nodes[port] = cmd
}

// Stop tears the ring down. Nodes respawned by the heal path are children
// of other node processes, not of the test, so they are swept by binary
// path after the owned processes are killed.
func (tr *TestRing) Stop() {
	for port, cmd := range tr.nodes {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		delete(tr.nodes, port)
	}
	_ = exec.Command("pkill", "-f", tr.bin).Run()
}

// waitAlive polls NODE PING until the node answers.
func (tr *TestRing) waitAlive(addr string) {
	tr.t.Helper()
	require.Eventually(tr.t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return false
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(time.Second))
		fmt.Fprint(conn, "NODE PING\n")
		buf := make([]byte, 5)
		_, err = io.ReadFull(conn, buf)
		return err == nil && string(buf) == "PONG\n"
	}, 10*time.Second, 100*time.Millisecond, "node %s never came up", addr)
}

// request sends one command plus optional payload and returns the full
// response.
func (tr *TestRing) request(addr, header string, payload ...byte) string {
	tr.t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(tr.t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(15 * time.Second))

	fmt.Fprintf(conn, "%s\n", header)
	if len(payload) > 0 {
		_, err = conn.Write(payload)
		require.NoError(tr.t, err)
	}
	_ = conn.(*net.TCPConn).CloseWrite()

	out, err := io.ReadAll(conn)
	require.NoError(tr.t, err)
	return string(out)
}

// TestRingEndToEnd drives distribution, walks, pull and heal against real
// processes.
func TestRingEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tr := NewTestRing(t)
	tr.Start()
	defer tr.Stop()

	a, b, c := tr.addrs[0], tr.addrs[1], tr.addrs[2]

	t.Run("TopologyWalk", func(t *testing.T) {
		want := fmt.Sprintf("%s->%s;%s->%s;%s->%s\n", b, c, c, a, a, b)
		assert.Equal(t, want, tr.request(b, "TOPOLOGY WALK"))
	})

	t.Run("PushPullDistribution", func(t *testing.T) {
		assert.Equal(t, "OK\n", tr.request(a, "FILE PUSH 9 x", []byte("ABCDEFGHI")...))
		assert.Equal(t, "ABCDEFGHI", tr.request(c, "FILE PULL x"))

		// Every node carries the same tag.
		want := fmt.Sprintf("x,9,%s\n", a)
		for _, addr := range tr.addrs {
			assert.Equal(t, want, tr.request(addr, "FILE LIST"), "tags on %s", addr)
		}
	})

	t.Run("NonDivisiblePush", func(t *testing.T) {
		assert.Equal(t, "OK\n", tr.request(b, "FILE PUSH 10 y", []byte("0123456789")...))
		assert.Equal(t, "0123456789", tr.request(a, "FILE PULL y"))
	})

	t.Run("UnknownFile", func(t *testing.T) {
		assert.Equal(t, "ERR unknown file\n", tr.request(a, "FILE PULL nope"))
	})

	t.Run("Heal", func(t *testing.T) {
		// Kill the middle node; its predecessor must detect, respawn,
		// and re-sync it.
		victim := tr.nodes[ringPorts[1]]
		require.NoError(t, victim.Process.Kill())
		_ = victim.Wait()
		delete(tr.nodes, ringPorts[1])

		// Node A detects B's death and heals it; wait until A's netmap
		// shows every node Alive again.
		require.Eventually(t, func() bool {
			resp := tr.request(a, "NETMAP GET")
			return strings.Contains(resp, b+",Alive\n") &&
				strings.Contains(resp, a+",Alive\n") &&
				strings.Contains(resp, c+",Alive\n")
		}, 20*time.Second, 250*time.Millisecond, "ring never converged back to all-Alive")

		// Topology is unchanged and the ring closes again.
		want := fmt.Sprintf("%s->%s;%s->%s;%s->%s\n", a, b, b, c, c, a)
		assert.Equal(t, want, tr.request(a, "TOPOLOGY WALK"))

		// The respawned node lost its chunk but knows every tag.
		assert.Contains(t, tr.request(b, "FILE LIST"), "x,9,")
	})
}
