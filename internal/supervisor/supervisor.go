// Package supervisor implements the per-node gossip loop: probe the
// successor, detect its death, respawn it as a fresh child process, and
// re-sync cluster metadata to it.
//
// Healing is inherently serial per node — each node watches exactly one
// successor slot — so the whole loop is a single goroutine. Two nodes that
// concurrently lose different neighbors heal disjoint slots; their netmap
// broadcasts converge because SET is a wholesale replace and the healed
// node's own watcher keeps running.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/adamjohannes/ouroboros-fs/internal/protocol"
	"github.com/adamjohannes/ouroboros-fs/internal/ring"
)

// Config carries the gossip tunables.
type Config struct {
	// GossipInterval is the probe period.
	GossipInterval time.Duration
	// ProbeTimeout bounds one NODE PING exchange.
	ProbeTimeout time.Duration
	// RespawnWait bounds how long a freshly spawned child gets to start
	// answering pings before the heal is abandoned.
	RespawnWait time.Duration
}

const (
	defaultGossipInterval = time.Second
	defaultProbeTimeout   = 500 * time.Millisecond
	defaultRespawnWait    = 5 * time.Second

	// respawnPollInterval is how often a respawned child is re-probed
	// within the RespawnWait window.
	respawnPollInterval = 200 * time.Millisecond
)

// Watcher is the failure detector and healer for one node's successor slot.
// It implements suture.Service.
type Watcher struct {
	cfg   Config
	state *ring.State

	// probeFunc checks whether a peer is alive. Replaceable for tests.
	probeFunc func(ctx context.Context, addr string) error

	// spawnFunc starts a replacement node process for the given port.
	// The default invokes this same binary with the port as its single
	// argument, per the collaborator contract. Replaceable for tests.
	spawnFunc func(port string) error
}

// New creates a watcher over shared cluster state. Zero-valued durations
// take their defaults.
func New(cfg Config, state *ring.State) *Watcher {
	if cfg.GossipInterval <= 0 {
		cfg.GossipInterval = defaultGossipInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.RespawnWait <= 0 {
		cfg.RespawnWait = defaultRespawnWait
	}
	w := &Watcher{cfg: cfg, state: state}
	w.probeFunc = w.defaultProbe
	w.spawnFunc = defaultSpawn
	return w
}

// SetProbeFunc replaces the liveness probe. Tests use this to simulate
// failures without real sockets.
func (w *Watcher) SetProbeFunc(fn func(ctx context.Context, addr string) error) {
	w.probeFunc = fn
}

// SetSpawnFunc replaces the respawn mechanism.
func (w *Watcher) SetSpawnFunc(fn func(port string) error) {
	w.spawnFunc = fn
}

// Serve runs the gossip loop until ctx is canceled.
func (w *Watcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.GossipInterval)
	defer ticker.Stop()

	log.Printf("node[%s] watcher started (gossip %v)", w.state.Self(), w.cfg.GossipInterval)
	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick probes the successor once. A node with no successor, or wired to
// itself, has nothing to watch.
func (w *Watcher) tick(ctx context.Context) {
	next := w.state.SelfSuccessor()
	if next == "" || next == w.state.Self() {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	err := w.probeFunc(pctx, next)
	cancel()

	if err == nil {
		if st, ok := w.state.Status(next); ok && st == ring.StatusDead {
			log.Printf("node[%s] successor %s is back", w.state.Self(), next)
			w.state.SetStatus(next, ring.StatusAlive)
			w.broadcastNetMap(ctx)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	log.Printf("node[%s] successor %s failed probe: %v", w.state.Self(), next, err)
	w.heal(ctx, next)
}

// heal executes the detect-respawn-re-sync sequence for a dead successor.
// The slot keeps its position: the respawned process binds the same port and
// receives the unchanged topology, so the ring closes again without
// rewiring.
func (w *Watcher) heal(ctx context.Context, dead string) {
	self := w.state.Self()

	w.state.SetStatus(dead, ring.StatusDead)
	w.broadcastNetMap(ctx, dead)

	port := ring.PortOf(dead)
	log.Printf("node[%s] respawning %s", self, dead)
	if err := w.spawnFunc(port); err != nil {
		log.Printf("node[%s] respawn of %s: %v", self, dead, err)
		return
	}

	if err := w.awaitAlive(ctx, dead); err != nil {
		log.Printf("node[%s] heal of %s abandoned: %v", self, dead, err)
		return
	}

	if err := w.resync(ctx, dead); err != nil {
		log.Printf("node[%s] re-sync of %s: %v", self, dead, err)
		return
	}

	w.state.SetStatus(dead, ring.StatusAlive)
	w.broadcastNetMap(ctx)
	log.Printf("node[%s] healed %s", self, dead)
}

// awaitAlive polls the respawned child with NODE PING until it answers or
// the respawn window expires.
func (w *Watcher) awaitAlive(ctx context.Context, addr string) error {
	deadline := time.Now().Add(w.cfg.RespawnWait)
	for {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		err := w.probeFunc(pctx, addr)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no answer within %v", w.cfg.RespawnWait)
		}
		time.Sleep(respawnPollInterval)
	}
}

// resync pushes the three cluster tables to a freshly respawned node, in
// the order netmap, topology, file tags. The node's chunks are gone for
// good; the tags still name it and pulls of affected files come back short.
func (w *Watcher) resync(ctx context.Context, addr string) error {
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := protocol.Send(octx, addr, "NETMAP SET "+protocol.EncodeNetMap(w.state.NetMap())); err != nil {
		return err
	}
	if err := protocol.Send(octx, addr, "TOPOLOGY SET "+protocol.EncodeTopology(w.state.Topology())); err != nil {
		return err
	}
	body := []byte(protocol.EncodeTags(w.state.Tags()))
	if len(body) == 0 {
		return nil
	}
	header := fmt.Sprintf("FILE TAGS-SET %d", len(body))
	return protocol.SendBody(octx, addr, header, body)
}

const opTimeout = 5 * time.Second

// broadcastNetMap pushes the local netmap to every alive peer except self
// and any excluded (dead) addresses. Best-effort; a missed peer converges
// on a later broadcast.
func (w *Watcher) broadcastNetMap(ctx context.Context, except ...string) {
	entries := protocol.EncodeNetMap(w.state.NetMap())
	for _, addr := range w.state.Alive(append(except, w.state.Self())...) {
		octx, cancel := context.WithTimeout(ctx, opTimeout)
		if err := protocol.Send(octx, addr, "NETMAP SET "+entries); err != nil {
			log.Printf("node[%s] netmap broadcast to %s: %v", w.state.Self(), addr, err)
		}
		cancel()
	}
}

func (w *Watcher) defaultProbe(ctx context.Context, addr string) error {
	return protocol.Ping(ctx, addr)
}

// defaultSpawn re-invokes this binary with the dead node's port as the
// single positional argument. The child is waited on in the background so
// it never lingers as a zombie.
func defaultSpawn(port string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, port)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("respawned node on port %s exited: %v", port, err)
		}
	}()
	return nil
}
