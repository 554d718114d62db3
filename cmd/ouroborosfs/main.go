// Command ouroborosfs runs one node of the OuroborosFS ring.
//
// The node binds a TCP port on loopback, serves the line-based wire protocol
// (NODE/NETMAP/TOPOLOGY/FILE commands), and watches its ring successor,
// respawning it on failure. The single positional argument is the port; the
// bootstrap launcher and the heal path both start nodes this way:
//
//	ouroborosfs 7001
//	ouroborosfs 7002 --next 127.0.0.1:7003
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/adamjohannes/ouroboros-fs/internal/chunkstore"
	"github.com/adamjohannes/ouroboros-fs/internal/node"
	"github.com/adamjohannes/ouroboros-fs/internal/ring"
	"github.com/adamjohannes/ouroboros-fs/internal/supervisor"
)

// logFatal is a variable to allow tests to intercept fatal exits.
var logFatal = log.Fatalf

// options is the CLI grammar. The bare positional port is the collaborator
// contract: the bootstrap launcher and the heal respawn both invoke the
// binary that way.
type options struct {
	Port string `arg:"" help:"TCP port to bind, or a full ip:port address."`

	Host string `default:"127.0.0.1" help:"Host to combine with a bare port."`
	Next string `help:"Initial successor address (ip:port or bare port)."`

	DataDir string `default:"nodes" help:"Directory for per-node chunk mirrors."`

	GossipInterval time.Duration `default:"1s" help:"Successor probe period."`
	ProbeTimeout   time.Duration `default:"500ms" help:"Timeout for one NODE PING."`
	RespawnWait    time.Duration `default:"5s" help:"How long a respawned node gets to come up."`
	RelayTimeout   time.Duration `default:"30s" help:"Per-chunk relay write timeout."`
	WalkTimeout    time.Duration `default:"30s" help:"How long a walk origin waits for completion."`
}

var cli options

func main() {
	kong.Parse(&cli,
		kong.Name("ouroborosfs"),
		kong.Description("One node of the OuroborosFS distributed file ring."))

	addr := ring.NormalizeAddr(cli.Port, cli.Host)
	state := ring.NewState(addr)
	if cli.Next != "" {
		state.SetSelfSuccessor(ring.NormalizeAddr(cli.Next, cli.Host))
	}

	chunkDir := filepath.Join(cli.DataDir, ring.PortOf(addr))
	chunks, err := chunkstore.NewWithDir(chunkDir)
	if err != nil {
		logFatal("chunk dir %s: %v", chunkDir, err)
	}

	srv := node.New(node.Config{
		Addr:         addr,
		WalkTimeout:  cli.WalkTimeout,
		RelayTimeout: cli.RelayTimeout,
	}, state, chunks)
	if err := srv.Listen(); err != nil {
		logFatal("%v", err)
	}

	watcher := supervisor.New(supervisor.Config{
		GossipInterval: cli.GossipInterval,
		ProbeTimeout:   cli.ProbeTimeout,
		RespawnWait:    cli.RespawnWait,
	}, state)

	root := suture.New("ouroborosfs", suture.Spec{
		EventHook: func(e suture.Event) { log.Printf("node[%s] %s", addr, e) },
	})
	root.Add(srv)
	root.Add(watcher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Serve(ctx); err != nil && err != context.Canceled {
		logFatal("%v", err)
	}
	log.Printf("node[%s] stopped", addr)
}
