package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/adamjohannes/ouroboros-fs/internal/chunkstore"
	"github.com/adamjohannes/ouroboros-fs/internal/protocol"
	"github.com/adamjohannes/ouroboros-fs/internal/ring"
)

// Config carries the tunables of the TCP engine.
type Config struct {
	// Addr is the ip:port to bind. The port is the node's stable identity.
	Addr string

	// WalkTimeout bounds how long an origin waits for a walk completion.
	WalkTimeout time.Duration

	// RelayTimeout bounds the write of one chunk toward the successor
	// during a push relay; a relay leg covering k further hops gets k
	// times this budget.
	RelayTimeout time.Duration
}

// Timeout defaults, applied by New when the corresponding Config field is
// zero. opTimeout bounds the small point-to-point exchanges (broadcasts,
// walk forwards) that carry no payload.
const (
	defaultWalkTimeout  = 30 * time.Second
	defaultRelayTimeout = 30 * time.Second
	opTimeout           = 5 * time.Second
)

// Server is one node's TCP engine. It owns the listener and the per-request
// goroutines; cluster state and the chunk store are shared with the
// supervisor.
type Server struct {
	cfg    Config
	state  *ring.State
	chunks *chunkstore.Store

	ln net.Listener

	// Pending walk completions, oldest first. TOPOLOGY DONE resolves the
	// front topology waiter; an incoming NETMAP SET resolves the front
	// discover waiter (the final discover hop delivers its accumulator
	// as a SET).
	mu              sync.Mutex
	walkWaiters     []chan string
	discoverWaiters []chan struct{}
}

// New creates a server around shared state and chunk storage. Zero-valued
// timeouts take their defaults.
func New(cfg Config, state *ring.State, chunks *chunkstore.Store) *Server {
	if cfg.WalkTimeout <= 0 {
		cfg.WalkTimeout = defaultWalkTimeout
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = defaultRelayTimeout
	}
	return &Server{cfg: cfg, state: state, chunks: chunks}
}

// Listen binds the configured address. Split from Serve so callers can fail
// fast on a busy port and read the bound address before serving.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Serve accepts connections until ctx is canceled. It implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Printf("node[%s] listening", s.state.Self())

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads one header line, dispatches, and closes. Payload bytes
// declared by the header are consumed through the same buffered reader and
// never re-parsed as commands.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	line, err := protocol.ReadLine(r)
	if err != nil {
		if err != io.EOF {
			log.Printf("node[%s] header read: %v", s.state.Self(), err)
		}
		return
	}

	cmd, err := protocol.ParseHeader(line)
	if err != nil {
		respondErr(conn, err.Error())
		return
	}

	switch cmd.Kind {
	case protocol.KindNodePing:
		fmt.Fprint(conn, "PONG\n")
	case protocol.KindNodeNext:
		s.handleNodeNext(conn, cmd)
	case protocol.KindNodeStatus:
		s.handleNodeStatus(conn)

	case protocol.KindNetMapGet:
		s.handleNetMapGet(conn)
	case protocol.KindNetMapDiscover:
		s.handleNetMapDiscover(ctx, conn)
	case protocol.KindNetMapSet:
		s.handleNetMapSet(conn, cmd)
	case protocol.KindNetMapHop:
		s.handleNetMapHop(ctx, conn, cmd)

	case protocol.KindTopologyWalk:
		s.handleTopologyWalk(ctx, conn)
	case protocol.KindTopologyHop:
		s.handleTopologyHop(ctx, conn, cmd)
	case protocol.KindTopologyDone:
		s.handleTopologyDone(conn, cmd)
	case protocol.KindTopologySet:
		s.handleTopologySet(conn, cmd)

	case protocol.KindFilePush:
		s.handleFilePush(ctx, conn, r, cmd)
	case protocol.KindFileRelayStream:
		s.handleFileRelayStream(ctx, conn, r, cmd)
	case protocol.KindFilePull:
		s.handleFilePull(ctx, conn, cmd)
	case protocol.KindFileGetChunk:
		s.handleFileGetChunk(conn, cmd)
	case protocol.KindFileList:
		s.handleFileList(conn)
	case protocol.KindFileTagsSet:
		s.handleFileTagsSet(conn, r, cmd)

	default:
		respondErr(conn, "unknown command")
	}
}

func respondOK(w io.Writer) {
	fmt.Fprint(w, "OK\n")
}

func respondErr(w io.Writer, reason string) {
	fmt.Fprintf(w, "ERR %s\n", reason)
}

// registerWalk parks a topology walk; the returned channel receives the
// final history when TOPOLOGY DONE arrives.
func (s *Server) registerWalk() chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.walkWaiters = append(s.walkWaiters, ch)
	s.mu.Unlock()
	return ch
}

// completeWalk resolves the oldest parked walk. A completion with no waiter
// (the origin timed out) is dropped.
func (s *Server) completeWalk(history string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.walkWaiters) == 0 {
		log.Printf("node[%s] stray TOPOLOGY DONE dropped", s.state.Self())
		return
	}
	ch := s.walkWaiters[0]
	s.walkWaiters = s.walkWaiters[1:]
	ch <- history
}

// dropWalk removes a timed-out waiter so a late completion does not resolve
// the wrong walk.
func (s *Server) dropWalk(ch chan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.walkWaiters {
		if w == ch {
			s.walkWaiters = append(s.walkWaiters[:i], s.walkWaiters[i+1:]...)
			return
		}
	}
}

// registerDiscover parks a netmap discover; the channel is closed when the
// accumulated map has been installed by the terminal NETMAP SET.
func (s *Server) registerDiscover() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.discoverWaiters = append(s.discoverWaiters, ch)
	s.mu.Unlock()
	return ch
}

// completeDiscover resolves the oldest parked discover, if any.
func (s *Server) completeDiscover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.discoverWaiters) == 0 {
		return
	}
	ch := s.discoverWaiters[0]
	s.discoverWaiters = s.discoverWaiters[1:]
	close(ch)
}

func (s *Server) dropDiscover(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.discoverWaiters {
		if w == ch {
			s.discoverWaiters = append(s.discoverWaiters[:i], s.discoverWaiters[i+1:]...)
			return
		}
	}
}
