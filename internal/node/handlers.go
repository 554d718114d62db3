package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/adamjohannes/ouroboros-fs/internal/protocol"
	"github.com/adamjohannes/ouroboros-fs/internal/ring"
)

// handleNodeNext rewires this node's successor. Clients and the bootstrap
// launcher use it to stitch the initial ring.
func (s *Server) handleNodeNext(conn net.Conn, cmd protocol.Command) {
	if _, _, err := net.SplitHostPort(cmd.Addr); err != nil {
		respondErr(conn, fmt.Sprintf("bad address %q", cmd.Addr))
		return
	}
	s.state.SetSelfSuccessor(cmd.Addr)
	log.Printf("node[%s] next hop set to %s", s.state.Self(), cmd.Addr)
	respondOK(conn)
}

func (s *Server) handleNodeStatus(conn net.Conn) {
	fmt.Fprintf(conn, "PORT=%s NEXT=%s\n", ring.PortOf(s.state.Self()), s.state.SelfSuccessor())
}

// handleNetMapGet dumps the local netmap as CSV, terminated by close.
func (s *Server) handleNetMapGet(conn net.Conn) {
	writeNetMapCSV(conn, s.state.NetMap())
}

func writeNetMapCSV(conn net.Conn, m map[string]ring.Status) {
	addrs := maps.Keys(m)
	slices.Sort(addrs)
	for _, addr := range addrs {
		fmt.Fprintf(conn, "%s,%s\n", addr, m[addr])
	}
}

// handleNetMapSet installs a pushed snapshot wholesale (self stays Alive)
// and resolves any parked discover, since the terminal discover hop delivers
// its accumulator as a SET.
func (s *Server) handleNetMapSet(conn net.Conn, cmd protocol.Command) {
	entries, err := protocol.ParseNetMapEntries(cmd.Entries)
	if err != nil {
		respondErr(conn, err.Error())
		return
	}
	s.state.MergeNetMap(protocol.NetMapEntriesToMap(entries))
	s.completeDiscover()
	respondOK(conn)
}

// handleNetMapHop advances a discover walk. The first accumulator entry
// names the origin; every hop that answers is implicitly Alive.
func (s *Server) handleNetMapHop(ctx context.Context, conn net.Conn, cmd protocol.Command) {
	entries, err := protocol.ParseNetMapEntries(cmd.Entries)
	if err != nil {
		respondErr(conn, err.Error())
		return
	}
	origin := entries[0].Addr
	entries = protocol.UpsertNetMapEntry(entries, s.state.Self(), ring.StatusAlive)

	next := s.state.SelfSuccessor()
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if next == "" || next == origin {
		// Terminal hop: hand the finished accumulator to the origin.
		err = protocol.Send(octx, origin, "NETMAP SET "+protocol.EncodeNetMapEntries(entries))
	} else {
		err = protocol.Send(octx, next, "NETMAP HOP "+protocol.EncodeNetMapEntries(entries))
	}
	if err != nil {
		log.Printf("node[%s] netmap hop forward: %v", s.state.Self(), err)
	}
	respondOK(conn)
}

// handleNetMapDiscover starts a discover walk and parks the client until the
// accumulated map comes back around the ring.
func (s *Server) handleNetMapDiscover(ctx context.Context, conn net.Conn) {
	self := s.state.Self()
	next := s.state.SelfSuccessor()
	if next == "" || next == self {
		writeNetMapCSV(conn, s.state.NetMap())
		return
	}

	waiter := s.registerDiscover()
	seed := protocol.EncodeNetMapEntries([]protocol.NetMapEntry{{Addr: self, Status: ring.StatusAlive}})
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	err := protocol.Send(octx, next, "NETMAP HOP "+seed)
	cancel()
	if err != nil {
		s.dropDiscover(waiter)
		respondErr(conn, fmt.Sprintf("forward failed: %v", err))
		return
	}

	select {
	case <-waiter:
		writeNetMapCSV(conn, s.state.NetMap())
	case <-time.After(s.cfg.WalkTimeout):
		s.dropDiscover(waiter)
		respondErr(conn, "walk timeout")
	case <-ctx.Done():
		s.dropDiscover(waiter)
	}
}

// handleTopologyWalk starts a topology walk and parks the client until the
// terminal hop reports back with TOPOLOGY DONE.
func (s *Server) handleTopologyWalk(ctx context.Context, conn net.Conn) {
	self := s.state.Self()
	next := s.state.SelfSuccessor()
	if next == "" {
		respondErr(conn, "no next hop set")
		return
	}

	history := protocol.EncodeEdges([]protocol.Edge{{From: self, To: next}})
	if next == self {
		fmt.Fprintf(conn, "%s\n", history)
		return
	}

	waiter := s.registerWalk()
	octx, cancel := context.WithTimeout(ctx, opTimeout)
	err := protocol.Send(octx, next, "TOPOLOGY HOP "+history)
	cancel()
	if err != nil {
		s.dropWalk(waiter)
		respondErr(conn, fmt.Sprintf("forward failed: %v", err))
		return
	}

	select {
	case final := <-waiter:
		fmt.Fprintf(conn, "%s\n", final)
	case <-time.After(s.cfg.WalkTimeout):
		s.dropWalk(waiter)
		respondErr(conn, "walk timeout")
	case <-ctx.Done():
		s.dropWalk(waiter)
	}
}

// handleTopologyHop appends this node's edge and forwards, or closes the
// walk back to the origin when the next hop would be the origin itself.
func (s *Server) handleTopologyHop(ctx context.Context, conn net.Conn, cmd protocol.Command) {
	edges, err := protocol.ParseEdges(cmd.History)
	if err != nil {
		respondErr(conn, err.Error())
		return
	}
	origin := edges[0].From

	next := s.state.SelfSuccessor()
	if next == "" {
		respondOK(conn)
		return
	}
	edges = append(edges, protocol.Edge{From: s.state.Self(), To: next})

	octx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if next == origin {
		err = protocol.Send(octx, origin, "TOPOLOGY DONE "+protocol.EncodeEdges(edges))
	} else {
		err = protocol.Send(octx, next, "TOPOLOGY HOP "+protocol.EncodeEdges(edges))
	}
	if err != nil {
		log.Printf("node[%s] topology hop forward: %v", s.state.Self(), err)
	}
	respondOK(conn)
}

func (s *Server) handleTopologyDone(conn net.Conn, cmd protocol.Command) {
	s.completeWalk(cmd.History)
	respondOK(conn)
}

// handleTopologySet installs a pushed topology wholesale. A respawned node
// learns its own successor from its entry in the pushed table.
func (s *Server) handleTopologySet(conn net.Conn, cmd protocol.Command) {
	edges, err := protocol.ParseEdges(cmd.History)
	if err != nil {
		respondErr(conn, err.Error())
		return
	}
	s.state.MergeTopology(protocol.EdgesToMap(edges))
	respondOK(conn)
}
