package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/adamjohannes/ouroboros-fs/internal/protocol"
)

// File striping. A push splits the byte stream into N contiguous chunks,
// N = alive nodes at push time, chunk size ceil(size/N); each hop keeps its
// slice and streams the tail onward. A pull walks the same successor order
// from the tag's start node and concatenates what each node returns.

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// handleFilePush stripes a client upload across the ring, starting with this
// node's own chunk, then relays the tail and broadcasts the new tag.
func (s *Server) handleFilePush(ctx context.Context, conn net.Conn, r *bufio.Reader, cmd protocol.Command) {
	self := s.state.Self()
	n := int64(s.state.AliveCount())
	chunk := ceilDiv(cmd.Size, n)
	mine := min(chunk, cmd.Size)

	if err := s.storeChunk(r, cmd.Name, mine); err != nil {
		respondErr(conn, err.Error())
		return
	}
	s.state.SetFileTag(cmd.Name, cmd.Size, self)

	if remaining := cmd.Size - mine; remaining > 0 {
		if err := s.relayTail(ctx, r, cmd.Size, cmd.Name, remaining, self); err != nil {
			log.Printf("node[%s] push relay of %q: %v", self, cmd.Name, err)
			respondErr(conn, fmt.Sprintf("relay failed: %v", err))
			return
		}
	}

	s.broadcastTags(ctx)
	log.Printf("node[%s] pushed %q (%d bytes across %d nodes)", self, cmd.Name, cmd.Size, n)
	respondOK(conn)
}

// handleFileRelayStream takes this hop's chunk off the stream and forwards
// the rest. The hop that consumes the last byte is the terminal one; it
// broadcasts the tag and the OK propagates back upstream from there.
func (s *Server) handleFileRelayStream(ctx context.Context, conn net.Conn, r *bufio.Reader, cmd protocol.Command) {
	n := int64(s.state.AliveCount())
	chunk := ceilDiv(cmd.Size, n)
	mine := min(chunk, cmd.Remaining)

	if err := s.storeChunk(r, cmd.Name, mine); err != nil {
		respondErr(conn, err.Error())
		return
	}
	s.state.SetFileTag(cmd.Name, cmd.Size, cmd.Start)

	if rest := cmd.Remaining - mine; rest > 0 {
		if err := s.relayTail(ctx, r, cmd.Size, cmd.Name, rest, cmd.Start); err != nil {
			log.Printf("node[%s] relay of %q: %v", s.state.Self(), cmd.Name, err)
			respondErr(conn, fmt.Sprintf("relay failed: %v", err))
			return
		}
	} else {
		s.broadcastTags(ctx)
	}
	respondOK(conn)
}

// storeChunk reads exactly n payload bytes off the connection and stores
// them as this node's chunk. A short read is returned as the client's
// protocol error. A mirror write failure is a local resource error: it is
// logged here and not returned, since the in-memory chunk is already stored.
func (s *Server) storeChunk(r *bufio.Reader, name string, n int64) error {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("short payload: %v", err)
	}
	if err := s.chunks.Put(name, buf); err != nil {
		log.Printf("node[%s] chunk mirror of %q: %v", s.state.Self(), name, err)
	}
	return nil
}

// relayTail streams remaining bytes from src to the successor behind a
// FILE RELAY-STREAM header and waits for the downstream OK. The deadline
// scales with the number of hops the tail still has to cover.
func (s *Server) relayTail(ctx context.Context, src io.Reader, size int64, name string, remaining int64, start string) error {
	next := s.state.SelfSuccessor()
	if next == "" {
		return fmt.Errorf("no next hop set")
	}

	n := int64(s.state.AliveCount())
	hops := int64(1)
	if chunk := ceilDiv(size, n); chunk > 0 {
		hops = min(ceilDiv(remaining, chunk), n)
	}
	rctx, cancel := context.WithTimeout(ctx, time.Duration(hops)*s.cfg.RelayTimeout)
	defer cancel()

	conn, err := protocol.Dial(rctx, next)
	if err != nil {
		return err
	}
	defer conn.Close()

	header := fmt.Sprintf("FILE RELAY-STREAM %d %s %d %s", size, name, remaining, start)
	if err := protocol.WriteHeader(conn, header); err != nil {
		return fmt.Errorf("send %s: %w", next, err)
	}
	if _, err := io.CopyN(conn, src, remaining); err != nil {
		return fmt.Errorf("stream to %s: %w", next, err)
	}

	line, err := protocol.ReadLine(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read %s: %w", next, err)
	}
	if line != "OK" {
		return fmt.Errorf("peer %s: %s", next, line)
	}
	return nil
}

// handleFilePull reassembles a file by collecting chunks in successor order
// from the tag's start node, streaming each straight through to the client.
func (s *Server) handleFilePull(ctx context.Context, conn net.Conn, cmd protocol.Command) {
	tag, ok := s.state.FileTag(cmd.Name)
	if !ok {
		respondErr(conn, "unknown file")
		return
	}

	n := int64(s.state.RingLength())
	if n <= 0 {
		n = 1
	}
	chunk := ceilDiv(tag.Size, n)
	remaining := tag.Size
	cur := tag.Start
	streamed := false

	for hop := int64(0); hop < n && remaining > 0 && cur != ""; hop++ {
		want := min(chunk, remaining)
		copied, err := s.collectChunk(ctx, conn, cur, cmd.Name, want)
		if copied > 0 {
			streamed = true
		}
		if err != nil {
			// Once bytes have gone to the client an ERR line would
			// corrupt the stream; closing early is the signal.
			log.Printf("node[%s] pull of %q from %s: %v", s.state.Self(), cmd.Name, cur, err)
			if !streamed {
				respondErr(conn, fmt.Sprintf("collect failed: %v", err))
			}
			return
		}
		remaining -= want
		cur = s.state.Successor(cur)
	}
}

// collectChunk fetches one node's chunk and copies it through to the client
// until the peer closes. A healed node that lost its chunk sends nothing;
// the pull still advances and the result is short by that slice.
func (s *Server) collectChunk(ctx context.Context, dst io.Writer, addr, name string, want int64) (int64, error) {
	octx, cancel := context.WithTimeout(ctx, s.cfg.RelayTimeout)
	defer cancel()

	peer, err := protocol.Dial(octx, addr)
	if err != nil {
		return 0, err
	}
	defer peer.Close()

	if err := protocol.WriteHeader(peer, "FILE GET-CHUNK "+name); err != nil {
		return 0, fmt.Errorf("send %s: %w", addr, err)
	}
	copied, err := io.Copy(dst, peer)
	if err != nil {
		return copied, fmt.Errorf("stream from %s: %w", addr, err)
	}
	if copied != want {
		log.Printf("node[%s] chunk %q from %s: got %d bytes, wanted %d", s.state.Self(), name, addr, copied, want)
	}
	return copied, nil
}

// handleFileGetChunk serves this node's raw chunk bytes, terminated by
// close. A missing chunk is an empty response, not an error: the pull path
// must keep walking.
func (s *Server) handleFileGetChunk(conn net.Conn, cmd protocol.Command) {
	b, ok := s.chunks.Get(cmd.Name)
	if !ok {
		return
	}
	if _, err := conn.Write(b); err != nil {
		log.Printf("node[%s] chunk write of %q: %v", s.state.Self(), cmd.Name, err)
	}
}

// handleFileList dumps the local tag table as CSV, terminated by close.
func (s *Server) handleFileList(conn net.Conn) {
	io.WriteString(conn, protocol.EncodeTags(s.state.Tags()))
}

// handleFileTagsSet upserts a pushed tag table from a length-prefixed CSV
// body. Re-applying the same body is a no-op.
func (s *Server) handleFileTagsSet(conn net.Conn, r *bufio.Reader, cmd protocol.Command) {
	body := make([]byte, cmd.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		respondErr(conn, fmt.Sprintf("short payload: %v", err))
		return
	}
	tags, err := protocol.ParseTags(string(body))
	if err != nil {
		respondErr(conn, err.Error())
		return
	}
	for name, tag := range tags {
		s.state.SetFileTag(name, tag.Size, tag.Start)
	}
	respondOK(conn)
}

// broadcastTags pushes the full local tag table to every alive peer.
// Best-effort: a peer that misses the broadcast catches up on the next one
// or on heal re-sync.
func (s *Server) broadcastTags(ctx context.Context) {
	body := []byte(protocol.EncodeTags(s.state.Tags()))
	if len(body) == 0 {
		return
	}
	header := fmt.Sprintf("FILE TAGS-SET %d", len(body))
	for _, addr := range s.state.Alive(s.state.Self()) {
		octx, cancel := context.WithTimeout(ctx, opTimeout)
		if err := protocol.SendBody(octx, addr, header, body); err != nil {
			log.Printf("node[%s] tag broadcast to %s: %v", s.state.Self(), addr, err)
		}
		cancel()
	}
}
