package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Outbound helpers for ring-internal traffic. Every ring protocol uses the
// same shape: dial the peer, write one header line, optionally stream a
// payload, optionally read one status line, close. Connections are never
// reused.

// dialTimeout bounds connection establishment for all outbound requests.
// Read/write deadlines are the caller's business (via ctx or SetDeadline).
const dialTimeout = 5 * time.Second

var dialer = &net.Dialer{Timeout: dialTimeout}

// Dial opens a short-lived connection to a peer.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// WriteHeader writes one header line. The header must not contain a newline.
func WriteHeader(w io.Writer, header string) error {
	_, err := io.WriteString(w, header+"\n")
	return err
}

// ReadLine reads one `\n`-terminated line and returns it without the line
// ending. Lines longer than the reader's buffer are a protocol error.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// RoundTrip sends one header to addr and returns the single response line.
func RoundTrip(ctx context.Context, addr, header string) (string, error) {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := WriteHeader(conn, header); err != nil {
		return "", fmt.Errorf("send %s: %w", addr, err)
	}
	line, err := ReadLine(bufio.NewReader(conn))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", addr, err)
	}
	return line, nil
}

// Send sends one header to addr and requires an OK response. Any ERR line
// from the peer comes back as an error.
func Send(ctx context.Context, addr, header string) error {
	line, err := RoundTrip(ctx, addr, header)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("peer %s: %s", addr, line)
	}
	return nil
}

// SendBody sends a header followed by a bounded payload and requires an OK
// response. Used for FILE TAGS-SET, whose table may be too large for a
// header line.
func SendBody(ctx context.Context, addr, header string, body []byte) error {
	conn, err := Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := WriteHeader(conn, header); err != nil {
		return fmt.Errorf("send %s: %w", addr, err)
	}
	if _, err := conn.Write(body); err != nil {
		return fmt.Errorf("send %s: %w", addr, err)
	}
	line, err := ReadLine(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read %s: %w", addr, err)
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("peer %s: %s", addr, line)
	}
	return nil
}

// Ping probes a peer with NODE PING and reports whether it answered PONG.
func Ping(ctx context.Context, addr string) error {
	line, err := RoundTrip(ctx, addr, "NODE PING")
	if err != nil {
		return err
	}
	if line != "PONG" {
		return fmt.Errorf("peer %s: unexpected ping reply %q", addr, line)
	}
	return nil
}
