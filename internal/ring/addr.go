package ring

import (
	"net"
	"strings"
)

// PortOf extracts the port from an ip:port address. The port is the stable
// identity of a node across respawns.
func PortOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// NormalizeAddr accepts either a bare port ("7001") or a full address
// ("127.0.0.1:7001") and returns the full form, defaulting the host to
// loopback.
func NormalizeAddr(raw, host string) string {
	if strings.Contains(raw, ":") {
		return raw
	}
	return net.JoinHostPort(host, raw)
}
