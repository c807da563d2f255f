package util

import (
	"fmt"
	"net"
	"strconv"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseHostPort splits "host[:port]", filling in defaultPort when the
// port is omitted.
func ParseHostPort(spec string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(spec)
	if err != nil {
		// No port (or a bare IPv6 literal): treat the whole spec as host.
		host, portStr = spec, ""
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", spec)
	}
	port := defaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", portStr)
		}
	}
	return host, port, nil
}
