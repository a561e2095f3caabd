package channel

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind is the transport a channel uses.
type Kind string

const (
	KindDomainSocket Kind = "unix"
	KindTCP          Kind = "tcp"
)

func (k Kind) String() string { return string(k) }

// ParseAddress parses a Workload API endpoint address.
//
// Accepts:
//   - "unix:///tmp/spire-agent/public/api.sock"
//   - "unix:relative/api.sock"
//   - "tcp://127.0.0.1:8081"
//   - a bare absolute path, which is treated as unix://
func ParseAddress(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	if strings.HasPrefix(raw, "/") {
		raw = "unix://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidAddress, raw)
	}
	return u, nil
}

// Classify picks the transport for addr from its scheme alone.
// Every scheme other than "unix" is TCP.
func Classify(addr *url.URL) Kind {
	if addr.Scheme == "unix" {
		return KindDomainSocket
	}
	return KindTCP
}

// unixTarget returns the gRPC target for a domain-socket address.
func unixTarget(addr *url.URL) (string, error) {
	if addr.Opaque != "" {
		return "unix:" + addr.Opaque, nil
	}
	if addr.Host != "" {
		return "", fmt.Errorf("%w: %q has a host component; use unix:///absolute/path", ErrInvalidAddress, addr.String())
	}
	if addr.Path == "" {
		return "", fmt.Errorf("%w: %q has no socket path", ErrInvalidAddress, addr.String())
	}
	return "unix://" + addr.Path, nil
}

// tcpTarget returns the gRPC target for a TCP address. The passthrough
// resolver leaves name resolution to dial time.
func tcpTarget(addr *url.URL) (string, error) {
	host, port := addr.Hostname(), addr.Port()
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidAddress, addr.String())
	}
	if port == "" {
		return "", fmt.Errorf("%w: %q has no port", ErrInvalidAddress, addr.String())
	}
	return "passthrough:///" + net.JoinHostPort(host, port), nil
}
