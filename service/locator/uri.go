package locator

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default SIP ports.
const (
	DefaultPort    = 5060
	DefaultTLSPort = 5061
)

// Transports.
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportTLS = "tls"
)

// ErrInvalidURI is returned for destinations that cannot be parsed.
var ErrInvalidURI = errors.New("invalid sip uri")

// destination is the routing relevant part of a SIP URI.
type destination struct {
	secure    bool
	host      string
	port      uint16
	transport string
}

// parseDestination parses destinations like "sip:alice@example.com:5080;transport=tcp".
// The scheme is optional and defaults to sip.
func parseDestination(s string) (*destination, error) {
	d := &destination{}

	rest := strings.TrimSpace(s)
	switch scheme, after, found := strings.Cut(rest, ":"); {
	case found && strings.EqualFold(scheme, "sips"):
		d.secure = true
		rest = after
	case found && strings.EqualFold(scheme, "sip"):
		rest = after
	}

	// Parameters.
	rest, params, _ := strings.Cut(rest, ";")
	for _, param := range strings.Split(params, ";") {
		key, value, _ := strings.Cut(param, "=")
		if strings.EqualFold(key, "transport") {
			d.transport = strings.ToLower(value)
		}
	}
	rest, _, _ = strings.Cut(rest, "?")

	// User info.
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}

	// Host and port.
	host := rest
	if h, p, err := net.SplitHostPort(rest); err == nil {
		port, err := strconv.ParseUint(p, 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURI, p)
		}
		host = h
		d.port = uint16(port)
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURI, s)
	}
	d.host = strings.ToLower(host)

	switch d.transport {
	case "", TransportUDP, TransportTCP, TransportTLS:
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrInvalidURI, d.transport)
	}
	if d.secure {
		d.transport = TransportTLS
	}

	return d, nil
}

func (d *destination) defaultPort() uint16 {
	if d.secure || d.transport == TransportTLS {
		return DefaultTLSPort
	}
	return DefaultPort
}

func (d *destination) defaultTransport() string {
	if d.transport != "" {
		return d.transport
	}
	return TransportUDP
}

// services returns the SRV services to query, in order of preference.
func (d *destination) services() []srvService {
	switch d.transport {
	case TransportTLS:
		return []srvService{{"_sips._tcp.", TransportTLS}}
	case TransportTCP:
		return []srvService{{"_sip._tcp.", TransportTCP}}
	case TransportUDP:
		return []srvService{{"_sip._udp.", TransportUDP}}
	default:
		return []srvService{
			{"_sip._udp.", TransportUDP},
			{"_sip._tcp.", TransportTCP},
			{"_sips._tcp.", TransportTLS},
		}
	}
}

// cacheKey identifies lookups that yield the same targets.
func (d *destination) cacheKey() string {
	return fmt.Sprintf("%s|%s|%d", d.transport, d.host, d.port)
}

type srvService struct {
	prefix    string
	transport string
}
