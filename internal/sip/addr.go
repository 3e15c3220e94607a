package sip

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// advertisedHost returns the address placed in Contact, Via and SDP. A
// wildcard listen address is replaced by the machine's first non-loopback
// IPv4 address, falling back to 127.0.0.1.
func advertisedHost(listenHost string) string {
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		return listenHost
	}
	if listenHost != "" && net.ParseIP(listenHost) == nil {
		return listenHost
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// parseParty turns a party address into a SIP URI. Bare "user@host" and
// "host" forms get the sip: scheme; a bare user gets defaultHost.
func parseParty(party, defaultHost string) (sip.Uri, error) {
	s := strings.TrimSpace(party)
	if s == "" {
		return sip.Uri{}, fmt.Errorf("empty party address")
	}
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			s = s[i+1 : i+j]
		}
	}

	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(s, "@") && !strings.ContainsAny(s, ".:") && defaultHost != "" {
			s = s + "@" + defaultHost
		}
		s = "sip:" + s
	}

	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing party %q: %w", party, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("party %q has no host", party)
	}
	return uri, nil
}

// partyString renders the address of a From or To header for events.
func partyString(uri sip.Uri) string {
	host := uri.Host
	if uri.Port > 0 {
		host = net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	}
	if uri.User != "" {
		return "sip:" + uri.User + "@" + host
	}
	return "sip:" + host
}
