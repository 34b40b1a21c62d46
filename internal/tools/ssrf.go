package tools

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// checkSSRF rejects URLs that would let a tool call reach internal or
// link-local network ranges from the agent's network position: loopback,
// private RFC1918/ULA space, link-local (including the 169.254.169.254
// cloud metadata endpoint), and unspecified addresses. It resolves the
// URL's hostname and checks every returned address, so a DNS name that
// rebinds to an internal IP is caught the same as a literal internal IP.
func checkSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	if strings.EqualFold(host, "metadata.google.internal") {
		return fmt.Errorf("blocked host %q", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := checkSSRFAddr(ip); err != nil {
			return err
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve host: %w", err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("host %q did not resolve", host)
	}
	for _, addr := range addrs {
		if err := checkSSRFAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func checkSSRFAddr(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("blocked loopback address %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("blocked unspecified address %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("blocked link-local address %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("blocked private address %s", ip)
	case ip.Equal(net.IPv4(169, 254, 169, 254)):
		return fmt.Errorf("blocked cloud metadata address %s", ip)
	}
	return nil
}
