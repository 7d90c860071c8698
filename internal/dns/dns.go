package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicDNS are servers queried when the system resolver fails.
var publicDNS = []string{
	"1.1.1.1",                // Cloudflare
	"1.0.0.1",                // Cloudflare
	"[2606:4700:4700::1111]", // Cloudflare
	"8.8.8.8",                // Google
	"8.8.4.4",                // Google
	"[2001:4860:4860::8888]", // Google
	"9.9.9.9",                // Quad9
	"149.112.112.112",        // Quad9
}

const (
	localTimeout  = 1 * time.Second
	remoteTimeout = 2 * time.Second
)

// Lookup resolves a hostname to an IP address, preferring IPv4.
// It tries the system resolver first and races public resolvers when that
// fails, so signaling still works on networks with broken local DNS.
func Lookup(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	localCtx, cancel := context.WithTimeout(ctx, localTimeout)
	ip, err := lookupWith(localCtx, &net.Resolver{}, host)
	cancel()
	if err == nil {
		return ip, nil
	}

	return raceLookup(ctx, host)
}

// DialContext dials addr after resolving its host with Lookup.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ip, err := Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}

	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func raceLookup(ctx context.Context, host string) (string, error) {
	type result struct {
		ip  string
		err error
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	results := make(chan result, len(publicDNS))
	for _, server := range publicDNS {
		go func(server string) {
			r := &net.Resolver{
				PreferGo: true,
				Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
				},
			}
			ip, err := lookupWith(ctx, r, host)
			results <- result{ip: ip, err: err}
		}(server)
	}

	failures := 0
	for range publicDNS {
		select {
		case res := <-results:
			if res.err == nil {
				return res.ip, nil
			}
			failures++
		case <-ctx.Done():
			return "", fmt.Errorf("dns lookup for %s timed out", host)
		}
	}

	return "", fmt.Errorf("failed to resolve %s: all %d public resolvers failed", host, failures)
}

func lookupWith(ctx context.Context, r *net.Resolver, host string) (string, error) {
	ips, err := r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", errors.New("no IP addresses found")
	}

	for _, ip := range ips {
		if net.ParseIP(ip).To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}
