package grpcserver

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// authorizationFromMD returns the first non-empty authorization value.
// Parsing is left to the actor resolver.
func authorizationFromMD(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// peerHost returns the caller's host without the port, so all connections
// from one client share a rate-limit bucket.
func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
