package net

import (
	"net"
	"time"

	pp "github.com/pires/go-proxyproto"
)

// NewProxyProtocolListener makes accepted connections report the client
// address carried in a PROXY v1/v2 header. Connections without one keep
// their socket address.
func NewProxyProtocolListener(l net.Listener, headerTimeout time.Duration) net.Listener {
	return &pp.Listener{Listener: l, ReadHeaderTimeout: headerTimeout}
}
