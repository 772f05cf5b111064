package net

import (
	"bytes"
	"net"
	"testing"
	"time"

	pp "github.com/pires/go-proxyproto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyProtocolListener(t *testing.T) {
	for _, version := range []string{"v1", "v2"} {
		t.Run(version, func(t *testing.T) {
			raw, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			ln := NewProxyProtocolListener(raw, time.Second)
			defer ln.Close()

			src := &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40000}
			got := make(chan net.Addr, 1)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					got <- nil
					return
				}
				defer c.Close()
				got <- c.RemoteAddr()
			}()

			c, err := net.Dial("tcp", raw.Addr().String())
			require.NoError(t, err)
			defer c.Close()
			hdr, err := proxyHeader(src, raw.Addr(), version)
			require.NoError(t, err)
			_, err = c.Write(hdr)
			require.NoError(t, err)

			select {
			case addr := <-got:
				require.NotNil(t, addr)
				assert.Equal(t, src.String(), addr.String())
			case <-time.After(2 * time.Second):
				t.Fatal("accept timed out")
			}
		})
	}
}

func proxyHeader(src, dst net.Addr, version string) ([]byte, error) {
	v := byte(2)
	if version == "v1" {
		v = 1
	}
	var buf bytes.Buffer
	if _, err := pp.HeaderProxyFromAddrs(v, src, dst).WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func TestProxyHeaderV1Format(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	dst := &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2}
	hdr, err := proxyHeader(src, dst, "v1")
	require.NoError(t, err)
	assert.Equal(t, "PROXY TCP4 10.0.0.1 10.0.0.2 1 2\r\n", string(hdr))
}
